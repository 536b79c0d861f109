package models

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// CodeKind distinguishes real gene signatures from synthetic background
// signatures. Background codes take part in pursuit like any other code;
// the kind only matters for downstream reporting.
type CodeKind int

const (
	// Ordinary marks a real gene signature from the reference calling stage.
	Ordinary CodeKind = iota

	// Background marks a synthetic single-channel signature used to soak up
	// autofluorescence that is constant across rounds.
	Background
)

// GeneCode is the normalized expected intensity signature of one gene (or
// background class) across all sequencing rounds and channels.
type GeneCode struct {
	// Name identifies the gene in reports and spot output.
	Name string `yaml:"name"`

	// Kind tags the code as an ordinary gene or a background class.
	Kind CodeKind `yaml:"-"`

	// Code is the flattened rounds x channels signature in round-major order.
	// It must be L2-normalized to unit length.
	Code []float64 `yaml:"code"`
}

// Dictionary holds the full set of gene codes for a run, including any
// synthetic background codes. It is immutable once constructed.
type Dictionary struct {
	// Rounds is the number of sequencing rounds.
	Rounds int

	// Channels is the number of imaging channels per round.
	Channels int

	// Codes is every gene code. Background codes, if present, follow the
	// ordinary codes.
	Codes []GeneCode
}

// normTolerance is the allowed deviation from unit L2 norm for a code.
const normTolerance = 1e-6

// NewDictionary validates and wraps a set of gene codes. Every code must
// have length rounds*channels and unit L2 norm.
func NewDictionary(rounds, channels int, codes []GeneCode) (*Dictionary, error) {
	if rounds < 1 || channels < 1 {
		return nil, fmt.Errorf("dictionary requires at least one round and one channel, got %dx%d", rounds, channels)
	}
	if len(codes) == 0 {
		return nil, fmt.Errorf("dictionary requires at least one gene code")
	}
	n := rounds * channels
	for i, c := range codes {
		if len(c.Code) != n {
			return nil, fmt.Errorf("code %q has length %d, want %d", c.Name, len(c.Code), n)
		}
		norm := 0.0
		for _, v := range c.Code {
			norm += v * v
		}
		norm = math.Sqrt(norm)
		if math.Abs(norm-1) > normTolerance {
			return nil, fmt.Errorf("code %d (%q) is not unit-normalized: |code| = %g", i, c.Name, norm)
		}
	}
	return &Dictionary{Rounds: rounds, Channels: channels, Codes: codes}, nil
}

// VectorLen returns the length of a flattened pixel vector or code.
func (d *Dictionary) VectorLen() int { return d.Rounds * d.Channels }

// NumGenes returns the total number of codes, background included.
func (d *Dictionary) NumGenes() int { return len(d.Codes) }

// OrdinaryGenes returns the indices of all non-background codes.
func (d *Dictionary) OrdinaryGenes() []int {
	out := make([]int, 0, len(d.Codes))
	for i, c := range d.Codes {
		if c.Kind == Ordinary {
			out = append(out, i)
		}
	}
	return out
}

// Digest returns a stable hex digest of the dictionary contents, used to pin
// checkpointed results to the codes they were computed from.
func (d *Dictionary) Digest() string {
	h := sha256.New()
	binary.Write(h, binary.LittleEndian, uint32(d.Rounds))
	binary.Write(h, binary.LittleEndian, uint32(d.Channels))
	for _, c := range d.Codes {
		h.Write([]byte(c.Name))
		binary.Write(h, binary.LittleEndian, uint8(c.Kind))
		binary.Write(h, binary.LittleEndian, c.Code)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// BackgroundCodes builds one synthetic code per channel: uniform brightness
// in that channel across every round, L2-normalized like ordinary codes.
func BackgroundCodes(rounds, channels int) []GeneCode {
	codes := make([]GeneCode, channels)
	// Each code has `rounds` non-zero entries of equal magnitude.
	value := 1 / math.Sqrt(float64(rounds))
	for ch := 0; ch < channels; ch++ {
		code := make([]float64, rounds*channels)
		for r := 0; r < rounds; r++ {
			code[r*channels+ch] = value
		}
		codes[ch] = GeneCode{
			Name: fmt.Sprintf("background_%d", ch),
			Kind: Background,
			Code: code,
		}
	}
	return codes
}

// dictionaryFile is the on-disk YAML layout of a gene dictionary.
type dictionaryFile struct {
	Rounds   int        `yaml:"rounds"`
	Channels int        `yaml:"channels"`
	Genes    []GeneCode `yaml:"genes"`
}

// LoadDictionary reads a gene dictionary from a YAML file produced by the
// reference calling stage and appends the synthetic background codes.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading dictionary file: %w", err)
	}

	var file dictionaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("error parsing dictionary file: %w", err)
	}

	codes := make([]GeneCode, 0, len(file.Genes)+file.Channels)
	for _, g := range file.Genes {
		g.Kind = Ordinary
		codes = append(codes, g)
	}
	codes = append(codes, BackgroundCodes(file.Rounds, file.Channels)...)

	return NewDictionary(file.Rounds, file.Channels, codes)
}
