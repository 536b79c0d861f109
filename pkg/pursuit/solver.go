// Package pursuit implements the greedy iterative sparse fit that assigns
// gene coefficients to a single pixel's intensity vector. Each iteration
// selects the unassigned code with the largest absolute dot-product score
// against the (optionally down-weighted) residual, then refits the
// coefficients of every selected code against the original vector so earlier
// coefficients never go stale.
package pursuit

import (
	"fmt"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"

	"genepursuit/internal/models"
)

// StopReason says why pursuit finished for a pixel.
type StopReason int

const (
	// StopBelowThreshold means the best remaining score fell below the
	// dot-product threshold. A pixel with no assignments at all also stops
	// with this reason.
	StopBelowThreshold StopReason = iota

	// StopMaxGenes means the iteration cap was reached.
	StopMaxGenes
)

// String returns a human-readable stop reason.
func (r StopReason) String() string {
	switch r {
	case StopBelowThreshold:
		return "score below threshold"
	case StopMaxGenes:
		return "max genes reached"
	default:
		return fmt.Sprintf("unknown stop reason %d", int(r))
	}
}

// Assignment is one (gene, coefficient) pair for a pixel, in selection order.
type Assignment struct {
	// Gene indexes the dictionary code.
	Gene int

	// Coefficient is the refit least-squares coefficient for the code.
	Coefficient float64
}

// Result is the full pursuit outcome for one pixel.
type Result struct {
	// Assignments holds at most MaxGenes entries, one per selected gene.
	// No gene appears twice.
	Assignments []Assignment

	// Residual is the original vector minus every assigned code scaled by
	// its coefficient.
	Residual []float64

	// Reason records why iteration stopped.
	Reason StopReason
}

// Coefficient returns the coefficient assigned to gene, or zero when the
// gene was not selected.
func (r Result) Coefficient(gene int) float64 {
	for _, a := range r.Assignments {
		if a.Gene == gene {
			return a.Coefficient
		}
	}
	return 0
}

// Params are the pursuit tuning parameters. See config for the recognized
// option names and their validation.
type Params struct {
	// MaxGenes caps the number of codes assigned to one pixel.
	MaxGenes int

	// DotProductThreshold is the minimum absolute score needed to keep
	// iterating.
	DotProductThreshold float64

	// Alpha and Beta control the variance down-weighting of rounds/channels
	// already explained by assigned codes. Alpha 0 turns weighting off.
	Alpha, Beta float64

	// WeightCoefFit switches the refit from plain to weighted least squares,
	// using the previous iteration's round/channel weights.
	WeightCoefFit bool
}

// WeightFunc maps the current refit coefficients and selected codes to a
// per-round/channel weight vector applied to the residual before scoring.
// The exact weighting is a modelling choice, so it is swappable; the default
// is VarianceWeights.
type WeightFunc func(coefs []float64, codes [][]float64, n int) []float64

// VarianceWeights builds the default weighting: each round/channel's
// variance grows with the signal already explained there, and its weight is
// the normalized inverse variance,
//
//	sigma2_i = beta^2 + alpha * sum_g (coef_g * code_g_i)^2
//	weight_i = n * (1/sigma2_i) / sum_j (1/sigma2_j)
//
// With alpha = 0 every weight is exactly 1.
func VarianceWeights(alpha, beta float64) WeightFunc {
	return func(coefs []float64, codes [][]float64, n int) []float64 {
		weights := make([]float64, n)
		if alpha == 0 {
			for i := range weights {
				weights[i] = 1
			}
			return weights
		}
		invSum := 0.0
		for i := 0; i < n; i++ {
			explained := 0.0
			for g, c := range coefs {
				term := c * codes[g][i]
				explained += term * term
			}
			inv := 1 / (beta*beta + alpha*explained)
			weights[i] = inv
			invSum += inv
		}
		scale := float64(n) / invSum
		for i := range weights {
			weights[i] *= scale
		}
		return weights
	}
}

// Solver runs pursuit against a fixed dictionary. It is safe for concurrent
// use: all per-pixel state lives on the stack of Solve.
type Solver struct {
	dict     *models.Dictionary
	params   Params
	weightFn WeightFunc

	// degenerate counts refits that needed the minimum-norm fallback.
	degenerate atomic.Uint64
}

// NewSolver builds a solver for the dictionary with the default variance
// weighting.
func NewSolver(dict *models.Dictionary, params Params) *Solver {
	return NewSolverWithWeights(dict, params, VarianceWeights(params.Alpha, params.Beta))
}

// NewSolverWithWeights builds a solver with a custom weighting function.
func NewSolverWithWeights(dict *models.Dictionary, params Params, fn WeightFunc) *Solver {
	// The refit system has one row per round/channel, so more selected codes
	// than rows could never be determined anyway.
	if params.MaxGenes > dict.VectorLen() {
		params.MaxGenes = dict.VectorLen()
	}
	return &Solver{dict: dict, params: params, weightFn: fn}
}

// DegenerateRefits returns how many refits fell back to the minimum-norm
// solution since the solver was built.
func (s *Solver) DegenerateRefits() uint64 { return s.degenerate.Load() }

// Solve runs pursuit on one pixel vector. The vector must have length
// rounds*channels. A degenerate (all-zero) vector returns an empty result
// with reason StopBelowThreshold and no error.
func (s *Solver) Solve(v []float64) Result {
	n := s.dict.VectorLen()
	numGenes := s.dict.NumGenes()

	selected := make([]int, 0, s.params.MaxGenes)
	selectedCodes := make([][]float64, 0, s.params.MaxGenes)
	var coefs []float64

	residual := make([]float64, n)
	copy(residual, v)

	// Unit weights until a first refit gives something to down-weight.
	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}

	for len(selected) < s.params.MaxGenes {
		best, bestScore := -1, 0.0
		for g := 0; g < numGenes; g++ {
			if contains(selected, g) {
				continue
			}
			score := 0.0
			code := s.dict.Codes[g].Code
			for i := 0; i < n; i++ {
				score += residual[i] * weights[i] * code[i]
			}
			if math.Abs(score) > math.Abs(bestScore) {
				best, bestScore = g, score
			}
		}

		// A zero best score means the residual is degenerate (for example an
		// all-zero input); stop regardless of the threshold.
		if best < 0 || bestScore == 0 || math.Abs(bestScore) < s.params.DotProductThreshold {
			return Result{Assignments: s.assignments(selected, coefs), Residual: residual, Reason: StopBelowThreshold}
		}

		selected = append(selected, best)
		selectedCodes = append(selectedCodes, s.dict.Codes[best].Code)

		coefs = s.refit(v, selectedCodes, weights)

		// Rebuild the residual from the original vector, never the previous
		// residual, so refit corrections propagate.
		copy(residual, v)
		for g, c := range coefs {
			code := selectedCodes[g]
			for i := 0; i < n; i++ {
				residual[i] -= c * code[i]
			}
		}

		weights = s.weightFn(coefs, selectedCodes, n)
	}

	return Result{Assignments: s.assignments(selected, coefs), Residual: residual, Reason: StopMaxGenes}
}

// assignments pairs the selected gene indices with their refit coefficients.
func (s *Solver) assignments(selected []int, coefs []float64) []Assignment {
	if len(selected) == 0 {
		return nil
	}
	out := make([]Assignment, len(selected))
	for i, g := range selected {
		out[i] = Assignment{Gene: g, Coefficient: coefs[i]}
	}
	return out
}

// refit solves the least-squares problem for every selected code against the
// original vector. When WeightCoefFit is set, rows are scaled by the square
// root of the current weights first. A numerically singular system falls
// back to the minimum-norm pseudo-inverse solution instead of failing the
// pixel.
func (s *Solver) refit(v []float64, codes [][]float64, weights []float64) []float64 {
	n := len(v)
	k := len(codes)

	a := mat.NewDense(n, k, nil)
	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		scale := 1.0
		if s.params.WeightCoefFit {
			scale = math.Sqrt(weights[i])
		}
		b.SetVec(i, v[i]*scale)
		for j := 0; j < k; j++ {
			a.Set(i, j, codes[j][i]*scale)
		}
	}

	x := mat.NewVecDense(k, nil)
	var qr mat.QR
	qr.Factorize(a)
	if err := qr.SolveVecTo(x, false, b); err != nil {
		s.degenerate.Add(1)
		s.solveMinNorm(x, a, b)
	}

	coefs := make([]float64, k)
	for j := 0; j < k; j++ {
		coefs[j] = x.AtVec(j)
	}
	return coefs
}

// rankTolerance bounds the relative singular value considered non-zero in
// the minimum-norm fallback.
const rankTolerance = 1e-12

// solveMinNorm writes the minimum-norm least-squares solution of a*x = b
// into x via SVD. A fully rank-deficient system yields the zero solution.
func (s *Solver) solveMinNorm(x *mat.VecDense, a *mat.Dense, b *mat.VecDense) {
	zero := func() {
		for j := 0; j < x.Len(); j++ {
			x.SetVec(j, 0)
		}
	}
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		zero()
		return
	}
	rank := svd.Rank(rankTolerance)
	if rank == 0 {
		zero()
		return
	}
	svd.SolveVecTo(x, b, rank)
}

// contains reports whether g is in the selected set. The set holds at most
// MaxGenes entries, so a linear scan beats any map here.
func contains(selected []int, g int) bool {
	for _, s := range selected {
		if s == g {
			return true
		}
	}
	return false
}
