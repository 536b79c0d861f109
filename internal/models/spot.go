package models

// Spot is one scored gene call. Spots are immutable once created; candidates
// whose score falls below the configured threshold are discarded before a
// Spot is ever built.
type Spot struct {
	// Tile is the tile the spot was detected on.
	Tile int

	// Gene indexes the dictionary code assigned to the spot.
	Gene int

	// Y, X, Z is the spot position in tile-local voxel coordinates.
	Y, X, Z int

	// Coefficient is the pursuit coefficient at the spot's peak.
	Coefficient float64

	// Score is the shape-template score in [0, 1].
	Score float64
}
