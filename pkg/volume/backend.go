package volume

import (
	"context"
	"runtime"
	"sync"

	"genepursuit/pkg/pursuit"
)

// Backend executes a batch of independent per-pixel pursuit solves. Backends
// are an execution-strategy choice only: every backend must return
// numerically equivalent results for the same inputs, in input order.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string

	// SolveBatch runs the solver over every vector. results[i] corresponds
	// to vectors[i].
	SolveBatch(ctx context.Context, solver *pursuit.Solver, vectors [][]float64) ([]pursuit.Result, error)
}

// cancelCheckStride is how many pixels a backend solves between cancellation
// checks.
const cancelCheckStride = 1024

// SerialBackend solves pixels one at a time on the calling goroutine.
type SerialBackend struct{}

// Name implements Backend.
func (SerialBackend) Name() string { return "serial" }

// SolveBatch implements Backend.
func (SerialBackend) SolveBatch(ctx context.Context, solver *pursuit.Solver, vectors [][]float64) ([]pursuit.Result, error) {
	results := make([]pursuit.Result, len(vectors))
	for i, v := range vectors {
		if i%cancelCheckStride == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		results[i] = solver.Solve(v)
	}
	return results, nil
}

// ParallelBackend fans a batch out over a fixed pool of worker goroutines.
// Workers write to disjoint slices of the result array, so no locking is
// needed and the output order matches the input order exactly.
type ParallelBackend struct {
	// Workers is the goroutine count; zero or negative means all CPUs.
	Workers int
}

// Name implements Backend.
func (p ParallelBackend) Name() string { return "parallel" }

// SolveBatch implements Backend.
func (p ParallelBackend) SolveBatch(ctx context.Context, solver *pursuit.Solver, vectors [][]float64) ([]pursuit.Result, error) {
	workers := p.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > len(vectors) {
		workers = len(vectors)
	}
	if workers <= 1 {
		return SerialBackend{}.SolveBatch(ctx, solver, vectors)
	}

	results := make([]pursuit.Result, len(vectors))
	errs := make([]error, workers)
	var wg sync.WaitGroup

	// Split the batch into contiguous ranges, one per worker.
	per := (len(vectors) + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo := w * per
		hi := lo + per
		if hi > len(vectors) {
			hi = len(vectors)
		}
		if lo >= hi {
			break
		}

		wg.Add(1)
		go func(worker, lo, hi int) {
			defer wg.Done()
			for i := lo; i < hi; i++ {
				if (i-lo)%cancelCheckStride == 0 {
					if err := ctx.Err(); err != nil {
						errs[worker] = err
						return
					}
				}
				results[i] = solver.Solve(vectors[i])
			}
		}(w, lo, hi)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
