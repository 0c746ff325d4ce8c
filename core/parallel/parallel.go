// Package parallel provides chunked goroutine helpers for the
// data-parallel axes of the loss engine: per-image matching, per-scale
// projection and per-query loss kernels have no cross-element dependency
// and are dispatched across CPU cores.
package parallel

import (
	"runtime"
	"sync"
)

// Parallelize divides the specified total number (items) according to the number of CPU cores,
// and executes the specified function (fn) in parallel for each range (start, end)
func Parallelize(items int, fn func(start, end int)) {
	if items == 0 {
		return
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > items {
		numWorkers = items // No need for more workers than items
	}

	// Calculate the number of items each worker handles (ceiling division)
	chunkSize := (items + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}

		if start >= end {
			continue
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}

	wg.Wait()
}

// ParallelizeWithThreshold performs parallelization only when the number
// of items exceeds the threshold. Small batches are processed
// sequentially; goroutine dispatch costs more than a handful of matcher
// calls.
func ParallelizeWithThreshold(items int, threshold int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, fn)
}

// forEachThreshold is the batch size below which ForEach stays on the
// calling goroutine: dispatching a worker for a single image costs more
// than the matcher call it would run.
const forEachThreshold = 1

// ForEach runs fn once per index in parallel and collects the first
// error. Independent images' matching problems are embarrassingly
// parallel; each invocation must be side-effect-free with respect to the
// others.
func ForEach(items int, fn func(i int) error) error {
	errs := make([]error, items)
	ParallelizeWithThreshold(items, forEachThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			errs[i] = fn(i)
		}
	})
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
