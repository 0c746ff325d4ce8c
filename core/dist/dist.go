// Package dist abstracts the single synchronization point the loss
// engine has with distributed training: the global target-box count used
// to normalize classification and box losses is summed across workers
// and divided by the world size. Absent distribution this degenerates to
// a local sum, which Local provides.
package dist

// Reducer is the collective-communication capability consumed by the
// criterion. Implementations are expected to block until every worker
// has contributed.
type Reducer interface {
	// AllReduceSum returns the sum of v across all workers.
	AllReduceSum(v float64) (float64, error)

	// WorldSize returns the number of participating workers.
	WorldSize() int
}

// Local is the degenerate single-worker Reducer.
type Local struct{}

// AllReduceSum returns v unchanged.
func (Local) AllReduceSum(v float64) (float64, error) { return v, nil }

// WorldSize returns 1.
func (Local) WorldSize() int { return 1 }
