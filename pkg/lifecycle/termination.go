package lifecycle

import "sync/atomic"

// TerminationState is the single-assignment "shutdown in progress" flag.
// Begin is one CompareAndSwap so exactly one caller ever observes the
// unset-to-set transition.
type TerminationState struct {
	set atomic.Bool
}

// Begin marks shutdown in progress and reports whether this call did so
func (t *TerminationState) Begin() bool {
	return t.set.CompareAndSwap(false, true)
}

// InProgress reports whether shutdown has begun
func (t *TerminationState) InProgress() bool {
	return t.set.Load()
}
