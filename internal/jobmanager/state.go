package jobmanager

import "sync/atomic"

type WorkerState int

const (
	// WorkerStateUnknown is the zero value.
	WorkerStateUnknown WorkerState = iota

	// WorkerStateStarting indicates the worker's shell is being spawned.
	WorkerStateStarting

	// WorkerStateIdle indicates the worker is waiting for a job.
	WorkerStateIdle

	// WorkerStateBusy indicates the worker's shell is running a job.
	WorkerStateBusy

	// WorkerStateLost indicates the worker's shell failed. Remaining queued
	// jobs fail with ErrWorkerLost and the worker isn't replaced.
	WorkerStateLost

	// WorkerStateStopped indicates the worker has killed its shell and exited.
	WorkerStateStopped
)

// NOTE: This slice needs to be kept in sync with the WorkerState values.
var workerStates = []string{
	"Unknown",
	"Starting",
	"Idle",
	"Busy",
	"Lost",
	"Stopped",
}

func (s WorkerState) String() string {
	if int(s) < 0 || int(s) >= len(workerStates) {
		return workerStates[0]
	}

	return workerStates[s]
}

// Serving reports whether a worker in this state can still run jobs.
func (s WorkerState) Serving() bool {
	return s == WorkerStateIdle || s == WorkerStateBusy
}

// AtomicWorkerState is a wrapper around an atomic.Int32 so the status
// endpoint can read a worker's state while the worker changes it.
type AtomicWorkerState struct {
	v atomic.Int32
}

// Load atomically loads the WorkerState value.
func (a *AtomicWorkerState) Load() WorkerState {
	return WorkerState(a.v.Load())
}

// Store atomically stores the WorkerState value.
func (a *AtomicWorkerState) Store(s WorkerState) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new WorkerState.
func (a *AtomicWorkerState) CompareAndSwap(o, n WorkerState) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}

// Transition moves from o to n, returning an InvalidStateError if the current
// state isn't o.
func (a *AtomicWorkerState) Transition(o, n WorkerState) error {
	if !a.CompareAndSwap(o, n) {
		return NewInvalidStateError(a.Load(), n)
	}

	return nil
}
