package jobmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerLost is the result error for jobs that were queued on a worker
	// whose shell failed before it could run them.
	ErrWorkerLost = errors.New("worker lost")

	// ErrNoWorkers is returned when every worker has been lost while input
	// remains.
	ErrNoWorkers = errors.New("no workers left")

	// ErrJobsFailed is returned when at least one job produced an error
	// result.
	ErrJobsFailed = errors.New("jobs failed")
)

// InvalidStateError is returned when attempting an invalid worker state
// transition.
type InvalidStateError struct {
	from WorkerState
	to   WorkerState
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStateError(from, to WorkerState) InvalidStateError {
	return InvalidStateError{from, to}
}

// WorkerStartError is returned when a worker's shell or cgroup can't be set
// up. It's fatal to the run.
type WorkerStartError struct {
	Worker int
	Err    error
}

func (e *WorkerStartError) Error() string {
	return fmt.Sprintf("start worker %d: %v", e.Worker, e.Err)
}

func (e *WorkerStartError) Unwrap() error {
	return e.Err
}
