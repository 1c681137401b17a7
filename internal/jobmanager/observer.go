package jobmanager

// Observer is notified of worker activity. Calls are made from the broker and
// worker goroutines, so implementations must be safe for concurrent use.
type Observer interface {
	WorkerStateChanged(worker int, state WorkerState)
	JobQueued(worker int, depth int)
}

// NopObserver ignores every notification. Embed it to implement only part of
// Observer.
type NopObserver struct{}

func (NopObserver) WorkerStateChanged(int, WorkerState) {}

func (NopObserver) JobQueued(int, int) {}
