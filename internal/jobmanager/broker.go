package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"vawter.tech/stopper"

	"github.com/nixpig/fpar/internal/jobmanager/cgroups"
	"github.com/nixpig/fpar/internal/jobmanager/shell"
	"github.com/nixpig/fpar/internal/reorder"
	"github.com/nixpig/fpar/internal/template"
)

const (
	// DefaultQueueSize is the number of jobs each worker can have waiting.
	DefaultQueueSize = 1

	// stopGrace is how long workers get to finish after the broker stops them.
	// They only stop once their queue is closed and drained, so this just
	// bounds the final shell and cgroup cleanup.
	stopGrace = 5 * time.Second
)

// CgroupConfig places each worker shell in its own cgroup under Root.
type CgroupConfig struct {
	Root   string
	Limits cgroups.ResourceLimits
}

// Config configures a Broker.
type Config struct {
	Workers   int
	QueueSize int
	KeepOrder bool
	Template  *template.Template
	Shell     shell.Config

	// Cgroup is optional.
	Cgroup *CgroupConfig

	// JobLog is the path of the job log. Empty disables it.
	JobLog string
}

func (c Config) validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1: got %d", c.Workers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be at least 1: got %d", c.QueueSize)
	}

	if c.Template == nil {
		return errors.New("template is required")
	}

	return nil
}

// Option configures optional Broker collaborators.
type Option func(*Broker)

// WithMetrics records run metrics in m.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithObserver notifies o of worker state changes and queued jobs.
func WithObserver(o Observer) Option {
	return func(b *Broker) {
		b.observer = o
	}
}

// Broker feeds input lines to a pool of workers and writes their output.
type Broker struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	observer Observer
}

// NewBroker creates a Broker. Shells aren't started until Run.
func NewBroker(cfg Config, logger *slog.Logger, opts ...Option) (*Broker, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}

	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		metrics:  NewMetrics(nil),
		observer: NopObserver{},
	}

	for _, opt := range opts {
		opt(b)
	}

	return b, nil
}

// Workers returns the size of the worker pool.
func (b *Broker) Workers() int {
	return b.cfg.Workers
}

// run is the state of a single call to Run. It's only touched by the broker
// goroutine.
type run struct {
	*Broker

	id      string
	logger  *slog.Logger
	workers []*worker
	closed  []bool
	pending []int
	results chan *Result
	lost    chan int

	sink    *sink
	reorder *reorder.Buffer[*Result]
	jobLog  *JobLog

	inFlight  int
	total     int
	failed    int
	noWorkers bool
}

// Run starts the workers, runs one job per line of input and writes each
// job's stdout and stderr to stdout and stderr.
//
// Cancelling ctx stops reading input. Jobs already queued still run.
//
// A *WorkerStartError is returned if any shell fails to start. Otherwise Run
// returns once every job has been accounted for. ErrJobsFailed is returned if
// any job failed, and ErrNoWorkers if every worker was lost before the input
// was exhausted.
func (b *Broker) Run(
	ctx context.Context,
	input io.Reader,
	stdout, stderr io.Writer,
) error {
	r := &run{
		Broker:  b,
		id:      uuid.NewString(),
		results: make(chan *Result, b.cfg.Workers*(b.cfg.QueueSize+1)),
		lost:    make(chan int, b.cfg.Workers),
	}

	r.logger = b.logger.With("run", r.id)
	r.sink = &sink{stdout: stdout, stderr: stderr, logger: r.logger}

	if b.cfg.KeepOrder {
		r.reorder = reorder.New(r.sink.emit)
	}

	if b.cfg.JobLog != "" {
		jl, err := NewJobLog(b.cfg.JobLog)
		if err != nil {
			return err
		}

		r.jobLog = jl
	}

	if err := r.startWorkers(); err != nil {
		if r.jobLog != nil {
			r.jobLog.Discard()
		}

		return err
	}

	// NOTE: Workers ignore cancellation. They exit once their queue is closed
	// and drained, so they get a context that's never cancelled.
	sctx := stopper.WithContext(context.WithoutCancel(ctx))

	for _, w := range r.workers {
		sctx.Go(w.run)
	}

	lines := make(chan Job)
	done := make(chan struct{})
	readErr := make(chan error, 1)

	go func() {
		defer close(lines)

		readErr <- readJobs(input, lines, done, func(lineNo int) {
			r.logger.Warn("skipping malformed input line", "line", lineNo)
			b.metrics.skippedLines.Inc()
		})
	}()

	interrupted := r.dispatch(ctx, lines)
	close(done)

	sctx.Stop(stopGrace)

	var errs []error

	if err := sctx.Wait(); err != nil {
		errs = append(errs, fmt.Errorf("wait for workers: %w", err))
	}

	if r.reorder != nil && r.reorder.Pending() > 0 {
		r.logger.Warn("discarding held results", "count", r.reorder.Pending(), "next", r.reorder.Next())
		r.reorder.Drain(r.sink.discard)
	}

	select {
	case err := <-readErr:
		if err != nil {
			errs = append(errs, err)
		}
	default:
	}

	if r.sink.err != nil {
		errs = append(errs, r.sink.err)
	}

	if r.jobLog != nil {
		if err := r.jobLog.Flush(); err != nil {
			errs = append(errs, err)
		}
	}

	if interrupted {
		errs = append(errs, fmt.Errorf("input interrupted: %w", context.Cause(ctx)))
	}

	if r.noWorkers {
		errs = append(errs, ErrNoWorkers)
	}

	if r.failed > 0 {
		errs = append(errs, fmt.Errorf("%d of %d: %w", r.failed, r.total, ErrJobsFailed))
	}

	r.logger.Debug("run finished", "jobs", r.total, "failed", r.failed)

	return errors.Join(errs...)
}

// startWorkers starts every worker or none.
func (r *run) startWorkers() error {
	shortID := r.id[:8]

	for i := range r.cfg.Workers {
		w, err := newWorker(i, shortID, r.cfg, r.results, r.lost, r.logger, r.metrics, r.observer)
		if err != nil {
			for _, started := range r.workers {
				started.stop()
			}

			return err
		}

		r.workers = append(r.workers, w)
	}

	r.closed = make([]bool, len(r.workers))
	r.pending = make([]int, len(r.workers))

	return nil
}

// dispatch moves jobs from lines into worker queues until input is exhausted
// and every queued job has a result. It reports whether ctx was cancelled
// before the input ran out.
func (r *run) dispatch(ctx context.Context, lines <-chan Job) bool {
	var (
		inputDone   bool
		interrupted bool
		ctxDone     = ctx.Done()
	)

	for {
		if !inputDone {
			inputDone = r.replenish(lines)
		}

		if inputDone {
			r.closeQueues()

			if r.inFlight == 0 {
				return interrupted
			}
		}

		// Input is only read when a job can be queued straight away, so a slow
		// pool holds back the reader. With no workers left a read tells us
		// whether any input remained.
		var feed <-chan Job
		if !inputDone && (r.hasRoom() || !r.anyServing()) {
			feed = lines
		}

		select {
		case res := <-r.results:
			r.inFlight--
			r.pending[res.Worker]--
			r.handle(res)

		case id := <-r.lost:
			r.logger.Warn("worker lost, not replacing it", "worker", id)
			r.closeQueue(id)

		case job, ok := <-feed:
			if !ok {
				inputDone = true
				continue
			}

			if w := r.pick(); w != nil {
				r.enqueue(w, job)
				continue
			}

			r.logger.Error("no workers left", "seq", job.Seq)
			r.noWorkers = true
			inputDone = true

		case <-ctxDone:
			r.logger.Info("input interrupted, finishing queued jobs", "err", context.Cause(ctx))
			ctxDone = nil
			interrupted = !inputDone
			inputDone = true
		}
	}
}

// replenish queues whatever input is ready without blocking, each job going
// to the least loaded worker, until every queue is full. It reports whether
// input is exhausted.
func (r *run) replenish(lines <-chan Job) bool {
	for {
		w := r.pick()
		if w == nil {
			return false
		}

		select {
		case job, ok := <-lines:
			if !ok {
				return true
			}

			r.enqueue(w, job)

		default:
			return false
		}
	}
}

func (r *run) enqueue(w *worker, job Job) {
	w.queue <- job

	r.inFlight++
	r.pending[w.id]++
	r.total++
	r.metrics.queued()
	r.observer.JobQueued(w.id, len(w.queue))
}

// pick returns the serving worker with the fewest jobs queued or running that
// still has room in its queue, preferring the lowest id on a tie. It returns
// nil if no worker can take a job.
func (r *run) pick() *worker {
	var best *worker

	for _, w := range r.workers {
		if r.closed[w.id] || !w.serving() || len(w.queue) == cap(w.queue) {
			continue
		}

		if best == nil || r.pending[w.id] < r.pending[best.id] {
			best = w
		}
	}

	return best
}

func (r *run) hasRoom() bool {
	return r.pick() != nil
}

func (r *run) anyServing() bool {
	for _, w := range r.workers {
		if !r.closed[w.id] && w.serving() {
			return true
		}
	}

	return false
}

// handle records res and passes it on to be written.
func (r *run) handle(res *Result) {
	r.metrics.completed(res)

	if r.jobLog != nil {
		r.jobLog.Record(res)
	}

	if res.Err != nil {
		r.failed++
		r.logger.Error("job failed", "seq", res.Job.Seq, "worker", res.Worker, "err", res.Err)
	}

	if r.reorder == nil {
		r.sink.emit(res.Job.Seq, res)
		return
	}

	if err := r.reorder.Serve(res.Job.Seq, res); err != nil {
		r.logger.Error("dropping result", "seq", res.Job.Seq, "err", err)
		r.sink.discard(res.Job.Seq, res)
	}
}

// closeQueue closes the queue of worker id, which tells it to quit once the
// queue is drained.
func (r *run) closeQueue(id int) {
	if r.closed[id] {
		return
	}

	r.closed[id] = true
	close(r.workers[id].queue)
}

func (r *run) closeQueues() {
	for _, w := range r.workers {
		r.closeQueue(w.id)
	}
}
