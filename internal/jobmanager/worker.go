package jobmanager

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vawter.tech/stopper"

	"github.com/nixpig/fpar/internal/jobmanager/cgroups"
	"github.com/nixpig/fpar/internal/jobmanager/shell"
	"github.com/nixpig/fpar/internal/template"
)

// worker runs jobs from its queue one at a time on its own shell.
type worker struct {
	id    int
	sh    *shell.Shell
	cg    *cgroups.Cgroup
	queue chan Job
	state AtomicWorkerState

	// NOTE: The broker keeps receiving from results and lost until every
	// queued job is accounted for, so sends here can't block forever. lost has
	// a slot per worker and each worker sends on it at most once.
	results chan<- *Result
	lost    chan<- int

	tmpl     *template.Template
	logger   *slog.Logger
	metrics  *Metrics
	observer Observer
}

// newWorker starts the worker's shell, inside a fresh cgroup when cfg.Cgroup
// is set.
func newWorker(
	id int,
	runID string,
	cfg Config,
	results chan<- *Result,
	lost chan<- int,
	logger *slog.Logger,
	metrics *Metrics,
	observer Observer,
) (*worker, error) {
	w := &worker{
		id:       id,
		queue:    make(chan Job, cfg.QueueSize),
		results:  results,
		lost:     lost,
		tmpl:     cfg.Template,
		logger:   logger.With("worker", id),
		metrics:  metrics,
		observer: observer,
	}

	w.setState(WorkerStateStarting)

	shellCfg := cfg.Shell

	if cfg.Cgroup != nil {
		cg, err := cgroups.Create(
			cfg.Cgroup.Root,
			fmt.Sprintf("%s-%d", runID, id),
			cfg.Cgroup.Limits,
		)
		if err != nil {
			return nil, &WorkerStartError{Worker: id, Err: err}
		}

		w.cg = cg
		shellCfg.SysProcAttr = cg.SysProcAttr()
	}

	sh, err := shell.Start(shellCfg)
	if err != nil {
		w.destroyCgroup()
		return nil, &WorkerStartError{Worker: id, Err: err}
	}

	w.sh = sh

	if w.cg != nil && w.cg.FD() == nil {
		if err := w.cg.Join(sh.PID()); err != nil {
			w.stop()
			return nil, &WorkerStartError{Worker: id, Err: err}
		}
	}

	w.logger.Debug("worker started", "shell", sh.Path(), "pid", sh.PID())
	w.setState(WorkerStateIdle)

	return w, nil
}

// run processes the queue until the broker closes it. Jobs that arrive after
// the worker is lost get an ErrWorkerLost result so no sequence number goes
// missing.
func (w *worker) run(_ *stopper.Context) error {
	for job := range w.queue {
		if w.state.Load() == WorkerStateLost {
			w.results <- &Result{
				Job:     job,
				Worker:  w.id,
				Command: w.tmpl.Render(job.Line),
				Err:     fmt.Errorf("job %d: %w", job.Seq, ErrWorkerLost),
			}

			continue
		}

		w.process(job)
	}

	w.stop()

	return nil
}

func (w *worker) process(job Job) {
	command := w.tmpl.Render(job.Line)

	if err := w.transition(WorkerStateIdle, WorkerStateBusy); err != nil {
		w.logger.Warn("unexpected worker state", "err", err)
	}

	w.logger.Debug("running job", "seq", job.Seq, "command", command)

	res := &Result{
		Job:     job,
		Worker:  w.id,
		Command: command,
		Started: time.Now(),
	}

	out, err := w.sh.Execute(command)
	res.Runtime = time.Since(res.Started)

	if out != nil {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
	}

	var ioErr *shell.ChildIOError
	if errors.As(err, &ioErr) {
		w.logger.Error("worker lost", "seq", job.Seq, "err", err)
		w.metrics.workersLost.Inc()
		w.setState(WorkerStateLost)

		res.Err = fmt.Errorf("job %d: %w", job.Seq, err)
		w.results <- res
		w.lost <- w.id

		return
	}

	if err != nil {
		w.logger.Error("job output incomplete", "seq", job.Seq, "err", err)
		res.Err = fmt.Errorf("job %d: %w", job.Seq, err)
	}

	if err := w.transition(WorkerStateBusy, WorkerStateIdle); err != nil {
		w.logger.Warn("unexpected worker state", "err", err)
	}

	w.results <- res
}

// stop kills the shell and removes the cgroup. It's a best effort: errors are
// logged since the jobs have already been accounted for.
func (w *worker) stop() {
	if w.sh != nil {
		if err := w.sh.Kill(); err != nil {
			w.logger.Warn("failed to kill shell", "err", err)
		}
	}

	w.destroyCgroup()

	if w.state.Load() != WorkerStateLost {
		w.setState(WorkerStateStopped)
	}

	w.logger.Debug("worker stopped", "state", w.state.Load())
}

func (w *worker) destroyCgroup() {
	if w.cg == nil {
		return
	}

	if err := w.cg.Destroy(); err != nil {
		w.logger.Warn("failed to destroy cgroup", "path", w.cg.Path(), "err", err)
	}

	w.cg = nil
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(s)
	w.observer.WorkerStateChanged(w.id, s)
}

func (w *worker) transition(from, to WorkerState) error {
	if err := w.state.Transition(from, to); err != nil {
		return err
	}

	w.observer.WorkerStateChanged(w.id, to)

	return nil
}

// serving reports whether the broker may still queue jobs for the worker.
func (w *worker) serving() bool {
	return w.state.Load() != WorkerStateLost
}
