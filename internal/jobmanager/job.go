package jobmanager

import (
	"errors"
	"time"

	"github.com/nixpig/fpar/internal/jobmanager/output"
)

// Job is one input line and its position in the input.
type Job struct {
	Seq  uint64
	Line string
}

// Result is the outcome of running a Job. Stdout and Stderr are nil when the
// job never ran, e.g. its worker was lost.
type Result struct {
	Job     Job
	Worker  int
	Command string

	Stdout *output.Accumulator
	Stderr *output.Accumulator
	Err    error

	Started time.Time
	Runtime time.Duration
}

// Close releases the output of the Result, removing any spill files.
func (r *Result) Close() error {
	var errs []error

	for _, acc := range []*output.Accumulator{r.Stdout, r.Stderr} {
		if acc != nil {
			errs = append(errs, acc.Close())
		}
	}

	return errors.Join(errs...)
}
