package jobmanager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/nixpig/fpar/internal/jobmanager/output"
)

// sink writes results to the output streams. Only the broker goroutine uses
// it.
type sink struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	// err is the first write error. Once set, results are released without
	// being written.
	err error
}

// emit writes the stdout then the stderr of res and releases its output.
func (s *sink) emit(_ uint64, res *Result) {
	if s.err == nil {
		s.err = s.write(res)
		if s.err != nil {
			s.logger.Error("failed to write job output", "seq", res.Job.Seq, "err", s.err)
		}
	}

	s.discard(res.Job.Seq, res)
}

// discard releases the output of res without writing it.
func (s *sink) discard(seq uint64, res *Result) {
	if err := res.Close(); err != nil {
		s.logger.Warn("failed to release job output", "seq", seq, "err", err)
	}
}

func (s *sink) write(res *Result) error {
	if err := s.writeStream(res, "stdout", res.Stdout, s.stdout); err != nil {
		return err
	}

	return s.writeStream(res, "stderr", res.Stderr, s.stderr)
}

// writeStream copies one stream of res to w. Output lost to a spill failure
// is skipped, the job already carries the error.
func (s *sink) writeStream(
	res *Result,
	stream string,
	acc *output.Accumulator,
	w io.Writer,
) error {
	if acc == nil || acc.Kind() == output.KindFailed {
		return nil
	}

	if _, err := acc.WriteTo(w); err != nil {
		var spillErr *output.SpillError
		if errors.As(err, &spillErr) {
			s.logger.Error("job output lost", "seq", res.Job.Seq, "stream", stream, "err", err)
			return nil
		}

		return fmt.Errorf("write %s of job %d: %w", stream, res.Job.Seq, err)
	}

	return nil
}
