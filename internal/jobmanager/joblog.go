package jobmanager

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/nixpig/fpar/internal/jobmanager/output"
)

const jobLogHeader = "Seq\tWorker\tStart\tRuntime\tStdout\tStderr\tSpilled\tError\tCommand\n"

// JobLog writes one line per job, in completion order, to a pending file next
// to path. Flush renames it over path so a reader never sees a partial log,
// and nothing but the write buffer is held in memory.
//
// JobLog is only used from the broker goroutine.
type JobLog struct {
	file *renameio.PendingFile
	w    *bufio.Writer

	// err is the first write error. Once set, Record does nothing and Flush
	// discards the pending file.
	err error
}

// NewJobLog creates the pending file for path and writes the header.
func NewJobLog(path string) (*JobLog, error) {
	f, err := renameio.NewPendingFile(
		path,
		renameio.WithTempDir(filepath.Dir(path)),
		renameio.WithPermissions(0o644),
	)
	if err != nil {
		return nil, fmt.Errorf("create job log: %w", err)
	}

	l := &JobLog{file: f, w: bufio.NewWriter(f)}

	if _, err := l.w.WriteString(jobLogHeader); err != nil {
		l.Discard()
		return nil, fmt.Errorf("write job log: %w", err)
	}

	return l, nil
}

// Record writes a line for res. It must be called before res is closed.
func (l *JobLog) Record(res *Result) {
	if l.err != nil {
		return
	}

	var (
		stdout, stderr int64
		spilled        []string
	)

	if res.Stdout != nil {
		stdout = res.Stdout.Len()
		if res.Stdout.Kind() == output.KindSpilled {
			spilled = append(spilled, "stdout")
		}
	}

	if res.Stderr != nil {
		stderr = res.Stderr.Len()
		if res.Stderr.Kind() == output.KindSpilled {
			spilled = append(spilled, "stderr")
		}
	}

	_, l.err = fmt.Fprintf(
		l.w,
		"%d\t%d\t%s\t%.3f\t%d\t%d\t%s\t%s\t%s\n",
		res.Job.Seq,
		res.Worker,
		orDash(formatStart(res.Started)),
		res.Runtime.Seconds(),
		stdout,
		stderr,
		orDash(strings.Join(spilled, ",")),
		orDash(errString(res.Err)),
		sanitize(res.Command),
	)
}

// Flush writes out buffered lines and replaces the log file.
func (l *JobLog) Flush() error {
	if l.err == nil {
		l.err = l.w.Flush()
	}

	if l.err != nil {
		l.Discard()
		return fmt.Errorf("write job log: %w", l.err)
	}

	if err := l.file.CloseAtomicallyReplace(); err != nil {
		l.Discard()
		return fmt.Errorf("replace job log: %w", err)
	}

	return nil
}

// Discard removes the pending file and leaves any existing log in place.
func (l *JobLog) Discard() {
	// Cleanup is a no-op once the file has been renamed.
	_ = l.file.Cleanup()
}

func formatStart(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.Format(time.RFC3339Nano)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return sanitize(err.Error())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func sanitize(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ").Replace(s)
}
