// Package output accumulates the output of a single job stream. Output is
// held in memory until it grows past a ceiling, at which point it spills to a
// temporary file so that a chatty job can't exhaust memory.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultMaxMemory is the largest output held in memory before spilling.
	DefaultMaxMemory = 1 << 20

	// DefaultCacheSize is how much spilled output is buffered before it's
	// written to the file. Keeps small reads from turning into small writes.
	DefaultCacheSize = 8 << 10

	tempFilePattern = "fpar-*"
)

// Limits configures when an Accumulator spills and where to.
type Limits struct {
	MaxMemory int
	CacheSize int

	// TempDir is the directory for spill files. Empty means os.TempDir.
	TempDir string
}

// DefaultLimits returns Limits with the package defaults.
func DefaultLimits() Limits {
	return Limits{MaxMemory: DefaultMaxMemory, CacheSize: DefaultCacheSize}
}

// Kind identifies where an Accumulator currently holds its output.
type Kind int

const (
	// KindEmpty means nothing has been written. A job that produced no output
	// stays empty, which is distinct from a memory buffer of zero length.
	KindEmpty Kind = iota

	// KindMemory means output is held in memory.
	KindMemory

	// KindSpilled means output is held in a temporary file, plus a small
	// unflushed cache.
	KindSpilled

	// KindFailed means spilling failed. Output is discarded and Err returns
	// the cause.
	KindFailed
)

var kinds = []string{"Empty", "Memory", "Spilled", "Failed"}

func (k Kind) String() string {
	if int(k) < 0 || int(k) >= len(kinds) {
		return "Unknown"
	}

	return kinds[k]
}

// Accumulator collects the output of one stream of one job. It's owned by a
// single goroutine at a time and isn't safe for concurrent use.
type Accumulator struct {
	limits Limits
	kind   Kind

	mem   []byte
	file  *os.File
	cache []byte
	size  int64

	err error
}

// NewAccumulator returns an empty Accumulator. Zero values in limits fall
// back to the package defaults.
func NewAccumulator(limits Limits) *Accumulator {
	if limits.MaxMemory <= 0 {
		limits.MaxMemory = DefaultMaxMemory
	}

	if limits.CacheSize <= 0 {
		limits.CacheSize = DefaultCacheSize
	}

	return &Accumulator{limits: limits}
}

// Write appends p. It implements io.Writer. After a spill failure every Write
// returns the same *SpillError.
func (a *Accumulator) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, a.err
	}

	switch a.kind {
	case KindEmpty, KindMemory:
		if len(a.mem)+len(p) > a.limits.MaxMemory {
			if err := a.spill(p); err != nil {
				a.fail(err)
				return 0, a.err
			}
		} else {
			a.mem = append(a.mem, p...)
			a.transition(KindMemory)
		}

	case KindSpilled:
		a.cache = append(a.cache, p...)

		if len(a.cache) > a.limits.CacheSize {
			if err := a.flush(); err != nil {
				a.fail(err)
				return 0, a.err
			}
		}

	case KindFailed:
		return 0, a.err
	}

	a.size += int64(len(p))

	return len(p), nil
}

// Finish flushes any cached bytes to the spill file. It's called once the
// stream is complete.
func (a *Accumulator) Finish() error {
	if a.kind != KindSpilled {
		return a.err
	}

	if err := a.flush(); err != nil {
		a.fail(err)
	}

	return a.err
}

// WriteTo copies the accumulated output to w. It implements io.WriterTo.
func (a *Accumulator) WriteTo(w io.Writer) (int64, error) {
	switch a.kind {
	case KindEmpty:
		return 0, nil

	case KindMemory:
		n, err := w.Write(a.mem)
		return int64(n), err

	case KindSpilled:
		if err := a.Finish(); err != nil {
			return 0, err
		}

		if _, err := a.file.Seek(0, io.SeekStart); err != nil {
			return 0, &SpillError{Op: "seek", Path: a.file.Name(), Err: err}
		}

		return io.Copy(w, a.file)

	case KindFailed:
		return 0, a.err
	}

	return 0, fmt.Errorf("unknown accumulator kind %d", a.kind)
}

// Close releases the output. Spill files are removed. Safe to call more than
// once.
func (a *Accumulator) Close() error {
	a.mem = nil
	a.cache = nil

	return a.removeFile()
}

// Kind returns where the output is currently held.
func (a *Accumulator) Kind() Kind {
	return a.kind
}

// Len returns the number of bytes accepted so far.
func (a *Accumulator) Len() int64 {
	return a.size
}

// Err returns the spill error, if any.
func (a *Accumulator) Err() error {
	return a.err
}

// Path returns the spill file path, or an empty string when not spilled.
func (a *Accumulator) Path() string {
	if a.file == nil {
		return ""
	}

	return a.file.Name()
}

// transition moves the Accumulator to next. Transitions only go forward:
// Empty -> Memory -> Spilled -> Failed, skipping states is allowed.
func (a *Accumulator) transition(next Kind) {
	var ok bool

	switch a.kind {
	case KindEmpty:
		ok = true
	case KindMemory:
		ok = next != KindEmpty
	case KindSpilled:
		ok = next == KindSpilled || next == KindFailed
	case KindFailed:
		ok = next == KindFailed
	}

	if !ok {
		panic(fmt.Sprintf("output: invalid transition from %s to %s", a.kind, next))
	}

	a.kind = next
}

func (a *Accumulator) spill(p []byte) error {
	f, err := os.CreateTemp(a.limits.TempDir, tempFilePattern)
	if err != nil {
		return &SpillError{Op: "create", Err: err}
	}

	a.file = f

	for _, b := range [][]byte{a.mem, p} {
		if _, err := f.Write(b); err != nil {
			return &SpillError{Op: "write", Path: f.Name(), Err: err}
		}
	}

	a.mem = nil
	a.transition(KindSpilled)

	return nil
}

func (a *Accumulator) flush() error {
	if a.file == nil {
		return &SpillError{Op: "write", Err: os.ErrClosed}
	}

	if len(a.cache) == 0 {
		return nil
	}

	if _, err := a.file.Write(a.cache); err != nil {
		return &SpillError{Op: "write", Path: a.file.Name(), Err: err}
	}

	a.cache = a.cache[:0]

	return nil
}

func (a *Accumulator) fail(err error) {
	// The file is useless once output is lost, so drop it now rather than
	// waiting for Close.
	if rmErr := a.removeFile(); rmErr != nil {
		err = errors.Join(err, rmErr)
	}

	a.mem = nil
	a.cache = nil
	a.err = err

	a.transition(KindFailed)
}

func (a *Accumulator) removeFile() error {
	if a.file == nil {
		return nil
	}

	name := a.file.Name()

	closeErr := a.file.Close()
	a.file = nil

	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &SpillError{Op: "remove", Path: name, Err: err}
	}

	if closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
		return &SpillError{Op: "close", Path: name, Err: closeErr}
	}

	return nil
}
