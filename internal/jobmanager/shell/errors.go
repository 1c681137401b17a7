package shell

import (
	"errors"
	"fmt"
)

var (
	// ErrShellClosed is wrapped in the *ChildIOError that Execute returns once
	// the shell has been killed or has failed.
	ErrShellClosed = errors.New("shell is closed")

	// ErrMultilineCommand is returned by Execute for a command containing a
	// line break. The shell reads one command per line.
	ErrMultilineCommand = errors.New("command cannot contain a newline")
)

// StartupError is returned when the shell process can't be started. It's
// fatal to the whole run.
type StartupError struct {
	Path string
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("start shell %s: %v", e.Path, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ChildIOError is returned when reading from or writing to a live shell
// fails. The shell can't be trusted to stay in sync afterwards so it's fatal
// to the worker that owns it.
type ChildIOError struct {
	Op     string
	Stream string
	Err    error
}

func (e *ChildIOError) Error() string {
	return fmt.Sprintf("%s shell %s: %v", e.Op, e.Stream, e.Err)
}

func (e *ChildIOError) Unwrap() error {
	return e.Err
}
