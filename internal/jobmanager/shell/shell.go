// Package shell runs commands in a long-lived shell process and frames their
// output using a completion marker.
//
// Each Shell starts a supervisor loop inside the shell that reads one command
// per line, evaluates it and then prints a random marker to stdout and stderr.
// Reading each stream up to the marker separates one command's output from
// the next without spawning a process per command.
package shell

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/nixpig/fpar/internal/jobmanager/output"
)

const (
	// DefaultPath is used when neither the config nor $SHELL name a shell.
	DefaultPath = "/bin/sh"

	// initialReadBufferSize is the starting read size for each stream.
	initialReadBufferSize = 64

	// maxReadBufferSize caps read size growth.
	maxReadBufferSize = 2048

	readBufferGrowth = 1.4

	streamStdout = "stdout"
	streamStderr = "stderr"
)

// supervisor is the loop run by the shell. The command runs in a subshell so
// that `exit` or a syntax error can't take down the loop, and with stdin from
// /dev/null so it can't swallow the commands that follow.
const supervisor = `while IFS= read -r fpar_line; do
	if [ "$fpar_line" = '%[1]s' ]; then exit 0; fi
	( eval "$fpar_line" ) </dev/null
	printf '%%s' '%[2]s'
	printf '%%s' '%[2]s' >&2
done
`

// Config configures a Shell.
type Config struct {
	// Path is the shell binary. Empty means $SHELL, falling back to
	// DefaultPath.
	Path string

	// Limits apply to the output accumulators of every command.
	Limits output.Limits

	// SysProcAttr is passed to the shell process, e.g. to start it inside a
	// cgroup.
	SysProcAttr *syscall.SysProcAttr
}

// ResolvePath returns the shell binary Start uses for path.
func ResolvePath(path string) string {
	if path != "" {
		return path
	}

	if env := os.Getenv("SHELL"); env != "" {
		return env
	}

	return DefaultPath
}

// Output is the framed output of a single command.
type Output struct {
	Stdout *output.Accumulator
	Stderr *output.Accumulator
}

// Close releases both accumulators.
func (o *Output) Close() error {
	return errors.Join(o.Stdout.Close(), o.Stderr.Close())
}

// Shell is a long-lived shell process. It's owned by one worker and isn't
// safe for concurrent use.
type Shell struct {
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	marker []byte
	limits output.Limits

	stdoutReadSize int
	stderrReadSize int

	broken bool
	killed bool
}

// Start spawns the shell and its supervisor loop.
func Start(cfg Config) (*Shell, error) {
	path := ResolvePath(cfg.Path)
	marker := newMarker()

	cmd := exec.Command(
		path,
		"-c",
		fmt.Sprintf(supervisor, exitSentinel(marker), marker),
	)
	cmd.SysProcAttr = cfg.SysProcAttr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartupError{Path: path, Err: err}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartupError{Path: path, Err: err}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartupError{Path: path, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &StartupError{Path: path, Err: err}
	}

	s := &Shell{
		path:           path,
		cmd:            cmd,
		stdin:          stdin,
		stdout:         stdout,
		stderr:         stderr,
		marker:         marker,
		limits:         cfg.Limits,
		stdoutReadSize: initialReadBufferSize,
		stderrReadSize: initialReadBufferSize,
	}

	// A shell that can't run the supervisor loop (wrong dialect, exits
	// immediately) fails here rather than on the first job.
	out, err := s.Execute(":")
	if err != nil {
		s.Kill()
		return nil, &StartupError{Path: path, Err: err}
	}

	out.Close()

	return s, nil
}

// Execute runs command and returns its stdout and stderr with the marker
// removed.
//
// A *ChildIOError means the shell is unusable and no Output is returned. A
// *output.SpillError means one of the streams lost its output; the Output is
// still returned and the shell remains usable.
func (s *Shell) Execute(command string) (*Output, error) {
	if s.broken || s.killed {
		return nil, &ChildIOError{Op: "write", Stream: "stdin", Err: ErrShellClosed}
	}

	if strings.ContainsAny(command, "\n") {
		return nil, ErrMultilineCommand
	}

	if _, err := io.WriteString(s.stdin, command+"\n"); err != nil {
		s.broken = true
		return nil, &ChildIOError{Op: "write", Stream: "stdin", Err: err}
	}

	out := &Output{
		Stdout: output.NewAccumulator(s.limits),
		Stderr: output.NewAccumulator(s.limits),
	}

	// Both streams are drained together. A command that fills the stderr pipe
	// before finishing stdout would otherwise block forever.
	stderrCh := make(chan error, 1)

	go func() {
		stderrCh <- s.frame(s.stderr, streamStderr, out.Stderr, &s.stderrReadSize)
	}()

	stdoutErr := s.frame(s.stdout, streamStdout, out.Stdout, &s.stdoutReadSize)
	stderrErr := <-stderrCh

	var ioErr *ChildIOError
	if errors.As(stdoutErr, &ioErr) || errors.As(stderrErr, &ioErr) {
		s.broken = true
		out.Close()

		return nil, ioErr
	}

	if err := errors.Join(stdoutErr, stderrErr); err != nil {
		return out, err
	}

	return out, nil
}

// Kill asks the supervisor loop to exit and waits for the shell. It's safe to
// call on a shell that has already died or been killed.
func (s *Shell) Kill() error {
	if s.killed {
		return nil
	}

	s.killed = true

	// Writes fail when the shell is already gone, which is fine: closing stdin
	// ends the loop anyway.
	_, _ = io.WriteString(s.stdin, exitSentinel(s.marker)+"\n")
	_ = s.stdin.Close()

	if err := s.cmd.Wait(); err != nil {
		if s.broken {
			return nil
		}

		return fmt.Errorf("wait for shell %s: %w", s.path, err)
	}

	return nil
}

// PID returns the process id of the shell.
func (s *Shell) PID() int {
	return s.cmd.Process.Pid
}

// Path returns the shell binary.
func (s *Shell) Path() string {
	return s.path
}

// frame reads r until the marker, growing the read size whenever a read
// fills the buffer.
func (s *Shell) frame(
	r io.Reader,
	stream string,
	acc *output.Accumulator,
	readSize *int,
) error {
	f := NewFramer(s.marker, acc)
	buf := make([]byte, *readSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			if f.Feed(buf[:n]) {
				return f.Err()
			}

			if n == len(buf) && len(buf) < maxReadBufferSize {
				*readSize = min(int(float64(len(buf))*readBufferGrowth), maxReadBufferSize)
				buf = make([]byte, *readSize)
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return &ChildIOError{Op: "read", Stream: stream, Err: err}
		}
	}
}

func exitSentinel(marker []byte) string {
	return "exit-" + string(marker)
}
