package shell_test

import (
	"bytes"
	"errors"
	"os/exec"
	"strings"
	"testing"

	"github.com/nixpig/fpar/internal/jobmanager/output"
	"github.com/nixpig/fpar/internal/jobmanager/shell"
	"github.com/stretchr/testify/require"
)

func startTestShell(t *testing.T, limits output.Limits) *shell.Shell {
	t.Helper()

	s, err := shell.Start(shell.Config{Path: "/bin/sh", Limits: limits})
	require.NoError(t, err)

	t.Cleanup(func() { s.Kill() })

	return s
}

func streamString(t *testing.T, acc *output.Accumulator) string {
	t.Helper()

	var buf bytes.Buffer

	_, err := acc.WriteTo(&buf)
	require.NoError(t, err)

	return buf.String()
}

func execute(t *testing.T, s *shell.Shell, command string) (string, string) {
	t.Helper()

	out, err := s.Execute(command)
	require.NoError(t, err)

	defer out.Close()

	return streamString(t, out.Stdout), streamString(t, out.Stderr)
}

func TestShell(t *testing.T) {
	t.Parallel()

	t.Run("Test commands run in sequence", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		scenarios := []struct {
			command    string
			wantStdout string
			wantStderr string
		}{
			{"echo a", "a\n", ""},
			{"echo err >&2", "", "err\n"},
			{"printf abc; printf def >&2", "abc", "def"},
			{"true", "", ""},
			{"echo one | tr a-z A-Z", "ONE\n", ""},
			{"x=5; echo $((x * 2))", "10\n", ""},
			{"", "", ""},
		}

		for _, scenario := range scenarios {
			gotStdout, gotStderr := execute(t, s, scenario.command)

			if gotStdout != scenario.wantStdout {
				t.Errorf("expected stdout of %q: got '%s', want '%s'", scenario.command, gotStdout, scenario.wantStdout)
			}

			if gotStderr != scenario.wantStderr {
				t.Errorf("expected stderr of %q: got '%s', want '%s'", scenario.command, gotStderr, scenario.wantStderr)
			}
		}
	})

	t.Run("Test zero output is empty", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		out, err := s.Execute("true")
		require.NoError(t, err)
		defer out.Close()

		require.Equal(t, output.KindEmpty, out.Stdout.Kind())
		require.Equal(t, output.KindEmpty, out.Stderr.Kind())
	})

	t.Run("Test exit and syntax errors don't kill the shell", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		execute(t, s, "exit 3")

		_, stderr := execute(t, s, "if then fi (")
		require.NotEmpty(t, stderr)

		stdout, _ := execute(t, s, "echo still here")
		require.Equal(t, "still here\n", stdout)
	})

	t.Run("Test commands don't read the command stream", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		stdout, _ := execute(t, s, "cat; echo after")
		require.Equal(t, "after\n", stdout)

		stdout, _ = execute(t, s, "echo next")
		require.Equal(t, "next\n", stdout)
	})

	t.Run("Test large output spills", func(t *testing.T) {
		t.Parallel()

		limits := output.Limits{MaxMemory: 4096, CacheSize: 512, TempDir: t.TempDir()}
		s := startTestShell(t, limits)

		out, err := s.Execute("i=0; while [ $i -lt 2000 ]; do echo line$i; i=$((i+1)); done")
		require.NoError(t, err)
		defer out.Close()

		require.Equal(t, output.KindSpilled, out.Stdout.Kind())

		got := streamString(t, out.Stdout)
		lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
		require.Len(t, lines, 2000)
		require.Equal(t, "line0", lines[0])
		require.Equal(t, "line1999", lines[1999])
	})

	t.Run("Test large stderr doesn't block stdout", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		out, err := s.Execute("i=0; while [ $i -lt 20000 ]; do echo error-line-$i >&2; i=$((i+1)); done; echo done")
		require.NoError(t, err)
		defer out.Close()

		require.Equal(t, "done\n", streamString(t, out.Stdout))
		require.Greater(t, out.Stderr.Len(), int64(65536))
	})

	t.Run("Test multiline command is rejected", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		_, err := s.Execute("echo a\necho b")
		require.ErrorIs(t, err, shell.ErrMultilineCommand)

		stdout, _ := execute(t, s, "echo ok")
		require.Equal(t, "ok\n", stdout)
	})

	t.Run("Test dead shell is a child IO error", func(t *testing.T) {
		t.Parallel()

		s := startTestShell(t, output.DefaultLimits())

		_, err := s.Execute("kill -9 $$")

		var ioErr *shell.ChildIOError
		require.True(t, errors.As(err, &ioErr), "got '%v'", err)

		_, err = s.Execute("echo again")
		require.ErrorAs(t, err, &ioErr)
		require.ErrorIs(t, err, shell.ErrShellClosed)

		require.NoError(t, s.Kill())
	})

	t.Run("Test kill is idempotent", func(t *testing.T) {
		t.Parallel()

		s, err := shell.Start(shell.Config{Path: "/bin/sh"})
		require.NoError(t, err)
		require.NotZero(t, s.PID())

		require.NoError(t, s.Kill())
		require.NoError(t, s.Kill())

		_, err = s.Execute("echo a")

		var ioErr *shell.ChildIOError
		require.ErrorAs(t, err, &ioErr)
	})

	t.Run("Test missing shell is a startup error", func(t *testing.T) {
		t.Parallel()

		_, err := shell.Start(shell.Config{Path: "/nonexistent/shell"})

		var startupErr *shell.StartupError
		require.ErrorAs(t, err, &startupErr)
		require.Equal(t, "/nonexistent/shell", startupErr.Path)
	})

	t.Run("Test shell that can't run the loop is a startup error", func(t *testing.T) {
		t.Parallel()

		path, err := exec.LookPath("false")
		if err != nil {
			t.Skip("false not available")
		}

		_, err = shell.Start(shell.Config{Path: path})

		var startupErr *shell.StartupError
		require.ErrorAs(t, err, &startupErr)
	})
}

func TestResolvePath(t *testing.T) {
	t.Setenv("SHELL", "/bin/custom")

	require.Equal(t, "/bin/zsh", shell.ResolvePath("/bin/zsh"))
	require.Equal(t, "/bin/custom", shell.ResolvePath(""))

	t.Setenv("SHELL", "")
	require.Equal(t, shell.DefaultPath, shell.ResolvePath(""))
}
