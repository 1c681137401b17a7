//go:build e2e

package e2e_test

import (
	"context"
	"errors"
	"net"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NOTE: A relative path is used to find the source to build the binary.
// Running this test from anywhere that breaks that relative path will not
// work.
func buildBinary(t *testing.T) string {
	t.Helper()

	binPath := filepath.Join(t.TempDir(), "fpar")

	build := exec.Command("go", "build", "-o", binPath, "../cmd/fpar")

	if output, err := build.CombinedOutput(); err != nil {
		t.Fatalf("failed to build binary: '%v' (output: '%s')", err, output)
	}

	return binPath
}

func runBinary(
	t *testing.T,
	binPath string,
	stdin string,
	args ...string,
) (string, string, error) {
	t.Helper()

	cmd := exec.Command(binPath, args...)
	cmd.Stdin = strings.NewReader(stdin)

	var stdout, stderr strings.Builder

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	return stdout.String(), stderr.String(), err
}

func TestBasicE2E(t *testing.T) {
	binPath := buildBinary(t)

	t.Run("Test single worker in order", func(t *testing.T) {
		stdout, stderr, err := runBinary(
			t, binPath,
			"echo a\necho b\necho c\n",
			"-j", "1", "-k", "{}",
		)
		if err != nil {
			t.Fatalf("expected not to return error: got '%v' (stderr: '%s')", err, stderr)
		}

		if stdout != "a\nb\nc\n" {
			t.Errorf("expected stdout: got '%q', want '%q'", stdout, "a\nb\nc\n")
		}
	})

	t.Run("Test three workers in order", func(t *testing.T) {
		stdout, stderr, err := runBinary(
			t, binPath,
			"sleep 0.3; echo a\necho b\necho c\n",
			"-j", "3", "-k", "{}",
		)
		if err != nil {
			t.Fatalf("expected not to return error: got '%v' (stderr: '%s')", err, stderr)
		}

		if stdout != "a\nb\nc\n" {
			t.Errorf("expected stdout: got '%q', want '%q'", stdout, "a\nb\nc\n")
		}
	})

	t.Run("Test unordered output", func(t *testing.T) {
		stdout, stderr, err := runBinary(
			t, binPath,
			"sleep 1; echo slow\necho fast\n",
			"-j", "2", "{}",
		)
		if err != nil {
			t.Fatalf("expected not to return error: got '%v' (stderr: '%s')", err, stderr)
		}

		if stdout != "fast\nslow\n" {
			t.Errorf("expected stdout: got '%q', want '%q'", stdout, "fast\nslow\n")
		}
	})

	t.Run("Test usage exit code", func(t *testing.T) {
		_, _, err := runBinary(t, binPath, "")

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 2 {
			t.Errorf("expected exit code 2: got '%v'", err)
		}
	})

	t.Run("Test status endpoint", func(t *testing.T) {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to find free port: '%v'", err)
		}

		addr := listener.Addr().String()
		listener.Close()

		cmd := exec.Command(binPath, "-j", "2", "--status-addr", addr, "{}")
		cmd.Stdin = strings.NewReader("sleep 3\nsleep 3\n")

		if err := cmd.Start(); err != nil {
			t.Fatalf("failed to start binary: '%v'", err)
		}

		t.Cleanup(func() {
			cmd.Process.Kill()
			cmd.Wait()
		})

		conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			t.Fatalf("failed to create client: '%v'", err)
		}
		defer conn.Close()

		client := healthpb.NewHealthClient(conn)

		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
		defer cancel()

		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				t.Fatalf("status endpoint never reported serving")
			case <-ticker.C:
				resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "worker-1"})
				if err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
					return
				}
			}
		}
	})
}
