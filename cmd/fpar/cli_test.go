package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, stdin string, args ...string) (string, string, int) {
	t.Helper()

	var stdout, stderr bytes.Buffer

	cmd := newCLI(strings.NewReader(stdin), &stdout, &stderr).rootCmd()
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return stdout.String(), stderr.String(), exitCode(err)
}

func TestCLI(t *testing.T) {
	t.Parallel()

	scenarios := map[string]struct {
		stdin  string
		args   []string
		stdout string
		code   int
	}{
		"Test single worker in order": {
			stdin:  "echo a\necho b\necho c\n",
			args:   []string{"-j", "1", "-k", "--shell", "/bin/sh", "{}"},
			stdout: "a\nb\nc\n",
			code:   exitOK,
		},
		"Test three workers in order": {
			stdin:  "echo a\necho b\necho c\n",
			args:   []string{"--jobs", "3", "--keep-order", "--shell", "/bin/sh", "{}"},
			stdout: "a\nb\nc\n",
			code:   exitOK,
		},
		"Test command flags are part of the template": {
			stdin:  "a\nb\n",
			args:   []string{"-j", "1", "-k", "--shell", "/bin/sh", "echo", "-n", "{}"},
			stdout: "ab",
			code:   exitOK,
		},
		"Test implicit substitution": {
			stdin:  "1\n2\n",
			args:   []string{"-j", "2", "-k", "--shell", "/bin/sh", "echo", "n"},
			stdout: "n 1\nn 2\n",
			code:   exitOK,
		},
		"Test quoted substitution": {
			stdin:  "a  b;echo x\nit's $HOME\n",
			args:   []string{"-j", "2", "-k", "--quote", "--shell", "/bin/sh", "printf", `'%s\n'`, "{}"},
			stdout: "a  b;echo x\nit's $HOME\n",
			code:   exitOK,
		},
		"Test lost worker": {
			stdin:  "kill -9 $$\n",
			args:   []string{"-j", "1", "--shell", "/bin/sh", "{}"},
			stdout: "",
			code:   exitFailure,
		},
		"Test missing template": {
			stdin: "a\n",
			args:  []string{"-j", "1"},
			code:  exitUsage,
		},
		"Test unknown flag": {
			stdin: "a\n",
			args:  []string{"--no-such-flag", "echo"},
			code:  exitUsage,
		},
		"Test invalid jobs": {
			stdin: "a\n",
			args:  []string{"-j", "0", "echo"},
			code:  exitUsage,
		},
		"Test tls without status": {
			stdin: "a\n",
			args:  []string{"--tls-cert", "x.crt", "--tls-key", "x.key", "echo"},
			code:  exitUsage,
		},
		"Test cgroup limits without root": {
			stdin: "a\n",
			args:  []string{"--memory-max", "1024", "echo"},
			code:  exitUsage,
		},
		"Test missing shell": {
			stdin: "a\n",
			args:  []string{"-j", "1", "--shell", "/nonexistent/sh", "echo"},
			code:  exitStartup,
		},
		"Test invalid cgroup root": {
			stdin: "a\n",
			args:  []string{"-j", "1", "--cgroup-root", "/nonexistent", "echo"},
			code:  exitStartup,
		},
	}

	for scenario, data := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			stdout, stderr, code := runCLI(t, data.stdin, data.args...)

			if code != data.code {
				t.Errorf(
					"expected exit code: got '%d', want '%d' (stderr: '%s')",
					code,
					data.code,
					stderr,
				)
			}

			if stdout != data.stdout {
				t.Errorf("expected stdout: got '%q', want '%q'", stdout, data.stdout)
			}
		})
	}
}

func TestCLIInputFileAndJobLog(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "input.txt")
	jobLogPath := filepath.Join(dir, "joblog.tsv")

	if err := os.WriteFile(inputPath, []byte("x\ny\n"), 0644); err != nil {
		t.Fatalf("failed to write input: '%v'", err)
	}

	stdout, stderr, code := runCLI(
		t,
		"ignored\n",
		"-j", "2", "-k",
		"--shell", "/bin/sh",
		"--input", inputPath,
		"--joblog", jobLogPath,
		"echo", "{}",
	)

	if code != exitOK {
		t.Fatalf("expected exit code: got '%d', want '%d' (stderr: '%s')", code, exitOK, stderr)
	}

	if stdout != "x\ny\n" {
		t.Errorf("expected stdout: got '%q', want '%q'", stdout, "x\ny\n")
	}

	data, err := os.ReadFile(jobLogPath)
	if err != nil {
		t.Fatalf("expected job log: got '%v'", err)
	}

	if got := strings.Count(string(data), "\n"); got != 3 {
		t.Errorf("expected job log lines: got '%d', want '3'", got)
	}
}

func TestCLIConfigFile(t *testing.T) {
	t.Parallel()

	configPath := filepath.Join(t.TempDir(), "fpar.yaml")

	config := "jobs: 3\nkeep-order: true\nshell: /bin/sh\n"
	if err := os.WriteFile(configPath, []byte(config), 0644); err != nil {
		t.Fatalf("failed to write config: '%v'", err)
	}

	stdout, stderr, code := runCLI(
		t,
		"sleep 0.2; echo a\necho b\n",
		"--config", configPath,
		"{}",
	)

	if code != exitOK {
		t.Fatalf("expected exit code: got '%d', want '%d' (stderr: '%s')", code, exitOK, stderr)
	}

	if stdout != "a\nb\n" {
		t.Errorf("expected stdout: got '%q', want '%q'", stdout, "a\nb\n")
	}

	_, _, code = runCLI(t, "", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "{}")
	if code != exitUsage {
		t.Errorf("expected exit code: got '%d', want '%d'", code, exitUsage)
	}
}

func TestCLIEnvironment(t *testing.T) {
	t.Setenv("FPAR_KEEP_ORDER", "true")
	t.Setenv("FPAR_JOBS", "3")
	t.Setenv("FPAR_SHELL", "/bin/sh")

	stdout, stderr, code := runCLI(t, "sleep 0.2; echo a\necho b\n", "{}")

	if code != exitOK {
		t.Fatalf("expected exit code: got '%d', want '%d' (stderr: '%s')", code, exitOK, stderr)
	}

	if stdout != "a\nb\n" {
		t.Errorf("expected stdout: got '%q', want '%q'", stdout, "a\nb\n")
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	valid := func() *config {
		return &config{jobs: 1, queueSize: 1, maxMemory: 1024, cacheSize: 64}
	}

	if err := valid().validate(); err != nil {
		t.Errorf("expected valid config: got '%v'", err)
	}

	scenarios := map[string]func(*config){
		"Test zero queue size":     func(c *config) { c.queueSize = 0 },
		"Test negative max memory": func(c *config) { c.maxMemory = -1 },
		"Test zero cache size":     func(c *config) { c.cacheSize = 0 },
		"Test missing temp dir":    func(c *config) { c.tempDir = "/nonexistent" },
		"Test key without cert":    func(c *config) { c.tlsKeyPath = "x.key" },
		"Test ca without cert":     func(c *config) { c.tlsCAPath = "ca.crt" },
		"Test negative cpu max":    func(c *config) { c.cgroupRoot = "/sys/fs/cgroup"; c.cpuMax = -1 },
		"Test missing cert file": func(c *config) {
			c.statusAddr = "localhost:0"
			c.tlsCertPath = "/nonexistent.crt"
			c.tlsKeyPath = "/nonexistent.key"
		},
	}

	for scenario, modify := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			cfg := valid()
			modify(cfg)

			if err := cfg.validate(); err == nil {
				t.Errorf("expected validate to return error")
			}
		})
	}
}
