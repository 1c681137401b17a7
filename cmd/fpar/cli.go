package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nixpig/fpar/internal/jobmanager"
	"github.com/nixpig/fpar/internal/jobmanager/cgroups"
	"github.com/nixpig/fpar/internal/jobmanager/output"
	"github.com/nixpig/fpar/internal/jobmanager/shell"
	"github.com/nixpig/fpar/internal/template"
	"github.com/nixpig/fpar/internal/tlsconfig"
)

const envPrefix = "FPAR"

type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	v *viper.Viper
}

func newCLI(stdin io.Reader, stdout, stderr io.Writer) *cli {
	return &cli{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		v:      viper.New(),
	}
}

func (c *cli) rootCmd() *cobra.Command {
	var configPath string

	command := &cobra.Command{
		Use:   "fpar [flags] COMMAND_TEMPLATE...",
		Short: "Run a command for every line of input, in parallel",
		Long: `Run a command for every line of input across a pool of persistent shells.

Each {} in the command is replaced by the input line. When the command has no
{} the line is appended to it. Use \{ for a literal brace. With --quote the
line is passed as a single shell word.`,
		Example: `  find . -name '*.log' | fpar -j 4 gzip {}
  seq 100 | fpar -k 'echo job {}; sleep 0.1'`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return &usageError{errors.New("a command template is required")}
			}

			return nil
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := c.loadConfig(cmd.Flags(), configPath); err != nil {
				return &usageError{err}
			}

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(c.v)
			if err := cfg.validate(); err != nil {
				return &usageError{err}
			}

			var opts []template.Option
			if cfg.quote {
				opts = append(opts, template.WithQuote())
			}

			tmpl, err := template.Parse(args, opts...)
			if err != nil {
				return &usageError{err}
			}

			return c.run(cmd, cfg, tmpl)
		},
	}

	command.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	command.CompletionOptions.DisableDefaultCmd = true

	flags := command.Flags()

	// Stop parsing flags at the first argument so flags meant for the command,
	// e.g. `-n` in `fpar echo -n {}`, are kept in the template.
	flags.SetInterspersed(false)

	flags.StringVar(&configPath, "config", "", "Path to a YAML, TOML or JSON config file")

	flags.IntP("jobs", "j", defaultJobs(), "Number of workers")
	flags.BoolP("keep-order", "k", false, "Write output in input order")
	flags.BoolP("quote", "q", false, "Substitute each line in single quotes so the shell takes it literally")
	flags.String("shell", "", "Shell to run commands with (default $SHELL or /bin/sh)")
	flags.Int("queue-size", jobmanager.DefaultQueueSize, "Jobs queued per worker")
	flags.String("input", "", "Read input lines from a file instead of stdin")

	flags.Int("max-memory", output.DefaultMaxMemory, "Bytes of output per stream held in memory before spilling to a file")
	flags.Int("cache-size", output.DefaultCacheSize, "Bytes of spilled output buffered before writing")
	flags.String("temp-dir", "", "Directory for spill files (default system temp dir)")

	flags.String("joblog", "", "Write a tab separated job log to this path")

	flags.String("status-addr", "", "Serve gRPC health status of workers on this address")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.String("tls-cert", "", "Path to status endpoint TLS certificate")
	flags.String("tls-key", "", "Path to status endpoint TLS private key")
	flags.String("tls-ca", "", "Path to CA certificate clients of the status endpoint must be signed by")

	flags.String("cgroup-root", "", "Place each worker shell in a cgroup under this cgroup v2 root")
	flags.Int64("memory-max", 0, "Memory limit per worker shell in bytes")
	flags.Int64("cpu-max", 0, "CPU limit per worker shell as a percentage of one CPU")
	flags.Int64("io-max", 0, "IO limit per worker shell in bytes per second")

	flags.Bool("debug", false, "Enable debug logs")

	return command
}

// loadConfig layers flags over environment variables over the config file.
func (c *cli) loadConfig(flags *pflag.FlagSet, configPath string) error {
	if err := c.v.BindPFlags(flags); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	if configPath == "" {
		return nil
	}

	c.v.SetConfigFile(configPath)

	if err := c.v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", configPath, err)
	}

	return nil
}

func (c *cli) run(cmd *cobra.Command, cfg *config, tmpl *template.Template) error {
	logger := newLogger(c.stderr, cfg.debug)

	input := c.stdin

	if cfg.input != "" {
		f, err := os.Open(cfg.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()

		input = f
	}

	brokerCfg := jobmanager.Config{
		Workers:   cfg.jobs,
		QueueSize: cfg.queueSize,
		KeepOrder: cfg.keepOrder,
		Template:  tmpl,
		Shell: shell.Config{
			Path: cfg.shell,
			Limits: output.Limits{
				MaxMemory: cfg.maxMemory,
				CacheSize: cfg.cacheSize,
				TempDir:   cfg.tempDir,
			},
		},
		JobLog: cfg.jobLog,
	}

	if cfg.cgroupRoot != "" {
		if err := cgroups.ValidateRoot(cfg.cgroupRoot); err != nil {
			return &startupError{err}
		}

		brokerCfg.Cgroup = &jobmanager.CgroupConfig{
			Root: cfg.cgroupRoot,
			Limits: cgroups.ResourceLimits{
				CPUMaxPercent:  cfg.cpuMax,
				MemoryMaxBytes: cfg.memoryMax,
				IOMaxBPS:       cfg.ioMax,
			},
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []jobmanager.Option{
		jobmanager.WithMetrics(jobmanager.NewMetrics(reg)),
	}

	var status *statusServer

	if cfg.statusAddr != "" {
		tlsConfig, err := loadStatusTLS(cfg)
		if err != nil {
			return &startupError{err}
		}

		status = newStatusServer(cfg.jobs, tlsConfig, logger)
		opts = append(opts, jobmanager.WithObserver(status))
	}

	broker, err := jobmanager.NewBroker(brokerCfg, logger, opts...)
	if err != nil {
		return &usageError{err}
	}

	var statusListener net.Listener

	if status != nil {
		statusListener, err = net.Listen("tcp", cfg.statusAddr)
		if err != nil {
			return &startupError{fmt.Errorf("listen on status-addr: %w", err)}
		}

		logger.Info("serving status", "addr", statusListener.Addr().String())
	}

	var metrics *metricsServer

	if cfg.metricsAddr != "" {
		metrics, err = newMetricsServer(cfg.metricsAddr, reg, logger)
		if err != nil {
			if statusListener != nil {
				statusListener.Close()
			}

			return &startupError{err}
		}
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	runDone := make(chan struct{})

	if status != nil {
		g.Go(func() error {
			return status.serve(statusListener)
		})

		g.Go(func() error {
			<-runDone
			status.shutdown()
			return nil
		})
	}

	if metrics != nil {
		g.Go(metrics.serve)

		g.Go(func() error {
			<-runDone
			return metrics.shutdown()
		})
	}

	g.Go(func() error {
		defer close(runDone)
		return broker.Run(ctx, input, c.stdout, c.stderr)
	})

	return g.Wait()
}

func loadStatusTLS(cfg *config) (*tls.Config, error) {
	if cfg.tlsCertPath == "" {
		return nil, nil
	}

	return tlsconfig.SetupTLS(&tlsconfig.Config{
		CertPath:   cfg.tlsCertPath,
		KeyPath:    cfg.tlsKeyPath,
		CACertPath: cfg.tlsCAPath,
		Server:     true,
	})
}

// newLogger logs to stderr, which is shared with job output, so only warnings
// and errors are shown unless debug is set.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
