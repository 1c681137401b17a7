package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/viper"
)

type config struct {
	jobs      int
	keepOrder bool
	quote     bool
	shell     string
	queueSize int
	input     string

	maxMemory int
	cacheSize int
	tempDir   string

	jobLog string

	statusAddr  string
	metricsAddr string
	tlsCertPath string
	tlsKeyPath  string
	tlsCAPath   string

	cgroupRoot string
	memoryMax  int64
	cpuMax     int64
	ioMax      int64

	debug bool
}

// defaultJobs leaves a CPU for the broker and the output.
func defaultJobs() int {
	return max(runtime.NumCPU()-1, 1)
}

func loadConfig(v *viper.Viper) *config {
	return &config{
		jobs:        v.GetInt("jobs"),
		keepOrder:   v.GetBool("keep-order"),
		quote:       v.GetBool("quote"),
		shell:       v.GetString("shell"),
		queueSize:   v.GetInt("queue-size"),
		input:       v.GetString("input"),
		maxMemory:   v.GetInt("max-memory"),
		cacheSize:   v.GetInt("cache-size"),
		tempDir:     v.GetString("temp-dir"),
		jobLog:      v.GetString("joblog"),
		statusAddr:  v.GetString("status-addr"),
		metricsAddr: v.GetString("metrics-addr"),
		tlsCertPath: v.GetString("tls-cert"),
		tlsKeyPath:  v.GetString("tls-key"),
		tlsCAPath:   v.GetString("tls-ca"),
		cgroupRoot:  v.GetString("cgroup-root"),
		memoryMax:   v.GetInt64("memory-max"),
		cpuMax:      v.GetInt64("cpu-max"),
		ioMax:       v.GetInt64("io-max"),
		debug:       v.GetBool("debug"),
	}
}

func (c *config) validate() error {
	if c.jobs < 1 {
		return errors.New("jobs must be at least 1")
	}

	if c.queueSize < 1 {
		return errors.New("queue-size must be at least 1")
	}

	if c.maxMemory < 0 {
		return errors.New("max-memory cannot be negative")
	}

	if c.cacheSize < 1 {
		return errors.New("cache-size must be at least 1")
	}

	if c.tempDir != "" {
		if _, err := os.Stat(c.tempDir); err != nil {
			return fmt.Errorf("failed to stat temp-dir: %w", err)
		}
	}

	if (c.tlsCertPath == "") != (c.tlsKeyPath == "") {
		return errors.New("tls-cert and tls-key must be set together")
	}

	if c.tlsCAPath != "" && c.tlsCertPath == "" {
		return errors.New("tls-ca requires tls-cert and tls-key")
	}

	if c.tlsCertPath != "" && c.statusAddr == "" {
		return errors.New("tls-cert requires status-addr")
	}

	for flag, path := range map[string]string{
		"tls-cert": c.tlsCertPath,
		"tls-key":  c.tlsKeyPath,
		"tls-ca":   c.tlsCAPath,
	} {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("failed to stat %s: %w", flag, err)
		}
	}

	if c.memoryMax < 0 || c.cpuMax < 0 || c.ioMax < 0 {
		return errors.New("cgroup limits cannot be negative")
	}

	if c.cgroupRoot == "" && (c.memoryMax > 0 || c.cpuMax > 0 || c.ioMax > 0) {
		return errors.New("cgroup limits require cgroup-root")
	}

	return nil
}
