package main

import (
	"errors"

	"github.com/nixpig/fpar/internal/jobmanager"
	"github.com/nixpig/fpar/internal/jobmanager/shell"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	exitStartup = 3
)

// usageError is returned for a missing command, bad flags or bad config.
type usageError struct {
	err error
}

func (e *usageError) Error() string {
	return e.err.Error()
}

func (e *usageError) Unwrap() error {
	return e.err
}

// startupError is returned when something needed before the first job, like a
// listener or the cgroup root, isn't available.
type startupError struct {
	err error
}

func (e *startupError) Error() string {
	return e.err.Error()
}

func (e *startupError) Unwrap() error {
	return e.err
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK

	case errors.As(err, new(*usageError)):
		return exitUsage

	case errors.As(err, new(*startupError)),
		errors.As(err, new(*jobmanager.WorkerStartError)),
		errors.As(err, new(*shell.StartupError)):
		return exitStartup

	default:
		return exitFailure
	}
}
