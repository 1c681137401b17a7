// Package cgroups places worker shells in cgroup v2 groups so the commands a
// worker runs share one set of resource limits.
package cgroups

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const (
	// DefaultRoot is where the unified cgroup hierarchy is usually mounted.
	DefaultRoot = "/sys/fs/cgroup"

	cpuPeriodMicros = 100000
	procMountinfo   = "/proc/self/mountinfo"
	namePrefix      = "fpar-"
)

// ResourceLimits are applied to every process in a worker's cgroup. Zero
// values leave the corresponding controller unlimited.
type ResourceLimits struct {
	CPUMaxPercent  int64
	MemoryMaxBytes int64
	IOMaxBPS       int64
}

// IsZero reports whether no limit is set.
func (l ResourceLimits) IsZero() bool {
	return l.CPUMaxPercent <= 0 && l.MemoryMaxBytes <= 0 && l.IOMaxBPS <= 0
}

// Cgroup is a cgroup directory owned by one worker.
type Cgroup struct {
	name string
	path string
	fd   *os.File
}

// Create makes the cgroup root/fpar-<name> and applies limits.
//
// On the real hierarchy the directory is also opened so the shell can be
// started directly inside it (see SysProcAttr). Elsewhere, e.g. a test
// directory, processes are added with Join after they start.
func Create(root, name string, limits ResourceLimits) (*Cgroup, error) {
	cg := &Cgroup{
		name: name,
		path: filepath.Join(root, namePrefix+name),
	}

	if err := os.MkdirAll(cg.path, 0755); err != nil {
		return nil, fmt.Errorf("make cgroup dir: %w", err)
	}

	if err := cg.applyLimits(limits); err != nil {
		os.RemoveAll(cg.path)
		return nil, fmt.Errorf("apply cgroup limits: %w", err)
	}

	if isRealCgroupRoot(root) {
		fd, err := os.Open(cg.path)
		if err != nil {
			os.RemoveAll(cg.path)
			return nil, fmt.Errorf("open cgroup dir: %w", err)
		}

		cg.fd = fd
	}

	return cg, nil
}

func (c *Cgroup) applyLimits(limits ResourceLimits) error {
	if limits.CPUMaxPercent > 0 {
		quota := (limits.CPUMaxPercent * cpuPeriodMicros) / 100
		value := fmt.Sprintf("%d %d", quota, cpuPeriodMicros)

		if err := c.write("cpu.max", value); err != nil {
			return err
		}
	}

	if limits.MemoryMaxBytes > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryMaxBytes, 10)); err != nil {
			return err
		}
	}

	if limits.IOMaxBPS > 0 {
		deviceID, err := detectRootDevice()
		if err != nil {
			return fmt.Errorf("detect root device: %w", err)
		}

		value := fmt.Sprintf("%s rbps=%d wbps=%d", deviceID, limits.IOMaxBPS, limits.IOMaxBPS)

		if err := c.write("io.max", value); err != nil {
			return err
		}
	}

	return nil
}

// SysProcAttr returns attributes that start a process inside the cgroup, or
// nil when the cgroup directory wasn't opened.
func (c *Cgroup) SysProcAttr() *syscall.SysProcAttr {
	if c.fd == nil {
		return nil
	}

	return &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    int(c.fd.Fd()),
	}
}

// Join moves an already running process into the cgroup.
func (c *Cgroup) Join(pid int) error {
	if err := c.write("cgroup.procs", strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("add process to cgroup: %w", err)
	}

	return nil
}

// Destroy kills anything still running in the cgroup, e.g. commands a job
// left in the background, and removes it.
func (c *Cgroup) Destroy() error {
	var errs []error

	if isRealCgroupRoot(filepath.Dir(c.path)) {
		if err := c.write("cgroup.kill", "1"); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	if c.fd != nil {
		if err := c.fd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cgroup fd: %w", err))
		}

		c.fd = nil
	}

	if err := os.RemoveAll(c.path); err != nil {
		errs = append(errs, fmt.Errorf("remove cgroup: %w", err))
	}

	return errors.Join(errs...)
}

// FD returns the open cgroup directory, or nil.
func (c *Cgroup) FD() *os.File {
	return c.fd
}

func (c *Cgroup) Name() string {
	return c.name
}

func (c *Cgroup) Path() string {
	return c.path
}

func (c *Cgroup) write(file, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, file), []byte(value), 0644); err != nil {
		return fmt.Errorf("write %s: %w", file, err)
	}

	return nil
}

func detectRootDevice() (string, error) {
	mountinfo, err := os.ReadFile(procMountinfo)
	if err != nil {
		return "", fmt.Errorf("read mountinfo: %w", err)
	}

	for line := range strings.SplitSeq(string(mountinfo), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}

		if fields[4] == "/" {
			return fields[2], nil
		}
	}

	return "", fmt.Errorf("detect root device in %s", procMountinfo)
}

func isRealCgroupRoot(root string) bool {
	return root == DefaultRoot
}

// ValidateRoot checks that root looks like a cgroup v2 hierarchy.
func ValidateRoot(root string) error {
	controllersPath := filepath.Join(root, "cgroup.controllers")
	if _, err := os.Stat(controllersPath); err != nil {
		return fmt.Errorf("cgroup root not valid at %s: %w", root, err)
	}

	return nil
}
