package pipeline

import (
	"context"
	"fmt"
	"runtime"
)

// ResourceConfig bounds what a training run may consume.
type ResourceConfig struct {
	// MaxMemoryMB is the process memory ceiling for admitting a run.
	// Zero disables the check.
	MaxMemoryMB uint64

	// MinDiskMB is the free-space floor for checkpoint artifacts.
	// Zero disables the check.
	MinDiskMB uint64

	// DataDir is the path probed for free space.
	DataDir string
}

// ResourceChecker admits a training run only when the process fits the
// configured budget. It satisfies trigger.ResourceChecker.
type ResourceChecker struct {
	cfg      ResourceConfig
	memoryMB func() uint64
	freeMB   func(path string) (uint64, error)
}

// NewResourceChecker creates the budget checker.
func NewResourceChecker(cfg ResourceConfig) *ResourceChecker {
	return &ResourceChecker{
		cfg:      cfg,
		memoryMB: processMemoryMB,
		freeMB:   freeDiskMB,
	}
}

// Check returns an error when the budget does not admit a run.
func (c *ResourceChecker) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.cfg.MaxMemoryMB > 0 {
		used := c.memoryMB()
		if used > c.cfg.MaxMemoryMB {
			return fmt.Errorf("process memory %dMB exceeds budget %dMB", used, c.cfg.MaxMemoryMB)
		}
	}

	if c.cfg.MinDiskMB > 0 && c.cfg.DataDir != "" {
		free, err := c.freeMB(c.cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to probe free disk space: %w", err)
		}
		if free < c.cfg.MinDiskMB {
			return fmt.Errorf("free disk %dMB below floor %dMB", free, c.cfg.MinDiskMB)
		}
	}

	return nil
}

func processMemoryMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys / (1 << 20)
}
