// Package resource enforces global limits on cache memory, background
// hydration workers, and storage IO throughput.
package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// WarnFraction is the usage fraction above which callers should log a
// warning before admitting more cache memory.
const WarnFraction = 0.8

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes caps the managed memory of resident corpus caches.
	// If 0, usage is tracked but not limited.
	MemoryLimitBytes int64

	// MaxHydrationWorkers caps concurrent shard hydration jobs.
	// If 0, defaults to 1.
	MaxHydrationWorkers int64

	// IOLimitBytesPerSec caps storage read throughput of background
	// hydration. If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages global resources shared by all resident caches.
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	hydrationSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxHydrationWorkers <= 0 {
		cfg.MaxHydrationWorkers = 1
	}

	c := &Controller{
		cfg:          cfg,
		hydrationSem: semaphore.NewWeighted(cfg.MaxHydrationWorkers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}
	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// TryAcquireMemory reserves cache memory without blocking. Returns false
// when a configured limit would be exceeded.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}

	if c.memSem != nil && !c.memSem.TryAcquire(bytes) {
		return false
	}
	c.memUsed.Add(bytes)
	return true
}

// AcquireMemory reserves cache memory, blocking until it is available or
// ctx is canceled.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory returns reserved cache memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the currently reserved bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// UsageFraction returns reserved bytes as a fraction of the configured
// limit, or 0 when no limit is set.
func (c *Controller) UsageFraction() float64 {
	if c == nil || c.cfg.MemoryLimitBytes <= 0 {
		return 0
	}
	return float64(c.memUsed.Load()) / float64(c.cfg.MemoryLimitBytes)
}

// AcquireHydration reserves a hydration worker slot, blocking until one is
// free or ctx is canceled.
func (c *Controller) AcquireHydration(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.hydrationSem.Acquire(ctx, 1)
}

// ReleaseHydration returns a hydration worker slot.
func (c *Controller) ReleaseHydration() {
	if c == nil {
		return
	}
	c.hydrationSem.Release(1)
}

// AcquireIO waits until the IO limit admits the given number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	if bytes > c.ioLimiter.Burst() {
		bytes = c.ioLimiter.Burst()
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}
