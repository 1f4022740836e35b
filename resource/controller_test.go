package resource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Memory(t *testing.T) {
	c := NewController(Config{MemoryLimitBytes: 100})

	require.NoError(t, c.AcquireMemory(context.Background(), 50))
	assert.Equal(t, int64(50), c.MemoryUsage())

	require.NoError(t, c.AcquireMemory(context.Background(), 40))
	assert.Equal(t, int64(90), c.MemoryUsage())
	assert.InDelta(t, 0.9, c.UsageFraction(), 1e-9)

	assert.False(t, c.TryAcquireMemory(20))
	assert.Equal(t, int64(90), c.MemoryUsage())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireMemory(ctx, 20), context.DeadlineExceeded)

	c.ReleaseMemory(50)
	assert.Equal(t, int64(40), c.MemoryUsage())

	require.NoError(t, c.AcquireMemory(context.Background(), 20))
	assert.Equal(t, int64(60), c.MemoryUsage())
}

func TestController_UnlimitedMemory(t *testing.T) {
	c := NewController(Config{})

	require.NoError(t, c.AcquireMemory(context.Background(), 1<<30))
	assert.Equal(t, int64(1<<30), c.MemoryUsage())
	assert.Equal(t, 0.0, c.UsageFraction())

	assert.True(t, c.TryAcquireMemory(1<<30))
	c.ReleaseMemory(1 << 31)
	assert.Equal(t, int64(0), c.MemoryUsage())
}

func TestController_Hydration(t *testing.T) {
	c := NewController(Config{MaxHydrationWorkers: 2})

	require.NoError(t, c.AcquireHydration(context.Background()))
	require.NoError(t, c.AcquireHydration(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.AcquireHydration(ctx), context.DeadlineExceeded)

	c.ReleaseHydration()
	require.NoError(t, c.AcquireHydration(context.Background()))
}

func TestController_IO(t *testing.T) {
	c := NewController(Config{IOLimitBytesPerSec: 1 << 20})

	// Within burst, no blocking.
	require.NoError(t, c.AcquireIO(context.Background(), 1024))

	// Requests larger than the burst are clamped rather than rejected.
	require.NoError(t, c.AcquireIO(context.Background(), 10<<20))
}

func TestController_NilSafe(t *testing.T) {
	var c *Controller

	assert.True(t, c.TryAcquireMemory(100))
	assert.NoError(t, c.AcquireMemory(context.Background(), 100))
	c.ReleaseMemory(100)
	assert.Equal(t, int64(0), c.MemoryUsage())
	assert.NoError(t, c.AcquireHydration(context.Background()))
	c.ReleaseHydration()
	assert.NoError(t, c.AcquireIO(context.Background(), 100))
}
