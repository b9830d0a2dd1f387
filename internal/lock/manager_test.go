package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_LockAndRelease(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())

	lease, err := m.Lock(context.Background(), "edge-code:bld-na")
	require.NoError(t, err)
	assert.NotEmpty(t, lease.Holder)
	assert.True(t, m.IsLocked("edge-code:bld-na"))
	assert.False(t, m.IsLocked("edge-code:veh-eu"))

	lease.Release()
	lease.Release()
	assert.False(t, m.IsLocked("edge-code:bld-na"))

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.TotalAcquired)
	assert.Equal(t, uint64(1), stats.TotalReleased)
	assert.Zero(t, stats.ActiveLocks)
	assert.Empty(t, m.locks)
}

func TestManager_TryLock(t *testing.T) {
	m := NewManager(time.Second, zerolog.Nop())

	lease, err := m.TryLock("r")
	require.NoError(t, err)

	_, err = m.TryLock("r")
	assert.ErrorIs(t, err, ErrLocked)

	lease.Release()
	again, err := m.TryLock("r")
	require.NoError(t, err)
	again.Release()
}

func TestManager_WaitLimits(t *testing.T) {
	m := NewManager(50*time.Millisecond, zerolog.Nop())

	lease, err := m.Lock(context.Background(), "r")
	require.NoError(t, err)
	defer lease.Release()

	_, err = m.Lock(context.Background(), "r")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), m.Stats().TotalTimeouts)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Lock(ctx, "r")
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, 1, m.Stats().ActiveLocks)
}

func TestManager_WithLockSerializes(t *testing.T) {
	m := NewManager(5*time.Second, zerolog.Nop())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(context.Background(), "r", func(context.Context) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Equal(t, uint64(10), m.Stats().TotalReleased)
	assert.False(t, m.IsLocked("r"))
}
