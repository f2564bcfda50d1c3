package lockmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := config.DefaultLockConfig()
	cfg.CleanupInterval = 0 // no reaper in tests
	m := New(cfg, logging.Nop())
	t.Cleanup(m.Close)
	return m
}

func TestAcquireRelease(t *testing.T) {
	m := newTestManager(t)

	info, err := m.Acquire("generate", "physics-laws-of-motion", "req-1")
	require.NoError(t, err)
	assert.NotEmpty(t, info.LockID)
	assert.True(t, m.Held("generate", "physics-laws-of-motion"))

	m.Release(info.LockID)
	assert.False(t, m.Held("generate", "physics-laws-of-motion"))
}

func TestMutualExclusionSameResource(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("generate", "physics-laws-of-motion", "req-1")
	require.NoError(t, err)

	_, err = m.Acquire("generate", "physics-laws-of-motion", "req-2")
	assert.ErrorIs(t, err, types.ErrLockHeld)
}

func TestDistinctResourcesProceedInParallel(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Acquire("generate", "physics-laws-of-motion", "req-1")
	require.NoError(t, err)
	_, err = m.Acquire("generate", "chemistry-atoms", "req-2")
	require.NoError(t, err)
	_, err = m.Acquire("compile", "physics-laws-of-motion", "req-3")
	require.NoError(t, err, "different operation on same resource id is a different lock")
}

func TestSameOwnerReentrant(t *testing.T) {
	m := newTestManager(t)

	first, err := m.Acquire("generate", "r", "req-1")
	require.NoError(t, err)
	second, err := m.Acquire("generate", "r", "req-1")
	require.NoError(t, err)
	assert.Equal(t, first.LockID, second.LockID)
}

func TestExpiredLeaseReplaced(t *testing.T) {
	m := newTestManager(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	_, err := m.Acquire("generate", "r", "req-1")
	require.NoError(t, err)

	m.now = func() time.Time { return base.Add(m.cfg.LeaseDuration + time.Second) }
	info, err := m.Acquire("generate", "r", "req-2")
	require.NoError(t, err)
	assert.Equal(t, "req-2", info.Owner)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	wins := make(chan string, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if info, err := m.Acquire("generate", "contested", "owner"); err == nil && info != nil {
				wins <- info.LockID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	ids := map[string]bool{}
	for id := range wins {
		ids[id] = true
	}
	assert.Len(t, ids, 1, "all same-owner acquisitions share one lease")
}

func TestStaleReleaseIsNoop(t *testing.T) {
	m := newTestManager(t)
	info, err := m.Acquire("generate", "r", "req-1")
	require.NoError(t, err)

	m.Release("not-a-real-lock-id")
	assert.True(t, m.Held("generate", "r"))
	m.Release(info.LockID)
}
