package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultCacheConfig()
	cfg.CleanupInterval = 0 // no background sweeper in tests
	cfg.SyncDiskWrites = true
	cfg.MemoryEntries = 4
	s, err := New(cfg, t.TempDir(), logging.Nop(), metrics.New())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	content := map[string]any{"chapter": "Laws of Motion"}

	_, err := s.Set("plan", content, []byte(`{"ok":true}`), time.Hour)
	require.NoError(t, err)

	got, ok := s.Get("plan", content)
	require.True(t, ok)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestGetMissOnUnknown(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Get("plan", map[string]any{"missing": true})
	assert.False(t, ok)
	assert.Equal(t, int64(1), s.Stats().Misses)
}

func TestEquivalentContentHitsSameEntry(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("plan", map[string]any{"a": 1, "b": "x  y"}, []byte("v"), time.Hour)
	require.NoError(t, err)

	// Different key order, different whitespace: same canonical content.
	got, ok := s.Get("plan", map[string]any{"b": "x y", "a": 1})
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
}

func TestDiskPromotion(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("sec", "content-1", []byte("v1"), time.Hour)
	require.NoError(t, err)

	// Push the entry out of the memory tier.
	for i := 0; i < 8; i++ {
		_, err := s.Set("sec", i, []byte("pad"), time.Hour)
		require.NoError(t, err)
	}

	got, ok := s.Get("sec", "content-1")
	require.True(t, ok, "expected disk hit after memory eviction")
	assert.Equal(t, []byte("v1"), got)
}

func TestTTLClamping(t *testing.T) {
	s := newTestStore(t)
	assert.Equal(t, s.cfg.MinTTL, s.clampTTL(time.Nanosecond))
	assert.Equal(t, s.cfg.MaxTTL, s.clampTTL(1000*time.Hour))
	assert.Equal(t, s.cfg.DefaultTTL, s.clampTTL(0))
}

func TestExpiredEntryIsMiss(t *testing.T) {
	s := newTestStore(t)
	key, err := s.Set("plan", "short-lived", []byte("v"), time.Hour)
	require.NoError(t, err)

	// Force expiry directly; TTL is enforced at read time.
	s.mu.Lock()
	e, ok := s.memory.get(key)
	require.True(t, ok)
	e.ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()
	s.removeDisk(key)

	_, ok = s.Get("plan", "short-lived")
	assert.False(t, ok)
}

func TestCorruptDiskEntryEvictedNotFatal(t *testing.T) {
	s := newTestStore(t)
	key, err := s.Set("plan", "to-corrupt", []byte("value"), time.Hour)
	require.NoError(t, err)

	// Drop from memory, then corrupt the disk copy's value.
	s.mu.Lock()
	s.memory.remove(key)
	s.mu.Unlock()

	e, ok := s.readDisk(key)
	require.True(t, ok)
	e.Value = []byte("tampered")
	require.NoError(t, s.writeDisk(e))

	_, ok = s.GetKey(key)
	assert.False(t, ok, "checksum mismatch must read as a miss")
	_, ok = s.readDisk(key)
	assert.False(t, ok, "corrupt entry must be evicted")
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("plan", "x", []byte("v"), time.Hour)
	require.NoError(t, err)

	require.NoError(t, s.Delete("plan", "x"))
	_, ok := s.Get("plan", "x")
	assert.False(t, ok)

	_, err = s.Set("plan", "y", []byte("v"), time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	_, ok = s.Get("plan", "y")
	assert.False(t, ok)
}

func TestWarmIsolatesFailures(t *testing.T) {
	s := newTestStore(t)
	items := []WarmItem{
		{KeyType: "plan", Content: "a", Value: []byte("1"), TTL: time.Hour},
		{KeyType: "plan", Content: func() {}, Value: []byte("2"), TTL: time.Hour}, // unmarshalable
		{KeyType: "plan", Content: "c", Value: []byte("3"), TTL: time.Hour},
	}
	failures := s.Warm(context.Background(), items)
	assert.Len(t, failures, 1)
	assert.Contains(t, failures, 1)

	_, ok := s.Get("plan", "a")
	assert.True(t, ok)
	_, ok = s.Get("plan", "c")
	assert.True(t, ok)
}

func TestLRUEviction(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 6; i++ {
		_, err := s.Set("k", i, []byte("v"), time.Hour)
		require.NoError(t, err)
	}
	assert.Equal(t, 4, s.Stats().Entries)
}

func TestStatsHitRate(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Set("plan", "x", []byte("v"), time.Hour)
	require.NoError(t, err)

	s.Get("plan", "x")
	s.Get("plan", "nope")

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate, 1e-9)
}
