// Package cache implements the two-tier content-addressed store: a bounded
// LRU in process memory over a disk tier keyed by content hash. Keys are
// "<keyType>:<sha256 hex>" computed from the canonicalized content, so
// structurally equal inputs always hit the same entry.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/canonical"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
)

// Store is the content-addressed cache. Safe for concurrent use.
type Store struct {
	cfg     config.CacheConfig
	dir     string
	log     *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	memory *lruTier

	sweeps int

	hits   int64
	misses int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates the store rooted at dir and starts the cleanup sweeper.
func New(cfg config.CacheConfig, dir string, log *zap.Logger, m *metrics.Metrics) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		cfg:     cfg,
		dir:     dir,
		log:     log,
		metrics: m,
		memory:  newLRUTier(cfg.MemoryEntries),
		stopCh:  make(chan struct{}),
	}
	if cfg.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop()
	}
	return s, nil
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Get looks up the canonicalized content under keyType. A hit in either
// tier returns the stored value; disk hits are promoted into memory.
// Corruption never propagates: a bad disk entry is evicted and reported
// as a miss.
func (s *Store) Get(keyType string, content any) ([]byte, bool) {
	key, err := canonical.Key(keyType, content)
	if err != nil {
		s.metrics.CacheErrors.Inc()
		s.log.Warn("cache key derivation failed", zap.String("key_type", keyType), zap.Error(err))
		return nil, false
	}
	return s.GetKey(key)
}

// GetKey looks up a precomputed key.
func (s *Store) GetKey(key string) ([]byte, bool) {
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.memory.get(key); ok {
		if e.Expired(now) {
			s.memory.remove(key)
			s.mu.Unlock()
			s.metrics.CacheEvictions.WithLabelValues("expired").Inc()
			s.miss()
			return nil, false
		}
		e.AccessCount++
		e.LastAccessed = now
		value := e.Value
		s.mu.Unlock()
		s.metrics.CacheHits.WithLabelValues("memory").Inc()
		s.hit()
		return value, true
	}
	s.mu.Unlock()

	e, ok := s.readDisk(key)
	if !ok {
		s.miss()
		return nil, false
	}
	if e.Expired(now) {
		s.removeDisk(key)
		s.metrics.CacheEvictions.WithLabelValues("expired").Inc()
		s.miss()
		return nil, false
	}
	if s.cfg.VerifyOnRead && e.Hash != "" && canonical.HashBytes(e.Value) != e.Hash {
		s.removeDisk(key)
		s.metrics.CacheEvictions.WithLabelValues("corrupt").Inc()
		s.metrics.CacheErrors.Inc()
		s.log.Warn("cache checksum mismatch, evicted", zap.String("key", key))
		s.miss()
		return nil, false
	}

	e.AccessCount++
	e.LastAccessed = now
	s.promote(e)
	s.metrics.CacheHits.WithLabelValues("disk").Inc()
	s.hit()
	return e.Value, true
}

// Set stores the value under the canonicalized content key. The TTL is
// clamped to [MinTTL, MaxTTL]; ttl<=0 selects the default. The disk write
// is asynchronous unless SyncDiskWrites is set, and a disk failure never
// invalidates the memory tier.
func (s *Store) Set(keyType string, content any, value []byte, ttl time.Duration) (string, error) {
	key, err := canonical.Key(keyType, content)
	if err != nil {
		return "", fmt.Errorf("cache key: %w", err)
	}
	return key, s.SetKey(key, value, ttl, nil)
}

// SetKey stores under a precomputed key.
func (s *Store) SetKey(key string, value []byte, ttl time.Duration, metadata map[string]string) error {
	ttl = s.clampTTL(ttl)
	now := time.Now()
	e := &Entry{
		Key:          key,
		Value:        value,
		Hash:         canonical.HashBytes(value),
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
		SizeBytes:    int64(len(value)),
		Metadata:     metadata,
	}

	s.mu.Lock()
	if evicted := s.memory.put(e); evicted != nil {
		s.metrics.CacheEvictions.WithLabelValues("lru").Inc()
	}
	s.updateGauges()
	s.mu.Unlock()

	if s.cfg.SyncDiskWrites {
		return s.writeDisk(e)
	}
	go func() {
		if err := s.writeDisk(e); err != nil {
			s.metrics.CacheErrors.Inc()
			s.log.Warn("async cache disk write failed", zap.String("key", key), zap.Error(err))
		}
	}()
	return nil
}

// Delete removes an entry from both tiers.
func (s *Store) Delete(keyType string, content any) error {
	key, err := canonical.Key(keyType, content)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.memory.remove(key)
	s.updateGauges()
	s.mu.Unlock()
	s.removeDisk(key)
	return nil
}

// Clear empties the memory tier and removes all disk entries.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.memory = newLRUTier(s.cfg.MemoryEntries)
	s.updateGauges()
	s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, d := range entries {
		if d.IsDir() && len(d.Name()) == 2 {
			if err := os.RemoveAll(filepath.Join(s.dir, d.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

// WarmItem is one entry of a warm batch.
type WarmItem struct {
	KeyType string
	Content any
	Value   []byte
	TTL     time.Duration
}

// Warm preloads a batch. Failures are isolated per entry; the returned map
// carries the error for each failed item keyed by index.
func (s *Store) Warm(ctx context.Context, items []WarmItem) map[int]error {
	failures := make(map[int]error)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			failures[i] = err
			continue
		}
		if _, err := s.Set(item.KeyType, item.Content, item.Value, item.TTL); err != nil {
			failures[i] = err
		}
	}
	if len(failures) > 0 {
		s.log.Warn("cache warm completed with failures",
			zap.Int("total", len(items)), zap.Int("failed", len(failures)))
	}
	return failures
}

// Stats is a point-in-time snapshot of cache health.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    int64
	Misses  int64
	HitRate float64
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Entries: s.memory.len(),
		Bytes:   s.memory.bytes,
		Hits:    s.hits,
		Misses:  s.misses,
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}

func (s *Store) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < s.cfg.MinTTL {
		ttl = s.cfg.MinTTL
	}
	if ttl > s.cfg.MaxTTL {
		ttl = s.cfg.MaxTTL
	}
	return ttl
}

func (s *Store) hit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Store) miss() {
	s.metrics.CacheMisses.Inc()
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

func (s *Store) promote(e *Entry) {
	s.mu.Lock()
	if evicted := s.memory.put(e); evicted != nil {
		s.metrics.CacheEvictions.WithLabelValues("lru").Inc()
	}
	s.updateGauges()
	s.mu.Unlock()
}

// updateGauges must be called with s.mu held.
func (s *Store) updateGauges() {
	s.metrics.CacheEntries.Set(float64(s.memory.len()))
	s.metrics.CacheBytes.Set(float64(s.memory.bytes))
}

// --- disk tier -------------------------------------------------------------

// diskPath fans entries out by the first two hex digits of the digest so no
// single directory grows unbounded.
func (s *Store) diskPath(key string) string {
	digest := key
	if i := strings.LastIndexByte(key, ':'); i >= 0 {
		digest = key[i+1:]
	}
	prefix := "00"
	if len(digest) >= 2 {
		prefix = digest[:2]
	}
	name := strings.ReplaceAll(key, ":", "_") + ".json"
	return filepath.Join(s.dir, prefix, name)
}

func (s *Store) readDisk(key string) (*Entry, bool) {
	data, err := os.ReadFile(s.diskPath(key))
	if err != nil {
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		s.metrics.CacheErrors.Inc()
		s.removeDisk(key)
		s.log.Warn("cache disk entry unreadable, evicted", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return &e, true
}

// writeDisk persists atomically: temp file then rename.
func (s *Store) writeDisk(e *Entry) error {
	path := s.diskPath(e.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	s.log.Debug("cache entry persisted",
		zap.String("key", e.Key), zap.String("size", humanize.Bytes(uint64(e.SizeBytes))))
	return nil
}

func (s *Store) removeDisk(key string) {
	os.Remove(s.diskPath(key))
}

// --- cleanup ---------------------------------------------------------------

func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes expired entries from memory; the disk tier is swept only on
// every Nth pass.
func (s *Store) sweep() {
	now := time.Now()

	s.mu.Lock()
	for _, key := range s.memory.keys() {
		if e, ok := s.memory.get(key); ok && e.Expired(now) {
			s.memory.remove(key)
			s.metrics.CacheEvictions.WithLabelValues("expired").Inc()
		}
	}
	s.sweeps++
	diskDue := s.cfg.DiskSweepEvery > 0 && s.sweeps%s.cfg.DiskSweepEvery == 0
	s.updateGauges()
	s.mu.Unlock()

	if diskDue {
		s.sweepDisk(now)
	}
}

func (s *Store) sweepDisk(now time.Time) {
	removed := 0
	filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil || e.Expired(now) {
			if os.Remove(path) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		s.log.Info("disk cache sweep", zap.Int("removed", removed))
	}
}
