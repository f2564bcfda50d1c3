// Package idempotency maps deterministic request fingerprints to their
// prior results so duplicate submissions short-circuit. Records live in a
// bbolt bucket and expire after their TTL; expiry is checked on read.
package idempotency

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	bolt "go.etcd.io/bbolt"

	"github.com/ashuein/contentforge/internal/canonical"
)

const bucketName = "idempotency"

// State is the record lifecycle.
type State string

const (
	StateRegistered State = "registered"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Record is one fingerprint's lifecycle entry.
type Record struct {
	Fingerprint   string          `json:"fingerprint"`
	CorrelationID string          `json:"correlationId"`
	State         State           `json:"state"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	TTL           time.Duration   `json:"ttl"`
}

// Expired reports whether the record's TTL window has lapsed.
func (r *Record) Expired(now time.Time) bool {
	return r.TTL > 0 && now.After(r.CreatedAt.Add(r.TTL))
}

// Store persists idempotency records. Safe for concurrent use; bbolt
// serializes writers.
type Store struct {
	db  *bolt.DB
	log *zap.Logger
	ttl time.Duration

	now func() time.Time // test hook
}

// Open opens or creates the store at path.
func Open(path string, ttl time.Duration, log *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open idempotency db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create idempotency bucket: %w", err)
	}
	return &Store{db: db, log: log, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// GenerateKey produces the deterministic fingerprint for an operation over
// a request and its attachment digests.
func GenerateKey(operation string, request any, attachments []string) (string, error) {
	return canonical.Key("idem", map[string]any{
		"operation":   operation,
		"request":     request,
		"attachments": attachments,
	})
}

// CheckDuplicate returns the live record for the fingerprint, or nil when
// absent or expired. Expired records are removed.
func (s *Store) CheckDuplicate(fingerprint string) (*Record, error) {
	var rec *Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			// Unreadable record: drop it rather than wedge the fingerprint.
			s.log.Warn("dropping unreadable idempotency record", zap.String("fingerprint", fingerprint))
			return b.Delete([]byte(fingerprint))
		}
		if r.Expired(s.now()) {
			return b.Delete([]byte(fingerprint))
		}
		rec = &r
		return nil
	})
	return rec, err
}

// Register reserves the fingerprint in state registered. If a live record
// already exists it is returned unchanged with created=false.
func (s *Store) Register(fingerprint, correlationID string, metadata map[string]string) (*Record, bool, error) {
	var rec *Record
	created := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if data := b.Get([]byte(fingerprint)); data != nil {
			var r Record
			if err := json.Unmarshal(data, &r); err == nil && !r.Expired(s.now()) {
				rec = &r
				return nil
			}
		}
		r := Record{
			Fingerprint:   fingerprint,
			CorrelationID: correlationID,
			State:         StateRegistered,
			Metadata:      metadata,
			CreatedAt:     s.now(),
			TTL:           s.ttl,
		}
		data, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(fingerprint), data); err != nil {
			return err
		}
		rec = &r
		created = true
		return nil
	})
	return rec, created, err
}

// Complete transitions the record to completed (or failed when errMsg is
// non-empty) and stores the result for the TTL window. Completion is
// idempotent: a terminal record is left untouched.
func (s *Store) Complete(fingerprint string, result json.RawMessage, errMsg string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get([]byte(fingerprint))
		if data == nil {
			return fmt.Errorf("idempotency record not found: %s", fingerprint)
		}
		var r Record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.State != StateRegistered {
			return nil
		}
		if errMsg != "" {
			r.State = StateFailed
			r.Error = errMsg
		} else {
			r.State = StateCompleted
			r.Result = result
		}
		out, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		return b.Put([]byte(fingerprint), out)
	})
}

// Fail is shorthand for Complete with an error message.
func (s *Store) Fail(fingerprint, errMsg string) error {
	if errMsg == "" {
		errMsg = "failed"
	}
	return s.Complete(fingerprint, nil, errMsg)
}
