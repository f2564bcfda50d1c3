package idempotency

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "idem.db"), time.Hour, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGenerateKeyDeterministic(t *testing.T) {
	req := map[string]any{"subject": "Physics", "chapter": "Laws of Motion"}
	k1, err := GenerateKey("generate", req, []string{"att-1"})
	require.NoError(t, err)
	k2, err := GenerateKey("generate", map[string]any{"chapter": "Laws of  Motion", "subject": "Physics"}, []string{"att-1"})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := GenerateKey("generate", req, nil)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "attachments participate in the fingerprint")
}

func TestRegisterAndCheckDuplicate(t *testing.T) {
	s := newTestStore(t)

	rec, created, err := s.Register("fp-1", "corr-1", map[string]string{"stage": "submit"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StateRegistered, rec.State)

	dup, err := s.CheckDuplicate("fp-1")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, "corr-1", dup.CorrelationID)
}

func TestSecondRegistrationReturnsExisting(t *testing.T) {
	s := newTestStore(t)

	_, created, err := s.Register("fp-1", "corr-1", nil)
	require.NoError(t, err)
	require.True(t, created)

	rec, created, err := s.Register("fp-1", "corr-2", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "corr-1", rec.CorrelationID, "existing record wins")
}

func TestCompleteStoresResult(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Register("fp-1", "corr-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Complete("fp-1", json.RawMessage(`{"promptId":"p-1"}`), ""))

	rec, err := s.CheckDuplicate("fp-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StateCompleted, rec.State)
	assert.JSONEq(t, `{"promptId":"p-1"}`, string(rec.Result))
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Register("fp-1", "corr-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Complete("fp-1", json.RawMessage(`{"v":1}`), ""))
	require.NoError(t, s.Complete("fp-1", json.RawMessage(`{"v":2}`), ""))

	rec, err := s.CheckDuplicate("fp-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(rec.Result), "second completion must not overwrite")
}

func TestFailPreservedForTTLWindow(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Register("fp-1", "corr-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.Fail("fp-1", "E-M3-REPAIR-EXHAUSTED: section 02"))

	rec, err := s.CheckDuplicate("fp-1")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Contains(t, rec.Error, "E-M3-REPAIR-EXHAUSTED")
}

func TestExpiredRecordDropped(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	s.now = func() time.Time { return base }

	_, _, err := s.Register("fp-1", "corr-1", nil)
	require.NoError(t, err)

	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	rec, err := s.CheckDuplicate("fp-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The fingerprint is free again.
	_, created, err := s.Register("fp-1", "corr-2", nil)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCompleteUnknownFingerprint(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.Complete("missing", nil, ""))
}
