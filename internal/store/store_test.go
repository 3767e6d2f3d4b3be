package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestDecisions_PersistAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.SaveDecision(ctx, DecisionRecord{
		DecisionKey: DecisionKey{Scope: ScopeRealm, Realm: "main", Scene: "scene-a", Kind: "OpenURL"},
		Decision:    DecisionAllow,
	}))
	require.NoError(t, s1.SaveDecision(ctx, DecisionRecord{
		DecisionKey: DecisionKey{Scope: ScopeGlobal, Realm: "ignored", Scene: "scene-a", Kind: "Teleport"},
		Decision:    DecisionDeny,
	}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	d, ok, err := s2.LookupDecision(ctx, DecisionKey{Scope: ScopeRealm, Realm: "main", Scene: "scene-a", Kind: "OpenURL"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DecisionAllow, d)

	// Global decisions ignore the realm.
	d, ok, err = s2.LookupDecision(ctx, DecisionKey{Scope: ScopeGlobal, Realm: "other", Scene: "scene-a", Kind: "Teleport"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, DecisionDeny, d)

	// Realm decisions do not leak into other realms.
	_, ok, err = s2.LookupDecision(ctx, DecisionKey{Scope: ScopeRealm, Realm: "other", Scene: "scene-a", Kind: "OpenURL"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecisions_UpsertAndDelete(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	s.now = func() time.Time { return time.UnixMilli(1000) }

	key := DecisionKey{Scope: ScopeRealm, Realm: "main", Scene: "scene-a", Kind: "Fetch"}
	require.NoError(t, s.SaveDecision(ctx, DecisionRecord{DecisionKey: key, Decision: DecisionAllow}))
	require.NoError(t, s.SaveDecision(ctx, DecisionRecord{DecisionKey: key, Decision: DecisionDeny}))

	recs, err := s.ListDecisions(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, DecisionDeny, recs[0].Decision)
	assert.Equal(t, int64(1000), recs[0].UpdatedAt.UnixMilli())

	removed, err := s.DeleteDecision(ctx, key)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.DeleteDecision(ctx, key)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestDecisions_Validation(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	err := s.SaveDecision(ctx, DecisionRecord{
		DecisionKey: DecisionKey{Scope: "scene", Scene: "a", Kind: "Fetch"},
		Decision:    DecisionAllow,
	})
	assert.Error(t, err, "session scope is never persisted")

	err = s.SaveDecision(ctx, DecisionRecord{
		DecisionKey: DecisionKey{Scope: ScopeGlobal, Scene: "a", Kind: "Fetch"},
		Decision:    "maybe",
	})
	assert.Error(t, err)
}

func TestKV_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, ok, err := s.GetItem(ctx, "scene-a", "score")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetItem(ctx, "scene-a", "score", "10"))
	require.NoError(t, s.SetItem(ctx, "scene-a", "score", "11"))
	require.NoError(t, s.SetItem(ctx, "scene-b", "score", "99"))

	v, ok, err := s.GetItem(ctx, "scene-a", "score")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "11", v)

	items, err := s.Items(ctx, "scene-b")
	require.NoError(t, err)
	assert.Equal(t, []Item{{Key: "score", Value: "99"}}, items)

	require.NoError(t, s.RemoveItem(ctx, "scene-a", "score"))
	require.NoError(t, s.RemoveItem(ctx, "scene-a", "score"))
	_, ok, err = s.GetItem(ctx, "scene-a", "score")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKV_KeysAreNormalized(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.SetItem(ctx, "scene-a", "caf\u00e9", "composed"))
	v, ok, err := s.GetItem(ctx, "scene-a", "cafe\u0301")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "composed", v)
}
