package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, err := db.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)

	// Reopening the same file is a no-op.
	path := db.Path()
	require.NoError(t, db.Close())
	db2, err := Open(path)
	require.NoError(t, err)
	defer db2.Close()
	version, err = db2.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, len(migrations), version)
}

func TestSessionIndexRoundTrip(t *testing.T) {
	db := openTestDB(t)

	s := SessionSummary{
		ID:           "sess-1",
		Title:        "Fixing the build",
		Model:        "gpt-4o",
		WorkingDir:   "/tmp/project",
		LogPath:      "/tmp/project/sess-1.jsonl",
		MessageCount: 4,
	}
	require.NoError(t, db.UpsertSession(s))

	got, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Fixing the build", got.Title)
	assert.Equal(t, 4, got.MessageCount)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = db.GetSession("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertKeepsCreatedAt(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertSession(SessionSummary{ID: "sess-1", MessageCount: 1}))
	first, err := db.GetSession("sess-1")
	require.NoError(t, err)

	require.NoError(t, db.UpsertSession(SessionSummary{
		ID:           "sess-1",
		Title:        "later",
		MessageCount: 9,
		CreatedAt:    first.CreatedAt,
	}))

	got, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.MessageCount)
	assert.Equal(t, first.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestTouchSession(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertSession(SessionSummary{ID: "sess-1", Model: "m1"}))
	require.NoError(t, db.TouchSession("sess-1", "new title", "m2", 7))

	got, err := db.GetSession("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "new title", got.Title)
	assert.Equal(t, "m2", got.Model)
	assert.Equal(t, 7, got.MessageCount)

	assert.ErrorIs(t, db.TouchSession("missing", "", "", 0), ErrNotFound)
}

func TestListSessionsOrderedByActivity(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertSession(SessionSummary{ID: "old"}))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, db.UpsertSession(SessionSummary{ID: "new"}))

	out, err := db.ListSessions(0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "new", out[0].ID)
	assert.Equal(t, "old", out[1].ID)

	out, err = db.ListSessions(1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "new", out[0].ID)
}

func TestDeleteSession(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.UpsertSession(SessionSummary{ID: "sess-1"}))
	require.NoError(t, db.DeleteSession("sess-1"))
	assert.ErrorIs(t, db.DeleteSession("sess-1"), ErrNotFound)
}

func TestKVRoundTrip(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.KVSet("k1", "v1", 0))
	v, err := db.KVGet("k1")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	require.NoError(t, db.KVSet("k1", "v2", 0))
	v, err = db.KVGet("k1")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	require.NoError(t, db.KVDelete("k1"))
	_, err = db.KVGet("k1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVExpiry(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.KVSet("fleeting", "v", time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	_, err := db.KVGet("fleeting")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKVListByPrefix(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.KVSet("app/one", "1", 0))
	require.NoError(t, db.KVSet("app/two", "2", 0))
	require.NoError(t, db.KVSet("other", "3", 0))

	out, err := db.KVList("app/")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"app/one": "1", "app/two": "2"}, out)
}

func TestKVCleanExpired(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.KVSet("gone", "v", time.Millisecond))
	require.NoError(t, db.KVSet("kept", "v", time.Hour))
	time.Sleep(10 * time.Millisecond)

	n, err := db.KVCleanExpired()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = db.KVGet("kept")
	assert.NoError(t, err)
}
