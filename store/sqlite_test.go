package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T, opts ...Option) Store {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "acp.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStoreConformance(t *testing.T) {
	runStoreConformance(t, newTestSQLite)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "acp.db")

	s, err := NewSQLite(ctx, dbPath)
	require.NoError(t, err)
	require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, s.InsertEvent(ctx, testEvent("s1", i)))
	}
	require.NoError(t, s.Close())

	// The event index must be recoverable purely from stored events.
	reopened, err := NewSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	page, err := reopened.ListEvents(ctx, "s1", ListRequest{})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, int64(3), page.Events[2].EventIndex)
}

func TestSQLiteLegacySchemaMigration(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "legacy.db")

	// Seed a database in the pre-event_index schema: ordering was implicit
	// in insertion order (created_at, then id).
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		connection_id TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL,
		payload BLOB NOT NULL
	)`)
	require.NoError(t, err)
	insert := `INSERT INTO session_events (id, session_id, created_at, sender, payload) VALUES (?, ?, ?, ?, ?)`
	// Two sessions, each with interleaved rows; ties on created_at break by id.
	_, err = db.Exec(insert, "ev_b", "sa", 1000, "agent", `{}`)
	require.NoError(t, err)
	_, err = db.Exec(insert, "ev_a", "sa", 1000, "client", `{}`)
	require.NoError(t, err)
	_, err = db.Exec(insert, "ev_c", "sa", 2000, "agent", `{}`)
	require.NoError(t, err)
	_, err = db.Exec(insert, "ev_z", "sb", 500, "client", `{}`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := NewSQLite(ctx, dbPath)
	require.NoError(t, err)
	defer s.Close()

	page, err := s.ListEvents(ctx, "sa", ListRequest{})
	require.NoError(t, err)
	require.Len(t, page.Events, 3)
	assert.Equal(t, "ev_a", page.Events[0].ID, "created_at tie broken by id")
	assert.Equal(t, int64(1), page.Events[0].EventIndex)
	assert.Equal(t, "ev_b", page.Events[1].ID)
	assert.Equal(t, int64(2), page.Events[1].EventIndex)
	assert.Equal(t, "ev_c", page.Events[2].ID)
	assert.Equal(t, int64(3), page.Events[2].EventIndex)

	// The second session is numbered independently.
	page, err = s.ListEvents(ctx, "sb", ListRequest{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(1), page.Events[0].EventIndex)
}
