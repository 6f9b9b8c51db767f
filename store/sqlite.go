package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentuity/go-acp/acp"
	_ "modernc.org/sqlite"
)

// sqliteStore is the durable single-file relational store.
type sqliteStore struct {
	db  *sql.DB
	cfg config
}

var _ Store = (*sqliteStore)(nil)

// NewSQLite returns a Store backed by SQLite. If dbPath is empty or
// ":memory:", an in-memory database is used. The schema is created on open;
// databases written by older versions without an explicit event ordering
// column are migrated in a single pass before any write is served.
func NewSQLite(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s := &sqliteStore{db: db, cfg: applyOptions(opts)}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	// Legacy databases carry session_events without the event_index column;
	// ordering was implicit in (created_at, id). Backfill the explicit index
	// once, per session, in insertion order, before serving new writes.
	var legacy bool
	var tableCount int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='session_events'`).Scan(&tableCount); err != nil {
		return err
	}
	if tableCount == 1 {
		var colCount int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pragma_table_info('session_events') WHERE name='event_index'`).Scan(&colCount); err != nil {
			return err
		}
		legacy = colCount == 0
	}

	if legacy {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			`ALTER TABLE session_events ADD COLUMN event_index INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("error adding event_index column: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE session_events SET event_index = (
			SELECT rn FROM (
				SELECT id AS eid, ROW_NUMBER() OVER (
					PARTITION BY session_id ORDER BY created_at, id
				) AS rn FROM session_events
			) WHERE eid = session_events.id
		)`); err != nil {
			return fmt.Errorf("error backfilling event_index: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent TEXT NOT NULL,
		agent_session_id TEXT NOT NULL DEFAULT '',
		last_connection_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		destroyed_at INTEGER,
		session_init BLOB
	)`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at, id)`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS session_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		event_index INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		connection_id TEXT NOT NULL DEFAULT '',
		sender TEXT NOT NULL,
		payload BLOB NOT NULL
	)`); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON session_events(session_id, event_index, id)`); err != nil {
		return err
	}
	return nil
}

func (s *sqliteStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *sqliteStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	row := s.db.QueryRowContext(qctx, `SELECT id, agent, agent_session_id, last_connection_id,
		created_at, destroyed_at, session_init FROM sessions WHERE id = ?`, id)
	rec, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var createdAt int64
	var destroyedAt sql.NullInt64
	var init []byte
	if err := row.Scan(&rec.ID, &rec.Agent, &rec.AgentSessionID, &rec.LastConnectionID,
		&createdAt, &destroyedAt, &init); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	if destroyedAt.Valid {
		at := time.Unix(0, destroyedAt.Int64).UTC()
		rec.DestroyedAt = &at
	}
	if len(init) > 0 {
		rec.SessionInit = json.RawMessage(init)
	}
	return &rec, nil
}

func (s *sqliteStore) UpdateSession(ctx context.Context, rec SessionRecord) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var destroyedAt sql.NullInt64
	if rec.DestroyedAt != nil {
		destroyedAt = sql.NullInt64{Int64: rec.DestroyedAt.UnixNano(), Valid: true}
	}
	if _, err := tx.ExecContext(qctx, `INSERT INTO sessions
		(id, agent, agent_session_id, last_connection_id, created_at, destroyed_at, session_init)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent = excluded.agent,
			agent_session_id = excluded.agent_session_id,
			last_connection_id = excluded.last_connection_id,
			created_at = excluded.created_at,
			destroyed_at = excluded.destroyed_at,
			session_init = excluded.session_init`,
		rec.ID, rec.Agent, rec.AgentSessionID, rec.LastConnectionID,
		rec.CreatedAt.UnixNano(), destroyedAt, []byte(rec.SessionInit)); err != nil {
		return err
	}

	if s.cfg.maxSessions > 0 {
		var count int
		if err := tx.QueryRowContext(qctx, `SELECT COUNT(*) FROM sessions`).Scan(&count); err != nil {
			return err
		}
		if excess := count - s.cfg.maxSessions; excess > 0 {
			if _, err := tx.ExecContext(qctx, `DELETE FROM session_events WHERE session_id IN (
				SELECT id FROM sessions WHERE id != ? ORDER BY created_at, id LIMIT ?)`,
				rec.ID, excess); err != nil {
				return err
			}
			if _, err := tx.ExecContext(qctx, `DELETE FROM sessions WHERE id IN (
				SELECT id FROM sessions WHERE id != ? ORDER BY created_at, id LIMIT ?)`,
				rec.ID, excess); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListSessions(ctx context.Context, req ListRequest) (*SessionPage, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	limit := s.cfg.pageLimit(req)

	var rows *sql.Rows
	var err error
	if req.Cursor == "" {
		rows, err = s.db.QueryContext(qctx, `SELECT id, agent, agent_session_id, last_connection_id,
			created_at, destroyed_at, session_init FROM sessions
			ORDER BY created_at, id LIMIT ?`, limit+1)
	} else {
		cur, cerr := decodeCursor(req.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		rows, err = s.db.QueryContext(qctx, `SELECT id, agent, agent_session_id, last_connection_id,
			created_at, destroyed_at, session_init FROM sessions
			WHERE created_at > ? OR (created_at = ? AND id > ?)
			ORDER BY created_at, id LIMIT ?`, cur.Key, cur.Key, cur.ID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &SessionPage{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		if len(page.Sessions) == limit {
			last := page.Sessions[limit-1]
			page.NextCursor = encodeCursor(last.CreatedAt.UnixNano(), last.ID)
			break
		}
		page.Sessions = append(page.Sessions, *rec)
	}
	return page, rows.Err()
}

func (s *sqliteStore) InsertEvent(ctx context.Context, ev SessionEvent) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("error marshalling event payload: %w", err)
	}

	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(qctx, `INSERT INTO session_events
		(id, session_id, event_index, created_at, connection_id, sender, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.EventIndex, ev.CreatedAt.UnixNano(),
		ev.ConnectionID, string(ev.Sender), payload); err != nil {
		return err
	}

	if s.cfg.maxEventsPerSession > 0 {
		var count int
		if err := tx.QueryRowContext(qctx,
			`SELECT COUNT(*) FROM session_events WHERE session_id = ?`, ev.SessionID).Scan(&count); err != nil {
			return err
		}
		if excess := count - s.cfg.maxEventsPerSession; excess > 0 {
			if _, err := tx.ExecContext(qctx, `DELETE FROM session_events WHERE session_id = ? AND id IN (
				SELECT id FROM session_events WHERE session_id = ? AND id != ?
				ORDER BY event_index, id LIMIT ?)`,
				ev.SessionID, ev.SessionID, ev.ID, excess); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListEvents(ctx context.Context, sessionID string, req ListRequest) (*EventPage, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	limit := s.cfg.pageLimit(req)

	var rows *sql.Rows
	var err error
	if req.Cursor == "" {
		rows, err = s.db.QueryContext(qctx, `SELECT id, session_id, event_index, created_at,
			connection_id, sender, payload FROM session_events WHERE session_id = ?
			ORDER BY event_index, id LIMIT ?`, sessionID, limit+1)
	} else {
		cur, cerr := decodeCursor(req.Cursor)
		if cerr != nil {
			return nil, cerr
		}
		rows, err = s.db.QueryContext(qctx, `SELECT id, session_id, event_index, created_at,
			connection_id, sender, payload FROM session_events WHERE session_id = ?
			AND (event_index > ? OR (event_index = ? AND id > ?))
			ORDER BY event_index, id LIMIT ?`, sessionID, cur.Key, cur.Key, cur.ID, limit+1)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &EventPage{}
	for rows.Next() {
		var ev SessionEvent
		var createdAt int64
		var sender string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.EventIndex, &createdAt,
			&ev.ConnectionID, &sender, &payload); err != nil {
			return nil, err
		}
		ev.CreatedAt = time.Unix(0, createdAt).UTC()
		ev.Sender = Sender(sender)
		if len(payload) > 0 {
			var env acp.Envelope
			if err := json.Unmarshal(payload, &env); err != nil {
				return nil, fmt.Errorf("error decoding event payload: %w", err)
			}
			ev.Payload = &env
		}
		if len(page.Events) == limit {
			last := page.Events[limit-1]
			page.NextCursor = encodeCursor(last.EventIndex, last.ID)
			break
		}
		page.Events = append(page.Events, ev)
	}
	return page, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
