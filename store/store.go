package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentuity/go-acp/acp"
)

// ErrNotFound is returned by GetSession when no record exists for the id.
var ErrNotFound = errors.New("store: session not found")

// Sender identifies which side of the connection produced an event.
type Sender string

const (
	SenderClient Sender = "client"
	SenderAgent  Sender = "agent"
)

// SessionRecord is the durable record of one logical session. ID is
// caller-chosen and stable for the session's lifetime; AgentSessionID and
// LastConnectionID change on every successful (re)bind.
type SessionRecord struct {
	ID               string          `json:"id" msgpack:"id"`
	Agent            string          `json:"agent" msgpack:"agent"`
	AgentSessionID   string          `json:"agentSessionId" msgpack:"agentSessionId"`
	LastConnectionID string          `json:"lastConnectionId" msgpack:"lastConnectionId"`
	CreatedAt        time.Time       `json:"createdAt" msgpack:"createdAt"`
	DestroyedAt      *time.Time      `json:"destroyedAt,omitempty" msgpack:"destroyedAt"`
	SessionInit      json.RawMessage `json:"sessionInit,omitempty" msgpack:"sessionInit"`
}

// clone returns a deep copy so stored records never alias caller memory.
func (r SessionRecord) clone() SessionRecord {
	out := r
	if r.DestroyedAt != nil {
		at := *r.DestroyedAt
		out.DestroyedAt = &at
	}
	if r.SessionInit != nil {
		out.SessionInit = append(json.RawMessage(nil), r.SessionInit...)
	}
	return out
}

// SessionEvent is one envelope observed on a session's connection.
// EventIndex is a strictly increasing per-session integer starting at 1; it
// orders events independent of wall-clock time or storage id.
type SessionEvent struct {
	ID           string        `json:"id" msgpack:"id"`
	SessionID    string        `json:"sessionId" msgpack:"sessionId"`
	EventIndex   int64         `json:"eventIndex" msgpack:"eventIndex"`
	CreatedAt    time.Time     `json:"createdAt" msgpack:"createdAt"`
	ConnectionID string        `json:"connectionId" msgpack:"connectionId"`
	Sender       Sender        `json:"sender" msgpack:"sender"`
	Payload      *acp.Envelope `json:"payload" msgpack:"payload"`
}

func (e SessionEvent) clone() SessionEvent {
	out := e
	if e.Payload != nil {
		out.Payload = e.Payload.Clone()
	}
	return out
}

// ListRequest is a forward-only pagination request. A zero Cursor starts at
// the beginning; a non-positive Limit selects the store's default limit.
type ListRequest struct {
	Cursor string
	Limit  int
}

// SessionPage is one page of session records ordered by (createdAt, id)
// ascending. An empty NextCursor signals end of data.
type SessionPage struct {
	Sessions   []SessionRecord
	NextCursor string
}

// EventPage is one page of events ordered by (eventIndex, id) ascending.
type EventPage struct {
	Events     []SessionEvent
	NextCursor string
}

// Store is the persistence driver contract. Implementations must provide
// identical ordering and eviction semantics:
//
//   - sessions sort by (createdAt, id) ascending, events by (eventIndex, id)
//     ascending, ties broken by id for determinism;
//   - UpdateSession evicts the oldest sessions (and their events) once
//     maxSessions is exceeded, never the record just written;
//   - InsertEvent trims the oldest events for the session once
//     maxEventsPerSession is exceeded, never the event just written.
type Store interface {
	// GetSession returns the record for id, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// ListSessions returns one page of records.
	ListSessions(ctx context.Context, req ListRequest) (*SessionPage, error)
	// UpdateSession upserts a record, creating the session's empty event
	// collection when absent.
	UpdateSession(ctx context.Context, rec SessionRecord) error
	// ListEvents returns one page of events for a session.
	ListEvents(ctx context.Context, sessionID string, req ListRequest) (*EventPage, error)
	// InsertEvent appends one immutable event.
	InsertEvent(ctx context.Context, ev SessionEvent) error
	// Close releases driver resources.
	Close() error
}

// Defaults shared by all drivers.
const (
	DefaultListLimit           = 100
	DefaultMaxSessions         = 1000
	DefaultMaxEventsPerSession = 10000
	DefaultQueryTimeout        = 5 * time.Second
)

// config holds the resolved configuration for a store implementation.
type config struct {
	maxSessions         int
	maxEventsPerSession int
	defaultLimit        int
	queryTimeout        time.Duration
	prefix              string
}

// Option configures a Store implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		maxSessions:         DefaultMaxSessions,
		maxEventsPerSession: DefaultMaxEventsPerSession,
		defaultLimit:        DefaultListLimit,
		queryTimeout:        DefaultQueryTimeout,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithMaxSessions caps how many session records are retained. Defaults to
// DefaultMaxSessions.
func WithMaxSessions(n int) Option {
	return func(c *config) { c.maxSessions = n }
}

// WithMaxEventsPerSession caps how many events are retained per session.
// Defaults to DefaultMaxEventsPerSession.
func WithMaxEventsPerSession(n int) Option {
	return func(c *config) { c.maxEventsPerSession = n }
}

// WithDefaultLimit sets the page size used when a ListRequest carries no
// valid limit. Defaults to DefaultListLimit.
func WithDefaultLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.defaultLimit = n
		}
	}
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores
// (SQLite, Redis). Defaults to DefaultQueryTimeout.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithKeyPrefix sets the key prefix for namespacing store keys. Applies to
// the Redis backend.
func WithKeyPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// pageLimit resolves the effective page size for a request.
func (c config) pageLimit(req ListRequest) int {
	if req.Limit <= 0 {
		return c.defaultLimit
	}
	return req.Limit
}

// ForEachSession pages through every session record in (createdAt, id)
// order, calling fn for each. Iteration stops early when fn returns false.
func ForEachSession(ctx context.Context, s Store, limit int, fn func(rec *SessionRecord) bool) error {
	cursor := ""
	for {
		page, err := s.ListSessions(ctx, ListRequest{Cursor: cursor, Limit: limit})
		if err != nil {
			return err
		}
		for i := range page.Sessions {
			if !fn(&page.Sessions[i]) {
				return nil
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}
