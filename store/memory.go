package store

import (
	"context"
	"sort"
	"sync"
)

// memoryStore is the in-process bounded store: maps guarded by a mutex,
// records and payloads copied on the way in and out.
type memoryStore struct {
	mu       sync.Mutex
	cfg      config
	sessions map[string]*SessionRecord
	events   map[string][]SessionEvent
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns an in-memory bounded Store. Contents are lost on process
// restart.
func NewMemory(opts ...Option) Store {
	return &memoryStore{
		cfg:      applyOptions(opts),
		sessions: make(map[string]*SessionRecord),
		events:   make(map[string][]SessionEvent),
	}
}

func (m *memoryStore) GetSession(_ context.Context, id string) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec.clone()
	return &out, nil
}

func (m *memoryStore) UpdateSession(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := rec.clone()
	m.sessions[rec.ID] = &stored
	if _, ok := m.events[rec.ID]; !ok {
		m.events[rec.ID] = nil
	}
	m.evictLocked(rec.ID)
	return nil
}

// evictLocked removes the oldest sessions by (createdAt, id) until the count
// is within maxSessions, never touching the record just written.
func (m *memoryStore) evictLocked(justWritten string) {
	if m.cfg.maxSessions <= 0 {
		return
	}
	for len(m.sessions) > m.cfg.maxSessions {
		oldest := ""
		var oldestKey int64
		for id, rec := range m.sessions {
			if id == justWritten {
				continue
			}
			key := rec.CreatedAt.UnixNano()
			if oldest == "" || key < oldestKey || (key == oldestKey && id < oldest) {
				oldest = id
				oldestKey = key
			}
		}
		if oldest == "" {
			return
		}
		delete(m.sessions, oldest)
		delete(m.events, oldest)
	}
}

func (m *memoryStore) ListSessions(_ context.Context, req ListRequest) (*SessionPage, error) {
	limit := m.cfg.pageLimit(req)

	var cur cursor
	hasCursor := req.Cursor != ""
	if hasCursor {
		var err error
		if cur, err = decodeCursor(req.Cursor); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	all := make([]SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		all = append(all, rec.clone())
	}
	m.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		ki, kj := all[i].CreatedAt.UnixNano(), all[j].CreatedAt.UnixNano()
		if ki != kj {
			return ki < kj
		}
		return all[i].ID < all[j].ID
	})

	page := &SessionPage{}
	for _, rec := range all {
		if hasCursor && !cur.after(rec.CreatedAt.UnixNano(), rec.ID) {
			continue
		}
		if len(page.Sessions) == limit {
			last := page.Sessions[limit-1]
			page.NextCursor = encodeCursor(last.CreatedAt.UnixNano(), last.ID)
			return page, nil
		}
		page.Sessions = append(page.Sessions, rec)
	}
	return page, nil
}

func (m *memoryStore) InsertEvent(_ context.Context, ev SessionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := ev.clone()
	list := m.events[ev.SessionID]

	// Events almost always arrive in index order; find the insertion point
	// from the tail for the rare out-of-order case.
	pos := len(list)
	for pos > 0 {
		prev := list[pos-1]
		if prev.EventIndex < stored.EventIndex ||
			(prev.EventIndex == stored.EventIndex && prev.ID < stored.ID) {
			break
		}
		pos--
	}
	list = append(list, SessionEvent{})
	copy(list[pos+1:], list[pos:])
	list[pos] = stored

	if m.cfg.maxEventsPerSession > 0 {
		// Drop the oldest until within capacity, never the event just
		// written even when it sorts first.
		for len(list) > m.cfg.maxEventsPerSession {
			i := 0
			if list[i].ID == stored.ID {
				i++
				if i >= len(list) {
					break
				}
			}
			list = append(list[:i], list[i+1:]...)
		}
	}
	m.events[ev.SessionID] = list
	return nil
}

func (m *memoryStore) ListEvents(_ context.Context, sessionID string, req ListRequest) (*EventPage, error) {
	limit := m.cfg.pageLimit(req)

	var cur cursor
	hasCursor := req.Cursor != ""
	if hasCursor {
		var err error
		if cur, err = decodeCursor(req.Cursor); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	list := m.events[sessionID]
	snapshot := make([]SessionEvent, 0, len(list))
	for _, ev := range list {
		snapshot = append(snapshot, ev.clone())
	}
	m.mu.Unlock()

	page := &EventPage{}
	for _, ev := range snapshot {
		if hasCursor && !cur.after(ev.EventIndex, ev.ID) {
			continue
		}
		if len(page.Events) == limit {
			last := page.Events[limit-1]
			page.NextCursor = encodeCursor(last.EventIndex, last.ID)
			return page, nil
		}
		page.Events = append(page.Events, ev)
	}
	return page, nil
}

func (m *memoryStore) Close() error {
	return nil
}
