package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/agentuity/go-acp/acp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactory builds a fresh store for one test, already wired for cleanup.
type storeFactory func(t *testing.T, opts ...Option) Store

func testRecord(id string, createdAt time.Time) SessionRecord {
	return SessionRecord{
		ID:               id,
		Agent:            "claude",
		AgentSessionID:   "agent_" + id,
		LastConnectionID: "conn_1",
		CreatedAt:        createdAt,
		SessionInit:      json.RawMessage(`{"cwd":"/tmp"}`),
	}
}

func testEvent(sessionID string, index int64) SessionEvent {
	env, _ := acp.NewNotification(acp.MethodSessionUpdate, map[string]string{"sessionId": "agent_" + sessionID})
	return SessionEvent{
		ID:           fmt.Sprintf("ev_%s_%d", sessionID, index),
		SessionID:    sessionID,
		EventIndex:   index,
		CreatedAt:    time.Unix(1700000000+index, 0).UTC(),
		ConnectionID: "conn_1",
		Sender:       SenderAgent,
		Payload:      env,
	}
}

// runStoreConformance exercises the semantics every driver must share.
func runStoreConformance(t *testing.T, factory storeFactory) {
	ctx := context.Background()

	t.Run("GetSessionNotFound", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetSession(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UpsertRoundTrip", func(t *testing.T) {
		s := factory(t)
		rec := testRecord("s1", time.Unix(100, 0).UTC())
		require.NoError(t, s.UpdateSession(ctx, rec))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, rec.AgentSessionID, got.AgentSessionID)
		assert.JSONEq(t, `{"cwd":"/tmp"}`, string(got.SessionInit))

		// Rebind mutates in place.
		rec.AgentSessionID = "agent_s1_v2"
		rec.LastConnectionID = "conn_2"
		require.NoError(t, s.UpdateSession(ctx, rec))
		got, err = s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "agent_s1_v2", got.AgentSessionID)
		assert.Equal(t, "conn_2", got.LastConnectionID)
	})

	t.Run("SessionEviction", func(t *testing.T) {
		s := factory(t, WithMaxSessions(2))
		require.NoError(t, s.UpdateSession(ctx, testRecord("s100", time.Unix(100, 0).UTC())))
		require.NoError(t, s.InsertEvent(ctx, testEvent("s100", 1)))
		require.NoError(t, s.UpdateSession(ctx, testRecord("s200", time.Unix(200, 0).UTC())))
		require.NoError(t, s.UpdateSession(ctx, testRecord("s300", time.Unix(300, 0).UTC())))

		_, err := s.GetSession(ctx, "s100")
		assert.ErrorIs(t, err, ErrNotFound, "oldest session evicted")
		_, err = s.GetSession(ctx, "s200")
		assert.NoError(t, err)
		_, err = s.GetSession(ctx, "s300")
		assert.NoError(t, err)

		// The evicted session's events are gone too.
		page, err := s.ListEvents(ctx, "s100", ListRequest{})
		require.NoError(t, err)
		assert.Empty(t, page.Events)
	})

	t.Run("EvictionSparesJustWritten", func(t *testing.T) {
		s := factory(t, WithMaxSessions(1))
		require.NoError(t, s.UpdateSession(ctx, testRecord("new", time.Unix(50, 0).UTC())))
		require.NoError(t, s.UpdateSession(ctx, testRecord("newer", time.Unix(500, 0).UTC())))
		// Writing an older-created record must never evict itself.
		require.NoError(t, s.UpdateSession(ctx, testRecord("oldest", time.Unix(10, 0).UTC())))
		_, err := s.GetSession(ctx, "oldest")
		assert.NoError(t, err)
	})

	t.Run("EventTrimming", func(t *testing.T) {
		s := factory(t, WithMaxEventsPerSession(2))
		require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
		for i := int64(1); i <= 3; i++ {
			require.NoError(t, s.InsertEvent(ctx, testEvent("s1", i)))
		}

		page, err := s.ListEvents(ctx, "s1", ListRequest{})
		require.NoError(t, err)
		require.Len(t, page.Events, 2)
		assert.Equal(t, int64(2), page.Events[0].EventIndex)
		assert.Equal(t, int64(3), page.Events[1].EventIndex)
	})

	t.Run("EventTrimmingSparesJustWrittenOldest", func(t *testing.T) {
		s := factory(t, WithMaxEventsPerSession(2))
		require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
		// The late insert sorts oldest; trimming drops the next-oldest
		// instead of stalling over capacity.
		for _, i := range []int64{2, 3, 1} {
			require.NoError(t, s.InsertEvent(ctx, testEvent("s1", i)))
		}

		page, err := s.ListEvents(ctx, "s1", ListRequest{})
		require.NoError(t, err)
		require.Len(t, page.Events, 2)
		assert.Equal(t, int64(1), page.Events[0].EventIndex)
		assert.Equal(t, int64(3), page.Events[1].EventIndex)
	})

	t.Run("EventOrdering", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
		// Insert out of order; reads come back by index.
		for _, i := range []int64{2, 1, 3} {
			require.NoError(t, s.InsertEvent(ctx, testEvent("s1", i)))
		}
		page, err := s.ListEvents(ctx, "s1", ListRequest{})
		require.NoError(t, err)
		require.Len(t, page.Events, 3)
		for i, ev := range page.Events {
			assert.Equal(t, int64(i+1), ev.EventIndex)
		}
	})

	t.Run("SessionPaginationRoundTrip", func(t *testing.T) {
		s := factory(t)
		for i := 0; i < 5; i++ {
			rec := testRecord(fmt.Sprintf("s%d", i), time.Unix(int64(100+i*10), 0).UTC())
			require.NoError(t, s.UpdateSession(ctx, rec))
		}

		all, err := s.ListSessions(ctx, ListRequest{Limit: 100})
		require.NoError(t, err)
		require.Len(t, all.Sessions, 5)
		assert.Empty(t, all.NextCursor)

		// Page one at a time and compare against the single-shot listing.
		var paged []string
		cursor := ""
		for {
			page, err := s.ListSessions(ctx, ListRequest{Cursor: cursor, Limit: 1})
			require.NoError(t, err)
			for _, rec := range page.Sessions {
				paged = append(paged, rec.ID)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		var want []string
		for _, rec := range all.Sessions {
			want = append(want, rec.ID)
		}
		assert.Equal(t, want, paged)
	})

	t.Run("EventPaginationRoundTrip", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
		for i := int64(1); i <= 4; i++ {
			require.NoError(t, s.InsertEvent(ctx, testEvent("s1", i)))
		}

		var indexes []int64
		cursor := ""
		for {
			page, err := s.ListEvents(ctx, "s1", ListRequest{Cursor: cursor, Limit: 2})
			require.NoError(t, err)
			for _, ev := range page.Events {
				indexes = append(indexes, ev.EventIndex)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		assert.Equal(t, []int64{1, 2, 3, 4}, indexes)
	})

	t.Run("InvalidCursorRejected", func(t *testing.T) {
		s := factory(t)
		_, err := s.ListSessions(ctx, ListRequest{Cursor: "not base64!"})
		assert.Error(t, err)
	})

	t.Run("DestroyedAtSurvivesRoundTrip", func(t *testing.T) {
		s := factory(t)
		rec := testRecord("s1", time.Unix(100, 0).UTC())
		destroyed := time.Unix(900, 0).UTC()
		rec.DestroyedAt = &destroyed
		require.NoError(t, s.UpdateSession(ctx, rec))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.DestroyedAt)
		assert.True(t, got.DestroyedAt.Equal(destroyed))
	})

	t.Run("PayloadSurvivesRoundTrip", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
		require.NoError(t, s.InsertEvent(ctx, testEvent("s1", 1)))

		page, err := s.ListEvents(ctx, "s1", ListRequest{})
		require.NoError(t, err)
		require.Len(t, page.Events, 1)
		payload := page.Events[0].Payload
		require.NotNil(t, payload)
		assert.Equal(t, acp.MethodSessionUpdate, payload.Method)
		id, ok := payload.ParamsSessionID()
		require.True(t, ok)
		assert.Equal(t, "agent_s1", id)
	})
}

func TestCursorEncoding(t *testing.T) {
	enc := encodeCursor(42, "abc")
	cur, err := decodeCursor(enc)
	require.NoError(t, err)
	assert.Equal(t, int64(42), cur.Key)
	assert.Equal(t, "abc", cur.ID)

	_, err = decodeCursor("%%%%")
	assert.Error(t, err)
}

func TestForEachSessionPagesAndStopsEarly(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	defer st.Close()

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 5; i++ {
		rec := testRecord(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, st.UpdateSession(ctx, rec))
	}

	var seen []string
	err := ForEachSession(ctx, st, 2, func(rec *SessionRecord) bool {
		seen = append(seen, rec.ID)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s0", "s1", "s2", "s3", "s4"}, seen)

	seen = nil
	err = ForEachSession(ctx, st, 2, func(rec *SessionRecord) bool {
		seen = append(seen, rec.ID)
		return len(seen) < 3
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s0", "s1", "s2"}, seen)
}
