package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreConformance(t *testing.T) {
	runStoreConformance(t, func(t *testing.T, opts ...Option) Store {
		s := NewMemory(opts...)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMemoryStoreNoAliasing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	rec := testRecord("s1", time.Unix(100, 0).UTC())
	require.NoError(t, s.UpdateSession(ctx, rec))

	// Mutating the caller's copy must not leak into the store.
	rec.AgentSessionID = "tampered"
	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "agent_s1", got.AgentSessionID)

	// Mutating a returned record must not leak either.
	got.Agent = "tampered"
	again, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "claude", again.Agent)
}

func TestMemoryStoreEventPayloadNoAliasing(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	defer s.Close()

	require.NoError(t, s.UpdateSession(ctx, testRecord("s1", time.Unix(100, 0).UTC())))
	ev := testEvent("s1", 1)
	require.NoError(t, s.InsertEvent(ctx, ev))

	ev.Payload.Params[0] = 'X'
	page, err := s.ListEvents(ctx, "s1", ListRequest{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	_, ok := page.Events[0].Payload.ParamsSessionID()
	assert.True(t, ok, "stored payload unaffected by caller mutation")
}
