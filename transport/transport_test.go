package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentuity/go-acp/acp"
	"github.com/agentuity/go-common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a minimal duplex-over-HTTP backend for transport tests.
type fakeAgent struct {
	t *testing.T

	mu           sync.Mutex
	postURLs     []string
	postBodies   []acp.Envelope
	lastEventIDs []string
	deletes      int32

	connID string
	// reply, when set, is returned as the synchronous 200 body for POSTs.
	reply func(env *acp.Envelope) *acp.Envelope
	// streams holds one SSE body per GET cycle; once exhausted, GETs block
	// until the client disconnects.
	streams []string
}

func newFakeAgent(t *testing.T) *fakeAgent {
	return &fakeAgent{t: t, connID: "conn_test"}
}

func (a *fakeAgent) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var env acp.Envelope
			require.NoError(a.t, json.NewDecoder(r.Body).Decode(&env))
			a.mu.Lock()
			a.postURLs = append(a.postURLs, r.URL.String())
			a.postBodies = append(a.postBodies, env)
			reply := a.reply
			a.mu.Unlock()

			w.Header().Set(ConnectionIDHeader, a.connID)
			if reply != nil {
				if resp := reply(&env); resp != nil {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusOK)
					json.NewEncoder(w).Encode(resp)
					return
				}
			}
			w.WriteHeader(http.StatusAccepted)

		case http.MethodGet:
			a.mu.Lock()
			a.lastEventIDs = append(a.lastEventIDs, r.Header.Get("Last-Event-ID"))
			var stream string
			if len(a.streams) > 0 {
				stream = a.streams[0]
				a.streams = a.streams[1:]
			} else {
				stream = ""
			}
			a.mu.Unlock()

			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			if stream != "" {
				w.Write([]byte(stream))
				w.(http.Flusher).Flush()
				return
			}
			// No scripted frames: hold the stream open until the client
			// disconnects.
			<-r.Context().Done()

		case http.MethodDelete:
			atomic.AddInt32(&a.deletes, 1)
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

func (a *fakeAgent) recordedLastEventIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.lastEventIDs...)
}

func newTestTransport(t *testing.T, server *httptest.Server, extra ...func(*Config)) *Transport {
	t.Helper()
	cfg := Config{
		URL:            server.URL,
		BootstrapQuery: "agent=test",
		Logger:         logger.NewTestLogger(),
		ReconnectDelay: 10 * time.Millisecond,
		CloseTimeout:   time.Second,
	}
	for _, fn := range extra {
		fn(&cfg)
	}
	tr, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func writeRequest(t *testing.T, tr *Transport, id int64, method string) {
	t.Helper()
	env, err := acp.NewRequest(id, method, map[string]string{"sessionId": "s"})
	require.NoError(t, err)
	require.NoError(t, tr.Write(context.Background(), env))
}

func TestWriteBootstrapQueryOnFirstWriteOnly(t *testing.T) {
	agent := newFakeAgent(t)
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	writeRequest(t, tr, 1, "initialize")
	writeRequest(t, tr, 2, "session/prompt")

	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.postURLs, 2)
	assert.Contains(t, agent.postURLs[0], "agent=test")
	assert.NotContains(t, agent.postURLs[1], "agent=test")
}

func TestWriteCapturesConnectionID(t *testing.T) {
	agent := newFakeAgent(t)
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	assert.Equal(t, "", tr.ConnectionID())
	writeRequest(t, tr, 1, "initialize")
	assert.Equal(t, "conn_test", tr.ConnectionID())
}

func TestWriteSynchronousReplyRidesInboundPipeline(t *testing.T) {
	agent := newFakeAgent(t)
	agent.reply = func(env *acp.Envelope) *acp.Envelope {
		return &acp.Envelope{JSONRPC: acp.Version, ID: env.ID, Result: json.RawMessage(`{"ok":true}`)}
	}
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	writeRequest(t, tr, 1, "initialize")

	select {
	case env := <-tr.Inbound():
		require.NotNil(t, env)
		assert.JSONEq(t, `{"ok":true}`, string(env.Result))
	case <-time.After(2 * time.Second):
		t.Fatal("synchronous reply never delivered")
	}
}

func TestWriteNonSuccessDecodesProblem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"type":"urn:acp:conflict","title":"connection conflict","status":409,"detail":"already attached"}`)
	}))
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	env, err := acp.NewRequest(int64(1), "initialize", nil)
	require.NoError(t, err)
	err = tr.Write(context.Background(), env)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusConflict, terr.Status)
	require.NotNil(t, terr.Problem)
	assert.Equal(t, "connection conflict", terr.Problem.Title)
	assert.Equal(t, "already attached", terr.Problem.Detail)
}

func TestWriteNonSuccessWithoutProblemBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream exploded")
	}))
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	env, err := acp.NewRequest(int64(1), "initialize", nil)
	require.NoError(t, err)
	err = tr.Write(context.Background(), env)

	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusBadGateway, terr.Status)
	assert.Nil(t, terr.Problem)
	assert.Equal(t, "upstream exploded", terr.Body)
}

func TestBootstrapQueryRestoredOnFailedFirstWrite(t *testing.T) {
	var failFirst atomic.Bool
	failFirst.Store(true)
	agent := newFakeAgent(t)
	inner := agent.handler()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && failFirst.Swap(false) {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	env, err := acp.NewRequest(int64(1), "initialize", nil)
	require.NoError(t, err)
	require.Error(t, tr.Write(context.Background(), env))

	// The retry is now the effective first write and must carry the query.
	writeRequest(t, tr, 2, "initialize")
	agent.mu.Lock()
	defer agent.mu.Unlock()
	require.Len(t, agent.postURLs, 1)
	assert.Contains(t, agent.postURLs[0], "agent=test")
}

func TestStreamedEventsDelivered(t *testing.T) {
	agent := newFakeAgent(t)
	agent.streams = []string{
		"id: 1\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"sessionId\":\"s\"}}\n\n" +
			"id: 2\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"sessionId\":\"s\"}}\n\n",
	}
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	writeRequest(t, tr, 1, "initialize")

	for i := 0; i < 2; i++ {
		select {
		case env := <-tr.Inbound():
			require.NotNil(t, env)
			assert.Equal(t, "session/update", env.Method)
		case <-time.After(2 * time.Second):
			t.Fatalf("event %d never delivered", i+1)
		}
	}
}

func TestReconnectResumesFromLastEventID(t *testing.T) {
	agent := newFakeAgent(t)
	agent.streams = []string{
		// First cycle delivers ids 1..3, then the stream ends cleanly.
		"id: 1\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"sessionId\":\"s\"}}\n\n" +
			"id: 2\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"sessionId\":\"s\"}}\n\n" +
			"id: 3\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"sessionId\":\"s\"}}\n\n",
	}
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	writeRequest(t, tr, 1, "initialize")

	for i := 0; i < 3; i++ {
		select {
		case <-tr.Inbound():
		case <-time.After(2 * time.Second):
			t.Fatal("streamed event never delivered")
		}
	}

	// Wait for the reconnect cycle.
	require.Eventually(t, func() bool {
		return len(agent.recordedLastEventIDs()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	ids := agent.recordedLastEventIDs()
	assert.Equal(t, "", ids[0], "first cycle carries no cursor")
	assert.Equal(t, "3", ids[1], "reconnect resumes from the last received id")
}

func TestRetryFieldAdjustsReconnectDelay(t *testing.T) {
	agent := newFakeAgent(t)
	agent.streams = []string{
		"retry: 5\nid: 1\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"session/update\",\"params\":{\"sessionId\":\"s\"}}\n\n",
	}
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server, func(c *Config) {
		// A long default delay: the test only passes quickly if retry: wins.
		c.ReconnectDelay = 30 * time.Second
	})
	writeRequest(t, tr, 1, "initialize")

	select {
	case <-tr.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("streamed event never delivered")
	}
	require.Eventually(t, func() bool {
		return len(agent.recordedLastEventIDs()) >= 2
	}, 2*time.Second, 5*time.Millisecond, "server retry hint should drive the reconnect pause")
}

func TestCloseIdempotentConcurrent(t *testing.T) {
	agent := newFakeAgent(t)
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	writeRequest(t, tr, 1, "initialize")

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tr.Close()
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&agent.deletes), "at most one DELETE")
	assert.Equal(t, StateClosed, tr.State())

	_, open := <-tr.Inbound()
	assert.False(t, open, "inbound channel closed after Close")
}

func TestCloseWithoutWriteSkipsTeardown(t *testing.T) {
	agent := newFakeAgent(t)
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	require.NoError(t, tr.Close())
	assert.Equal(t, int32(0), atomic.LoadInt32(&agent.deletes))
}

func TestWriteAfterCloseFails(t *testing.T) {
	agent := newFakeAgent(t)
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	require.NoError(t, tr.Close())

	env, err := acp.NewRequest(int64(1), "initialize", nil)
	require.NoError(t, err)
	assert.True(t, errors.Is(tr.Write(context.Background(), env), ErrClosed))
}

func TestObserverSeesBothDirectionsInOrder(t *testing.T) {
	agent := newFakeAgent(t)
	agent.reply = func(env *acp.Envelope) *acp.Envelope {
		return &acp.Envelope{JSONRPC: acp.Version, ID: env.ID, Result: json.RawMessage(`{}`)}
	}
	server := httptest.NewServer(agent.handler())
	t.Cleanup(server.Close)

	var mu sync.Mutex
	var seen []Direction
	tr := newTestTransport(t, server, func(c *Config) {
		c.Observer = func(dir Direction, env *acp.Envelope) {
			mu.Lock()
			seen = append(seen, dir)
			mu.Unlock()
		}
	})
	writeRequest(t, tr, 1, "initialize")

	select {
	case <-tr.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("reply never delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(seen), 2)
	assert.Equal(t, Outbound, seen[0], "outbound observed before the write")
	assert.Equal(t, Inbound, seen[1], "inbound observed before the consumer")
}

func TestTerminalStreamFailureClosesInbound(t *testing.T) {
	var posted atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posted.Store(true)
			w.Header().Set(ConnectionIDHeader, "conn_x")
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, `{"type":"urn:acp:forbidden","title":"forbidden"}`)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(server.Close)

	tr := newTestTransport(t, server)
	writeRequest(t, tr, 1, "initialize")

	select {
	case _, open := <-tr.Inbound():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound never closed after stream failure")
	}

	var terr *Error
	require.ErrorAs(t, tr.Err(), &terr)
	assert.Equal(t, http.StatusForbidden, terr.Status)
}
