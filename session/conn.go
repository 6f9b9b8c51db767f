package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/agentuity/go-acp/acp"
	"github.com/agentuity/go-acp/rpc"
	"github.com/agentuity/go-acp/store"
	"github.com/agentuity/go-acp/transport"
	"github.com/agentuity/go-common/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrSessionNotFound is returned when no persisted record exists for a
	// local session id.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrNotBound is returned when a local session has no live binding to
	// an agent session and resume could not establish one.
	ErrNotBound = errors.New("session: not bound to this connection")

	// ErrManagerClosed is returned by a Manager after DisposeAll.
	ErrManagerClosed = errors.New("session: manager closed")
)

// Listener receives persisted events for one local session, in event index
// order.
type Listener func(ev *store.SessionEvent)

// Config carries the collaborators a Conn needs.
type Config struct {
	// Agent is the backend agent name this connection is bound to.
	Agent string
	// URL is the HTTP resource path of the backend.
	URL string
	// BootstrapQuery is appended to the first POST. When empty it defaults
	// to "agent=<Agent>".
	BootstrapQuery string
	// Store persists session records and events. Required.
	Store store.Store
	// Logger is required.
	Logger logger.Logger
	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
}

// Conn orchestrates the logical sessions multiplexed over one transport to
// one backend agent. It binds locally-chosen session ids to agent-assigned
// ones, mirrors every envelope crossing the transport into the store as an
// ordered event, and rebuilds remote sessions from the event log when a
// binding goes stale.
type Conn struct {
	agent  string
	cfg    config
	logger logger.Logger
	store  store.Store
	tr     *transport.Transport
	rpc    *rpc.Conn

	// mu guards the binding maps, the correlation table, the
	// pending-new-session FIFO, and the queued replay transcripts.
	// Mutations happen strictly in envelope observation order.
	mu           sync.Mutex
	localToAgent map[string]string
	agentToLocal map[string]string
	pendingReqs  map[string]string
	pendingOrder []string
	pendingNew   []string
	replay       map[string]string

	listenerMu sync.RWMutex
	listeners  map[string][]listenerEntry
	nextToken  int64

	seed    singleflight.Group
	indexMu sync.Mutex
	nextIdx map[string]int64
}

type listenerEntry struct {
	token int64
	fn    Listener
}

// Dial opens the transport, performs the initialize handshake, and attempts
// best-effort authentication if the agent advertises the configured method.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("session: logger is required")
	}
	if cfg.Agent == "" {
		return nil, fmt.Errorf("session: agent is required")
	}
	c := &Conn{
		agent:        cfg.Agent,
		cfg:          applyOptions(opts),
		logger:       cfg.Logger.With(map[string]interface{}{"agent": cfg.Agent}),
		store:        cfg.Store,
		localToAgent: make(map[string]string),
		agentToLocal: make(map[string]string),
		pendingReqs:  make(map[string]string),
		replay:       make(map[string]string),
		listeners:    make(map[string][]listenerEntry),
		nextIdx:      make(map[string]int64),
	}

	bootstrap := cfg.BootstrapQuery
	if bootstrap == "" {
		bootstrap = "agent=" + url.QueryEscape(cfg.Agent)
	}
	tr, err := transport.New(transport.Config{
		URL:            cfg.URL,
		BootstrapQuery: bootstrap,
		HTTPClient:     cfg.HTTPClient,
		Logger:         c.logger,
		Observer:       c.observe,
		ReconnectDelay: c.cfg.reconnectDelay,
	})
	if err != nil {
		return nil, err
	}
	c.tr = tr
	c.rpc = rpc.New(tr, c.logger)

	init, err := c.rpc.Initialize(ctx, &acp.InitializeRequest{
		ProtocolVersion: c.cfg.protocolVersion,
	})
	if err != nil {
		_ = c.rpc.Close()
		return nil, fmt.Errorf("error initializing agent connection: %w", err)
	}
	c.authenticate(ctx, init.AuthMethods)
	return c, nil
}

// authenticate is best-effort: a method the agent does not advertise, or a
// failed attempt, is skipped with a warning rather than failing the dial.
func (c *Conn) authenticate(ctx context.Context, advertised []acp.AuthMethod) {
	if c.cfg.authMethodID == "" {
		return
	}
	for _, m := range advertised {
		if m.ID != c.cfg.authMethodID {
			continue
		}
		if err := c.rpc.Authenticate(ctx, m.ID); err != nil {
			c.logger.Warn("authentication with method %s failed, continuing unauthenticated: %s", m.ID, err)
		}
		return
	}
	c.logger.Debug("agent does not advertise auth method %s, skipping authentication", c.cfg.authMethodID)
}

// Agent returns the backend agent name this connection serves.
func (c *Conn) Agent() string {
	return c.agent
}

// ConnectionID returns the server-issued connection id, empty before the
// first successful write.
func (c *Conn) ConnectionID() string {
	return c.tr.ConnectionID()
}

// HasBoundSession reports whether localID is currently bound to agentID on
// this connection.
func (c *Conn) HasBoundSession(localID, agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localToAgent[localID] == agentID && agentID != ""
}

// Subscribe registers a listener for persisted events belonging to localID.
// Listeners are invoked synchronously, in registration order, after each
// event is persisted. The returned function removes the listener.
func (c *Conn) Subscribe(localID string, fn Listener) func() {
	c.listenerMu.Lock()
	c.nextToken++
	token := c.nextToken
	c.listeners[localID] = append(c.listeners[localID], listenerEntry{token: token, fn: fn})
	c.listenerMu.Unlock()
	return func() {
		c.listenerMu.Lock()
		defer c.listenerMu.Unlock()
		entries := c.listeners[localID]
		for i, e := range entries {
			if e.token == token {
				c.listeners[localID] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// observe is the transport hook. It resolves every envelope crossing the
// transport to the local session that owns it and mirrors it into the store.
func (c *Conn) observe(dir transport.Direction, env *acp.Envelope) {
	localID := c.resolve(dir, env)
	if localID == "" {
		return
	}
	sender := store.SenderClient
	if dir == transport.Inbound {
		sender = store.SenderAgent
	}
	c.persistEvent(localID, sender, env)
}

// resolve implements the dual-path envelope resolution: request-id
// correlation for responses, params-embedded session ids for everything
// else, and the pending-new-session FIFO for session/new requests whose
// agent session id does not exist yet.
func (c *Conn) resolve(dir transport.Direction, env *acp.Envelope) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir == transport.Outbound {
		if env.Method == acp.MethodSessionNew {
			if len(c.pendingNew) == 0 {
				return ""
			}
			localID := c.pendingNew[0]
			c.pendingNew = c.pendingNew[1:]
			if key, ok := acp.IDKey(env.ID); ok {
				c.addPendingLocked(key, localID)
			}
			return localID
		}
		agentID, ok := env.ParamsSessionID()
		if !ok {
			return ""
		}
		localID, ok := c.agentToLocal[agentID]
		if !ok {
			return ""
		}
		if key, ok := acp.IDKey(env.ID); ok {
			c.addPendingLocked(key, localID)
		}
		return localID
	}

	if key, ok := acp.IDKey(env.ID); ok {
		if localID, ok := c.pendingReqs[key]; ok {
			delete(c.pendingReqs, key)
			if agentID, ok := env.ResultSessionID(); ok {
				c.bindLocked(localID, agentID)
			}
			return localID
		}
	}
	if agentID, ok := env.ParamsSessionID(); ok {
		return c.agentToLocal[agentID]
	}
	return ""
}

// maxPendingRequests bounds the correlation table. A request whose response
// never arrives (failed POST, abandoned call) would otherwise leak its entry
// for the connection's lifetime; once full, the oldest outstanding entry is
// dropped.
const maxPendingRequests = 256

// addPendingLocked records a request-id -> local-session mapping, evicting
// the oldest outstanding entry when the table is full. Caller holds mu.
func (c *Conn) addPendingLocked(key, localID string) {
	for len(c.pendingReqs) >= maxPendingRequests && len(c.pendingOrder) > 0 {
		oldest := c.pendingOrder[0]
		c.pendingOrder = c.pendingOrder[1:]
		// Keys already resolved linger in pendingOrder; deleting them
		// again is a no-op and the loop moves on.
		delete(c.pendingReqs, oldest)
	}
	c.pendingReqs[key] = localID
	c.pendingOrder = append(c.pendingOrder, key)
	if len(c.pendingOrder) > 2*maxPendingRequests {
		keep := c.pendingOrder[:0]
		for _, k := range c.pendingOrder {
			if _, ok := c.pendingReqs[k]; ok {
				keep = append(keep, k)
			}
		}
		c.pendingOrder = keep
	}
}

// bindLocked replaces the local<->agent pair atomically. Caller holds mu.
func (c *Conn) bindLocked(localID, agentID string) {
	if old, ok := c.localToAgent[localID]; ok {
		delete(c.agentToLocal, old)
	}
	if old, ok := c.agentToLocal[agentID]; ok {
		delete(c.localToAgent, old)
	}
	c.localToAgent[localID] = agentID
	c.agentToLocal[agentID] = localID
}

func (c *Conn) unbind(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agentID, ok := c.localToAgent[localID]; ok {
		delete(c.agentToLocal, agentID)
		delete(c.localToAgent, localID)
	}
}

func (c *Conn) boundAgentID(localID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agentID, ok := c.localToAgent[localID]
	return agentID, ok
}

// persistEvent clones the envelope, allocates the next event index, writes
// the event, and fans it out to subscribers. Persistence failures are
// logged, never propagated into the transport path.
func (c *Conn) persistEvent(localID string, sender store.Sender, env *acp.Envelope) {
	ctx := context.Background()
	idx, err := c.allocateIndex(ctx, localID)
	if err != nil {
		c.logger.Warn("error allocating event index for session %s: %s", localID, err)
		return
	}
	ev := store.SessionEvent{
		ID:           uuid.NewString(),
		SessionID:    localID,
		EventIndex:   idx,
		CreatedAt:    time.Now(),
		ConnectionID: c.tr.ConnectionID(),
		Sender:       sender,
		Payload:      env.Clone(),
	}
	if err := c.store.InsertEvent(ctx, ev); err != nil {
		c.logger.Warn("error persisting event %d for session %s: %s", idx, localID, err)
		return
	}
	c.listenerMu.RLock()
	entries := c.listeners[localID]
	c.listenerMu.RUnlock()
	for _, e := range entries {
		e.fn(&ev)
	}
}

// allocateIndex hands out the next per-session event index, seeding the
// counter on first use by scanning the persisted log for the session's
// maximum index. Concurrent first uses share a single scan.
func (c *Conn) allocateIndex(ctx context.Context, sessionID string) (int64, error) {
	for {
		c.indexMu.Lock()
		if n, ok := c.nextIdx[sessionID]; ok {
			c.nextIdx[sessionID] = n + 1
			c.indexMu.Unlock()
			return n, nil
		}
		c.indexMu.Unlock()

		_, err, _ := c.seed.Do(sessionID, func() (interface{}, error) {
			c.indexMu.Lock()
			_, seeded := c.nextIdx[sessionID]
			c.indexMu.Unlock()
			if seeded {
				return nil, nil
			}
			var max int64
			cursor := ""
			for {
				page, err := c.store.ListEvents(ctx, sessionID, store.ListRequest{Cursor: cursor})
				if err != nil {
					return nil, err
				}
				for _, ev := range page.Events {
					if ev.EventIndex > max {
						max = ev.EventIndex
					}
				}
				if page.NextCursor == "" {
					break
				}
				cursor = page.NextCursor
			}
			c.indexMu.Lock()
			c.nextIdx[sessionID] = max + 1
			c.indexMu.Unlock()
			return nil, nil
		})
		if err != nil {
			return 0, err
		}
	}
}

// CreateSession creates a fresh agent-side session bound to localID and
// persists its record. localID is caller-chosen and must be unique per
// store.
func (c *Conn) CreateSession(ctx context.Context, localID string, init *acp.NewSessionRequest) (*store.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "session.create")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", localID), attribute.String("agent", c.agent))

	if init == nil {
		init = &acp.NewSessionRequest{}
	}

	c.mu.Lock()
	c.pendingNew = append(c.pendingNew, localID)
	c.mu.Unlock()

	resp, err := c.rpc.NewSession(ctx, init)
	if err != nil {
		c.dropPendingNew(localID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "session create failed")
		return nil, fmt.Errorf("error creating session %s: %w", localID, err)
	}

	c.mu.Lock()
	c.bindLocked(localID, resp.SessionID)
	c.mu.Unlock()

	initRaw, err := json.Marshal(init)
	if err != nil {
		return nil, err
	}
	rec := store.SessionRecord{
		ID:               localID,
		Agent:            c.agent,
		AgentSessionID:   resp.SessionID,
		LastConnectionID: c.tr.ConnectionID(),
		CreatedAt:        time.Now(),
		SessionInit:      initRaw,
	}
	if err := c.store.UpdateSession(ctx, rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session record persist failed")
		return nil, fmt.Errorf("error persisting session %s: %w", localID, err)
	}
	span.SetStatus(codes.Ok, "")
	return &rec, nil
}

// dropPendingNew removes localID from the FIFO if the failed session/new
// never made it onto the wire.
func (c *Conn) dropPendingNew(localID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range c.pendingNew {
		if id == localID {
			c.pendingNew = append(c.pendingNew[:i:i], c.pendingNew[i+1:]...)
			return
		}
	}
}

// ResumeSession rebuilds the agent-side session for localID on this
// connection. If the persisted record already points at the live connection
// and the binding is intact, it is a no-op. Otherwise the persisted event
// log is rendered into a replay transcript, a fresh agent session is
// created, and the transcript is queued to be spliced into the next prompt
// for localID.
func (c *Conn) ResumeSession(ctx context.Context, localID string) (*store.SessionRecord, error) {
	ctx, span := tracer.Start(ctx, "session.resume")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", localID), attribute.String("agent", c.agent))

	rec, err := c.store.GetSession(ctx, localID)
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, localID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session load failed")
		return nil, err
	}

	connID := c.tr.ConnectionID()
	c.mu.Lock()
	intact := connID != "" && rec.LastConnectionID == connID &&
		rec.AgentSessionID != "" && c.localToAgent[localID] == rec.AgentSessionID
	c.mu.Unlock()
	if intact {
		span.SetStatus(codes.Ok, "binding intact")
		return rec, nil
	}

	events, truncated, err := c.collectReplayEvents(ctx, localID)
	if err != nil {
		// Resume proceeds with an empty transcript rather than failing.
		c.logger.Warn("error collecting replay events for session %s, resuming without transcript: %s", localID, err)
		events, truncated = nil, false
	}
	transcript := renderTranscript(events, truncated, c.cfg.replayMaxChars)

	var init acp.NewSessionRequest
	if len(rec.SessionInit) > 0 {
		if err := json.Unmarshal(rec.SessionInit, &init); err != nil {
			c.logger.Warn("error decoding stored session init for %s, using defaults: %s", localID, err)
			init = acp.NewSessionRequest{}
		}
	}

	c.mu.Lock()
	c.pendingNew = append(c.pendingNew, localID)
	c.mu.Unlock()

	resp, err := c.rpc.NewSession(ctx, &init)
	if err != nil {
		c.dropPendingNew(localID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "session rebuild failed")
		return nil, fmt.Errorf("error resuming session %s: %w", localID, err)
	}

	c.mu.Lock()
	c.bindLocked(localID, resp.SessionID)
	if transcript != "" {
		c.replay[localID] = transcript
	}
	c.mu.Unlock()

	rec.AgentSessionID = resp.SessionID
	rec.LastConnectionID = c.tr.ConnectionID()
	if err := c.store.UpdateSession(ctx, *rec); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session record persist failed")
		return nil, fmt.Errorf("error persisting session %s: %w", localID, err)
	}
	span.SetStatus(codes.Ok, "")
	return rec, nil
}

// collectReplayEvents pages through the persisted log keeping a sliding
// window of the most recent replayMaxEvents events.
func (c *Conn) collectReplayEvents(ctx context.Context, localID string) ([]store.SessionEvent, bool, error) {
	var window []store.SessionEvent
	truncated := false
	cursor := ""
	for {
		page, err := c.store.ListEvents(ctx, localID, store.ListRequest{Cursor: cursor})
		if err != nil {
			return nil, false, err
		}
		for _, ev := range page.Events {
			window = append(window, ev)
			if len(window) > c.cfg.replayMaxEvents {
				window = window[1:]
				truncated = true
			}
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	return window, truncated, nil
}

// takeReplay consumes the queued transcript for localID, if any.
func (c *Conn) takeReplay(localID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.replay[localID]
	delete(c.replay, localID)
	return t
}

// SendSessionMethod sends a session-scoped request for localID, resolving
// and substituting the agent session id into params. If the persisted record
// is not bound to the live connection, the session is resumed first (exactly
// once, not in a loop). For session/prompt a queued replay transcript
// is prepended as a leading text block and consumed. Returns the refreshed
// record and the raw result.
func (c *Conn) SendSessionMethod(ctx context.Context, localID, method string, params map[string]interface{}) (*store.SessionRecord, json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "session.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", localID),
		attribute.String("rpc.method", method),
	)

	rec, err := c.store.GetSession(ctx, localID)
	if err == store.ErrNotFound {
		return nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, localID)
	}
	if err != nil {
		return nil, nil, err
	}

	agentID, bound := c.boundAgentID(localID)
	if !bound || agentID != rec.AgentSessionID || rec.LastConnectionID != c.tr.ConnectionID() {
		if rec, err = c.ResumeSession(ctx, localID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "resume failed")
			return nil, nil, err
		}
		if agentID, bound = c.boundAgentID(localID); !bound {
			return nil, nil, fmt.Errorf("session %s: %w", localID, ErrNotBound)
		}
	}

	if params == nil {
		params = make(map[string]interface{})
	}
	params["sessionId"] = agentID
	if method == acp.MethodSessionPrompt {
		if transcript := c.takeReplay(localID); transcript != "" {
			params["prompt"] = prependTranscript(params["prompt"], transcript)
		}
	}

	raw, err := c.rpc.CallRaw(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "call failed")
		return nil, nil, err
	}

	refreshed, err := c.store.GetSession(ctx, localID)
	if err != nil {
		// The call itself succeeded; fall back to the record we have.
		c.logger.Warn("error reloading session %s after %s: %s", localID, method, err)
		refreshed = rec
	}
	span.SetStatus(codes.Ok, "")
	return refreshed, raw, nil
}

// Prompt sends a session/prompt turn for localID.
func (c *Conn) Prompt(ctx context.Context, localID string, blocks []acp.ContentBlock) (*store.SessionRecord, *acp.PromptResponse, error) {
	rec, raw, err := c.SendSessionMethod(ctx, localID, acp.MethodSessionPrompt, map[string]interface{}{
		"prompt": blocks,
	})
	if err != nil {
		return nil, nil, err
	}
	var resp acp.PromptResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, nil, fmt.Errorf("error decoding prompt result: %w", err)
		}
	}
	return rec, &resp, nil
}

// SetMode switches the agent-side mode for localID.
func (c *Conn) SetMode(ctx context.Context, localID, modeID string) (*store.SessionRecord, error) {
	rec, _, err := c.SendSessionMethod(ctx, localID, acp.MethodSessionSetMode, map[string]interface{}{
		"modeId": modeID,
	})
	return rec, err
}

// Cancel signals the backend to stop the in-flight turn for localID. It
// does not abort the underlying HTTP exchange.
func (c *Conn) Cancel(ctx context.Context, localID string) error {
	agentID, ok := c.boundAgentID(localID)
	if !ok {
		return fmt.Errorf("session %s: %w", localID, ErrNotBound)
	}
	return c.rpc.Cancel(ctx, agentID)
}

// DestroySession marks the record destroyed and drops the live binding. The
// record and its events remain listable until capacity eviction removes
// them.
func (c *Conn) DestroySession(ctx context.Context, localID string) error {
	rec, err := c.store.GetSession(ctx, localID)
	if err == store.ErrNotFound {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, localID)
	}
	if err != nil {
		return err
	}
	c.unbind(localID)
	c.mu.Lock()
	delete(c.replay, localID)
	c.mu.Unlock()
	now := time.Now()
	rec.DestroyedAt = &now
	return c.store.UpdateSession(ctx, *rec)
}

// Close tears down the transport. Idempotent.
func (c *Conn) Close() error {
	return c.rpc.Close()
}
