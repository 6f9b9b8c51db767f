// Package transport implements a duplex JSON-RPC channel over plain HTTP:
// outbound envelopes are POSTed one at a time while inbound envelopes arrive
// on a single server-sent-events stream that reconnects and resumes from the
// last delivered event id.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/go-acp/acp"
	"github.com/agentuity/go-common/logger"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ConnectionIDHeader carries the server-issued connection identifier on
	// every request and response of a logical connection.
	ConnectionIDHeader = "x-acp-connection-id"

	lastEventIDHeader = "Last-Event-ID"

	// DefaultReconnectDelay is the pause before reopening the event stream
	// after a clean end, unless the server supplied a retry: field.
	DefaultReconnectDelay = 3 * time.Second

	// DefaultCloseTimeout bounds the best-effort DELETE issued during Close.
	DefaultCloseTimeout = 5 * time.Second
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateIdle State = iota
	StatePosting
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePosting:
		return "posting"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Direction tells an Observer which way an envelope is flowing.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Observer receives a deep copy of every envelope crossing the transport.
// Outbound envelopes are observed before the network write is issued;
// inbound envelopes before they are handed to the consumer. The session
// layer's correlation algorithm depends on this ordering.
type Observer func(dir Direction, env *acp.Envelope)

// Config configures a Transport.
type Config struct {
	// URL is the single HTTP resource path for this logical connection.
	URL string
	// BootstrapQuery is a raw query string appended to the very first POST
	// only. The receiving endpoint uses it to select which backend agent or
	// session namespace to attach to.
	BootstrapQuery string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is required.
	Logger logger.Logger
	// Observer, when set, sees every envelope crossing the transport.
	Observer Observer
	// ReconnectDelay overrides DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// CloseTimeout overrides DefaultCloseTimeout.
	CloseTimeout time.Duration
}

// Transport emulates one duplex JSON-RPC channel over stateless HTTP:
// envelopes go out as POST bodies, come back over a resumable
// text/event-stream GET, and a DELETE releases server state on close.
type Transport struct {
	url            string
	bootstrapQuery string
	client         *http.Client
	logger         logger.Logger
	observer       Observer
	reconnectDelay time.Duration
	closeTimeout   time.Duration

	inbound     chan *acp.Envelope
	inboundOnce sync.Once

	deliverMu     sync.RWMutex
	deliverWG     sync.WaitGroup
	inboundSealed bool

	loopCtx    context.Context
	loopCancel context.CancelFunc

	mu               sync.Mutex
	state            State
	connID           string
	lastEventID      string
	wroteOnce        bool
	bootstrapPending bool
	loopRunning      bool
	termErr          error

	closeOnce sync.Once
	closeDone chan struct{}
}

// New creates a Transport. No network traffic happens until the first Write.
func New(cfg Config) (*Transport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: URL is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("transport: Logger is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	reconnect := cfg.ReconnectDelay
	if reconnect <= 0 {
		reconnect = DefaultReconnectDelay
	}
	closeTimeout := cfg.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:              strings.TrimRight(cfg.URL, "?"),
		bootstrapQuery:   cfg.BootstrapQuery,
		client:           client,
		logger:           cfg.Logger,
		observer:         cfg.Observer,
		reconnectDelay:   reconnect,
		closeTimeout:     closeTimeout,
		inbound:          make(chan *acp.Envelope, 64),
		loopCtx:          ctx,
		loopCancel:       cancel,
		bootstrapPending: cfg.BootstrapQuery != "",
		closeDone:        make(chan struct{}),
	}, nil
}

// Inbound is the stream of envelopes pushed by the backend, including
// synchronous POST replies. It is closed when the transport closes or fails.
func (t *Transport) Inbound() <-chan *acp.Envelope {
	return t.inbound
}

// ConnectionID returns the server-issued connection identifier, or "" before
// the first successful write.
func (t *Transport) ConnectionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connID
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the terminal error after the inbound channel closes, or nil
// for a clean close.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.termErr
}

// Write serializes the envelope and POSTs it. The very first write carries
// the bootstrap query. A 200 response with a JSON-RPC body is delivered
// through the inbound pipeline exactly like a streamed push. After the first
// successful write, the subscription loop is started if not already running.
func (t *Transport) Write(ctx context.Context, env *acp.Envelope) error {
	t.mu.Lock()
	if t.state == StateClosing || t.state == StateClosed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.state == StateIdle {
		t.state = StatePosting
	}
	useBootstrap := t.bootstrapPending
	t.bootstrapPending = false
	connID := t.connID
	t.mu.Unlock()

	restoreBootstrap := func() {
		if useBootstrap {
			t.mu.Lock()
			t.bootstrapPending = true
			t.mu.Unlock()
		}
	}

	// The observer must see the envelope before the network write is issued.
	if t.observer != nil {
		t.observer(Outbound, env.Clone())
	}

	body, err := json.Marshal(env)
	if err != nil {
		restoreBootstrap()
		return fmt.Errorf("transport: error marshalling envelope: %w", err)
	}

	spanCtx, span := tracer.Start(ctx, "acp.transport.write", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	reqURL := t.url
	if useBootstrap {
		reqURL = reqURL + "?" + t.bootstrapQuery
	}
	req, err := http.NewRequestWithContext(spanCtx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		restoreBootstrap()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("transport: error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if connID != "" {
		req.Header.Set(ConnectionIDHeader, connID)
	}

	t.logger.Trace("POST %s (%d bytes)", reqURL, len(body))
	resp, err := t.client.Do(req)
	if err != nil {
		restoreBootstrap()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return fmt.Errorf("transport: error sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		restoreBootstrap()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("transport: error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		restoreBootstrap()
		terr := newError(resp.StatusCode, respBody)
		span.SetStatus(codes.Error, terr.Error())
		return terr
	}

	if id := resp.Header.Get(ConnectionIDHeader); id != "" {
		t.mu.Lock()
		t.connID = id
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.wroteOnce = true
	startLoop := !t.loopRunning && t.connID != "" && t.state == StatePosting
	if startLoop {
		t.loopRunning = true
		t.state = StateStreaming
	}
	t.mu.Unlock()
	if startLoop {
		go t.subscribe()
	}

	// A synchronous reply rides the same inbound pipeline as streamed pushes.
	if resp.StatusCode == http.StatusOK && len(respBody) > 0 {
		var reply acp.Envelope
		if err := json.Unmarshal(respBody, &reply); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("transport: error decoding synchronous reply: %w", err)
		}
		t.deliver(&reply)
	}

	span.SetStatus(codes.Ok, "write complete")
	return nil
}

// deliver hands an inbound envelope to the observer, then the consumer.
func (t *Transport) deliver(env *acp.Envelope) {
	if t.observer != nil {
		t.observer(Inbound, env.Clone())
	}
	t.deliverMu.RLock()
	if t.inboundSealed {
		t.deliverMu.RUnlock()
		return
	}
	t.deliverWG.Add(1)
	t.deliverMu.RUnlock()
	defer t.deliverWG.Done()
	select {
	case t.inbound <- env:
	case <-t.loopCtx.Done():
	}
}

// sealInbound closes the inbound channel once all in-flight deliveries have
// drained. Callers must cancel loopCtx first so blocked senders unblock.
func (t *Transport) sealInbound() {
	t.deliverMu.Lock()
	t.inboundSealed = true
	t.deliverMu.Unlock()
	t.deliverWG.Wait()
	t.inboundOnce.Do(func() { close(t.inbound) })
}

// subscribe runs the inbound subscription loop: a long-lived GET that is
// reopened after every clean stream end, resuming from the last received
// cursor. Only one loop runs per Transport.
func (t *Transport) subscribe() {
	delay := t.reconnectDelay
	for {
		if t.loopCtx.Err() != nil {
			return
		}
		err := t.streamOnce(&delay)
		if err == nil {
			// Stream ended without an explicit close: pause briefly, reopen.
			select {
			case <-time.After(delay):
			case <-t.loopCtx.Done():
				return
			}
			continue
		}
		if t.loopCtx.Err() != nil || errors.Is(err, context.Canceled) {
			// Explicit-close abort.
			return
		}
		t.logger.Error("event stream failed: %s", err)
		t.fail(err)
		return
	}
}

// streamOnce opens one GET cycle and pumps frames until the stream ends.
// A nil return means the stream ended cleanly and should be reopened.
func (t *Transport) streamOnce(delay *time.Duration) error {
	t.mu.Lock()
	connID := t.connID
	cursor := t.lastEventID
	t.mu.Unlock()

	spanCtx, span := tracer.Start(t.loopCtx, "acp.transport.subscribe", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodGet, t.url, nil)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("transport: error creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(ConnectionIDHeader, connID)
	if cursor != "" {
		req.Header.Set(lastEventIDHeader, cursor)
	}

	t.logger.Trace("GET %s (cursor=%q)", t.url, cursor)
	resp, err := t.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		terr := newError(resp.StatusCode, body)
		span.SetStatus(codes.Error, terr.Error())
		return terr
	}

	dec := newSSEDecoder(resp.Body)
	for {
		ev, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				span.SetStatus(codes.Ok, "stream ended")
				return nil
			}
			if t.loopCtx.Err() != nil {
				return context.Canceled
			}
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		if ev.retry > 0 {
			*delay = ev.retry
		}
		if ev.id != "" {
			t.mu.Lock()
			t.lastEventID = ev.id
			t.mu.Unlock()
		}
		if ev.event != "message" || ev.data == "" {
			continue
		}
		var env acp.Envelope
		if err := json.Unmarshal([]byte(ev.data), &env); err != nil {
			t.logger.Warn("dropping undecodable stream event (id=%q): %s", ev.id, err)
			continue
		}
		t.deliver(&env)
	}
}

// fail records a terminal error and fails the inbound consumer.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state != StateClosing && t.state != StateClosed {
		t.state = StateClosed
		t.termErr = err
	}
	t.mu.Unlock()
	t.loopCancel()
	t.sealInbound()
}

// Close is idempotent: concurrent callers all observe the same outcome and
// at most one DELETE is issued. The active stream is aborted; if a write
// ever succeeded, server state is released with a short-timeout DELETE whose
// failure is swallowed. The inbound channel is always closed.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		defer close(t.closeDone)

		t.mu.Lock()
		alreadyDead := t.state == StateClosed
		t.state = StateClosing
		wrote := t.wroteOnce
		connID := t.connID
		t.mu.Unlock()

		t.loopCancel()

		if wrote && connID != "" && !alreadyDead {
			t.teardown(connID)
		}

		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		t.sealInbound()
	})
	<-t.closeDone
	return nil
}

// teardown issues the best-effort DELETE. Failures, including 404 for
// already-released connections, never propagate.
func (t *Transport) teardown(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.closeTimeout)
	defer cancel()

	spanCtx, span := tracer.Start(ctx, "acp.transport.close", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodDelete, t.url, nil)
	if err != nil {
		return
	}
	req.Header.Set(ConnectionIDHeader, connID)
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Debug("teardown DELETE failed: %s", err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	span.SetStatus(codes.Ok, "connection released")
}
