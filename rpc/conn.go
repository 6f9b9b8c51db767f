// Package rpc provides typed JSON-RPC calls over a duplex transport. It owns
// request-id correlation: each call writes one request envelope and resolves
// when the correlated response arrives, or rejects with the JSON-RPC error
// object. Inbound envelopes that are not responses are handed to the
// notification handler.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/agentuity/go-acp/acp"
	"github.com/agentuity/go-common/logger"
)

// ErrClosed is returned by calls issued after the underlying transport has
// closed.
var ErrClosed = errors.New("rpc: connection closed")

// Transport is the duplex channel a Conn drives. *transport.Transport
// satisfies it.
type Transport interface {
	Write(ctx context.Context, env *acp.Envelope) error
	Inbound() <-chan *acp.Envelope
	Err() error
	Close() error
	ConnectionID() string
}

// Handler receives inbound requests and notifications that are not
// correlated responses.
type Handler func(env *acp.Envelope)

// Conn correlates JSON-RPC requests with responses over a Transport.
type Conn struct {
	t      Transport
	logger logger.Logger

	nextID atomic.Int64

	mu      sync.Mutex
	pending map[string]chan *acp.Envelope

	handlerMu sync.RWMutex
	handler   Handler

	done chan struct{}
}

// New creates a Conn and starts its inbound pump.
func New(t Transport, log logger.Logger) *Conn {
	c := &Conn{
		t:       t,
		logger:  log,
		pending: make(map[string]chan *acp.Envelope),
		done:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// SetHandler registers the handler for inbound requests and notifications.
// Only one handler is active; subsequent calls replace it.
func (c *Conn) SetHandler(fn Handler) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

// ConnectionID returns the transport's server-issued connection identifier.
func (c *Conn) ConnectionID() string {
	return c.t.ConnectionID()
}

// Close closes the underlying transport. Idempotent.
func (c *Conn) Close() error {
	return c.t.Close()
}

func (c *Conn) pump() {
	for env := range c.t.Inbound() {
		if env.Kind() != acp.KindResponse {
			c.handlerMu.RLock()
			fn := c.handler
			c.handlerMu.RUnlock()
			if fn != nil {
				fn(env)
			}
			continue
		}
		key, ok := acp.IDKey(env.ID)
		if !ok {
			continue
		}
		c.mu.Lock()
		ch := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()
		if ch == nil {
			c.logger.Debug("uncorrelated response for id %v", env.ID)
			continue
		}
		ch <- env
	}
	close(c.done)
}

func (c *Conn) closedErr() error {
	if err := c.t.Err(); err != nil {
		return err
	}
	return ErrClosed
}

// Call writes one request envelope and blocks until the correlated response
// arrives, the context expires, or the connection closes. A JSON-RPC error
// object rejects the call as *acp.RPCError.
func (c *Conn) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := c.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("rpc: error decoding %s result: %w", method, err)
		}
	}
	return nil
}

// CallRaw is Call without result decoding; it returns the raw result payload.
func (c *Conn) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	env, err := acp.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	key, _ := acp.IDKey(id)

	ch := make(chan *acp.Envelope, 1)
	c.mu.Lock()
	c.pending[key] = ch
	c.mu.Unlock()
	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, key)
		c.mu.Unlock()
	}

	if err := c.t.Write(ctx, env); err != nil {
		cleanup()
		return nil, err
	}

	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.done:
		cleanup()
		return nil, c.closedErr()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

// Notify writes one notification envelope. It does not wait for anything.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	env, err := acp.NewNotification(method, params)
	if err != nil {
		return err
	}
	return c.t.Write(ctx, env)
}

// Initialize negotiates the protocol with the backend.
func (c *Conn) Initialize(ctx context.Context, req *acp.InitializeRequest) (*acp.InitializeResponse, error) {
	var resp acp.InitializeResponse
	if err := c.Call(ctx, acp.MethodInitialize, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Authenticate performs one advertised authentication method.
func (c *Conn) Authenticate(ctx context.Context, methodID string) error {
	return c.Call(ctx, acp.MethodAuthenticate, &acp.AuthenticateRequest{MethodID: methodID}, nil)
}

// NewSession creates a fresh agent-side session.
func (c *Conn) NewSession(ctx context.Context, req *acp.NewSessionRequest) (*acp.NewSessionResponse, error) {
	var resp acp.NewSessionResponse
	if err := c.Call(ctx, acp.MethodSessionNew, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// LoadSession asks the backend to load one of its own persisted sessions.
func (c *Conn) LoadSession(ctx context.Context, req *acp.LoadSessionRequest) error {
	return c.Call(ctx, acp.MethodSessionLoad, req, nil)
}

// Prompt sends one prompt turn and blocks until the turn completes.
func (c *Conn) Prompt(ctx context.Context, req *acp.PromptRequest) (*acp.PromptResponse, error) {
	var resp acp.PromptResponse
	if err := c.Call(ctx, acp.MethodSessionPrompt, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetMode switches the agent session mode.
func (c *Conn) SetMode(ctx context.Context, req *acp.SetModeRequest) error {
	return c.Call(ctx, acp.MethodSessionSetMode, req, nil)
}

// Cancel signals the backend to stop the in-flight turn for a session. It is
// a notification: it does not abort the underlying HTTP exchange.
func (c *Conn) Cancel(ctx context.Context, agentSessionID string) error {
	return c.Notify(ctx, acp.MethodSessionCancel, &acp.CancelNotification{SessionID: agentSessionID})
}
