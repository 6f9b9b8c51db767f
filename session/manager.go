package session

import (
	"context"
	"net/http"
	"sync"

	"github.com/agentuity/go-acp/store"
	"github.com/agentuity/go-common/logger"
	"golang.org/x/sync/errgroup"
)

// ManagerConfig carries the shared collaborators for all agent connections.
type ManagerConfig struct {
	// URL is the HTTP resource path of the backend.
	URL string
	// Store persists session records and events. Required.
	Store store.Store
	// Logger is required.
	Logger logger.Logger
	// HTTPClient is used for all requests. If nil, http.DefaultClient.
	HTTPClient *http.Client
}

// Manager is the registry of agent connections. One Conn per distinct agent
// name is created lazily on first use and cached until DisposeAll.
type Manager struct {
	cfg  ManagerConfig
	opts []Option

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
}

// NewManager creates an empty registry. Options apply to every connection
// it dials.
func NewManager(cfg ManagerConfig, opts ...Option) *Manager {
	return &Manager{
		cfg:   cfg,
		opts:  opts,
		conns: make(map[string]*Conn),
	}
}

// Connection returns the cached Conn for agent, dialing one if needed.
// Concurrent callers for the same agent share a single dial.
func (m *Manager) Connection(ctx context.Context, agent string) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if c, ok := m.conns[agent]; ok {
		return c, nil
	}
	c, err := Dial(ctx, Config{
		Agent:      agent,
		URL:        m.cfg.URL,
		Store:      m.cfg.Store,
		Logger:     m.cfg.Logger,
		HTTPClient: m.cfg.HTTPClient,
	}, m.opts...)
	if err != nil {
		return nil, err
	}
	m.conns[agent] = c
	return c, nil
}

// Evict closes and removes the connection for agent, if one is cached.
func (m *Manager) Evict(agent string) error {
	m.mu.Lock()
	c, ok := m.conns[agent]
	delete(m.conns, agent)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

// DisposeAll closes every cached connection and awaits each close. The
// manager rejects new connections afterwards.
func (m *Manager) DisposeAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*Conn)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range conns {
		c := c
		g.Go(func() error {
			return c.Close()
		})
	}
	return g.Wait()
}
