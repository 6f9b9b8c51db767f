package session

import "time"

const (
	// DefaultReplayMaxEvents bounds how many persisted events a resume
	// renders into the replay transcript.
	DefaultReplayMaxEvents = 200

	// DefaultReplayMaxChars bounds the serialized size of the replay
	// transcript.
	DefaultReplayMaxChars = 16384

	// DefaultProtocolVersion is advertised during initialize.
	DefaultProtocolVersion = 1
)

type config struct {
	replayMaxEvents int
	replayMaxChars  int
	protocolVersion int
	authMethodID    string
	reconnectDelay  time.Duration
}

// Option customizes a Conn.
type Option func(c *config)

func applyOptions(opts []Option) config {
	cfg := config{
		replayMaxEvents: DefaultReplayMaxEvents,
		replayMaxChars:  DefaultReplayMaxChars,
		protocolVersion: DefaultProtocolVersion,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.replayMaxEvents <= 0 {
		cfg.replayMaxEvents = DefaultReplayMaxEvents
	}
	if cfg.replayMaxChars <= 0 {
		cfg.replayMaxChars = DefaultReplayMaxChars
	}
	return cfg
}

// WithReplayMaxEvents caps how many events a resume replays.
func WithReplayMaxEvents(n int) Option {
	return func(c *config) { c.replayMaxEvents = n }
}

// WithReplayMaxChars caps the rendered transcript size in characters.
func WithReplayMaxChars(n int) Option {
	return func(c *config) { c.replayMaxChars = n }
}

// WithProtocolVersion overrides the protocol version sent during initialize.
func WithProtocolVersion(v int) Option {
	return func(c *config) { c.protocolVersion = v }
}

// WithAuthMethod selects the authentication method to attempt when the
// agent advertises it. Authentication is best-effort: a method the agent
// does not advertise, or a failed attempt, is skipped with a warning.
func WithAuthMethod(id string) Option {
	return func(c *config) { c.authMethodID = id }
}

// WithReconnectDelay overrides the transport's reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *config) { c.reconnectDelay = d }
}
