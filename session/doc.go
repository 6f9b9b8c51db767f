// Package session orchestrates logical agent sessions over duplex-over-HTTP
// connections. Each Conn owns one transport to one backend agent, binds
// caller-chosen local session ids to agent-assigned ones, mirrors every
// envelope into the store as an ordered event log, and transparently
// rebuilds agent-side sessions from that log when a binding goes stale. A
// Manager caches one Conn per agent name.
package session
