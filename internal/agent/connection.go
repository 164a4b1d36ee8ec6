// ABOUTME: Represents a single connected agent and its duplex transport.
// ABOUTME: Owns liveness state, timestamps, and the outbound send path.

package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Transport abstracts the duplex channel to one agent. The production
// implementation wraps a WebSocket connection; tests substitute an in-memory
// double.
type Transport interface {
	// Write delivers one complete message frame. It must be safe to call
	// from multiple goroutines.
	Write(data []byte) error
	// Close tears the channel down with a protocol-level code and reason.
	// Closing an already-closed transport must not error.
	Close(code int, reason string) error
	// Open reports whether the channel can still carry frames.
	Open() bool
}

// Connection wraps one live transport to one agent.
type Connection struct {
	ID         string
	Credential string

	ConnectedSince time.Time

	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	lastSeen time.Time
	closed   bool
}

// NewConnection creates a Connection over an admitted transport.
func NewConnection(id, credential string, t Transport, logger *slog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:             id,
		Credential:     credential,
		ConnectedSince: now,
		transport:      t,
		logger:         logger,
		lastSeen:       now,
	}
}

// Send marshals v and writes it to the transport. It reports delivery at the
// transport level only: false means the transport was not open or the write
// failed, and the connection is marked not-alive. Send never returns an error
// to the caller so broadcast fan-out can treat each recipient independently.
func (c *Connection) Send(v any) bool {
	if !c.IsAlive() {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("marshaling outbound message", "agent_id", c.ID, "error", err)
		return false
	}

	if err := c.transport.Write(data); err != nil {
		c.logger.Warn("write to agent failed, marking dead", "agent_id", c.ID, "error", err)
		c.markClosed()
		return false
	}
	return true
}

// IsAlive reports whether the connection can still be sent to. Both the
// transport-open state and the explicit not-torn-down flag must hold.
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.transport.Open()
}

// Touch records activity from the agent. Called on every inbound application
// message and on every transport-level liveness response.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// LastSeen returns the time of the most recent activity.
func (c *Connection) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

// Close tears the transport down. Idempotent; the alive flag is cleared even
// if the transport close fails.
func (c *Connection) Close(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.transport.Close(code, reason); err != nil {
		c.logger.Debug("closing agent transport", "agent_id", c.ID, "error", err)
	}
}

// MarkDisconnected flips the connection not-alive without touching the
// transport, for use when the transport reported its own closure.
func (c *Connection) MarkDisconnected() {
	c.markClosed()
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
