// ABOUTME: Process-local registry of connected agents and credential groups.
// ABOUTME: Routes inbound messages to handlers or group broadcast; mirrors ownership to the directory.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/relaygate/relaygate/internal/directory"
	"github.com/relaygate/relaygate/internal/metrics"
)

// ErrDuplicateID indicates an agent with the same id is already connected to
// this instance.
var ErrDuplicateID = errors.New("agent id already connected")

// ErrNotConnected indicates the agent is not connected anywhere the gateway
// can see.
var ErrNotConnected = errors.New("agent not connected")

// ElsewhereError reports that an agent is connected, but to a different
// gateway instance. The gateway detects this condition and surfaces it to
// callers; it never forwards across instances.
type ElsewhereError struct {
	ID       string
	Instance string
}

func (e *ElsewhereError) Error() string {
	return fmt.Sprintf("agent %s is connected to instance %s", e.ID, e.Instance)
}

// directoryTimeout bounds the fire-and-forget directory calls so a hung
// store cannot pile up goroutines.
const directoryTimeout = 5 * time.Second

// Manager is the process-local authority on connected agents. It owns the
// connection and group maps under one coarse lock, dispatches inbound
// messages, and mirrors registration state into the distributed directory.
// The mirror is best-effort: directory failures are logged and never fail an
// admission or removal.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*Connection
	groups      map[string]map[string]struct{}

	router  *Router
	dir     directory.Directory
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewManager creates a Manager backed by the given directory.
func NewManager(dir directory.Directory, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		connections: make(map[string]*Connection),
		groups:      make(map[string]map[string]struct{}),
		router:      NewRouter(),
		dir:         dir,
		metrics:     m,
		logger:      logger,
	}
}

// Admit registers a new agent connection. Returns ErrDuplicateID if the id is
// already connected locally; the caller is responsible for closing the
// rejected transport with the duplicate close code. The directory mirror is
// written asynchronously.
func (m *Manager) Admit(t Transport, id, credential string) (*Connection, error) {
	m.mu.Lock()
	if _, exists := m.connections[id]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateID
	}

	conn := NewConnection(id, credential, t, m.logger)
	m.connections[id] = conn
	group, ok := m.groups[credential]
	if !ok {
		group = make(map[string]struct{})
		m.groups[credential] = group
	}
	group[id] = struct{}{}
	total := len(m.connections)
	m.mu.Unlock()

	m.metrics.AgentConnected()
	m.logger.Info("agent connected",
		"agent_id", id,
		"credential", truncateCredential(credential),
		"total_agents", total,
	)

	m.mirror("register", id, credential, func(ctx context.Context) error {
		return m.dir.Register(ctx, id, credential)
	})
	return conn, nil
}

// Remove deletes an agent from the registry and its credential group,
// dropping the group entirely once empty. Removing an absent id is a no-op.
// Directory deletion is mirrored asynchronously.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	conn, exists := m.connections[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.connections, id)
	credential := conn.Credential
	if group, ok := m.groups[credential]; ok {
		delete(group, id)
		if len(group) == 0 {
			delete(m.groups, credential)
		}
	}
	total := len(m.connections)
	m.mu.Unlock()

	m.metrics.AgentDisconnected()
	m.logger.Info("agent disconnected", "agent_id", id, "total_agents", total)

	m.mirror("remove", id, credential, func(ctx context.Context) error {
		return m.dir.Remove(ctx, id, credential)
	})
}

// Get returns the local connection for an agent id. On a local miss it
// consults the directory: if a different instance owns the id the returned
// error is an *ElsewhereError; otherwise ErrNotConnected. Directory lookup
// failures degrade to ErrNotConnected with a logged warning.
func (m *Manager) Get(ctx context.Context, id string) (*Connection, error) {
	m.mu.RLock()
	conn, ok := m.connections[id]
	m.mu.RUnlock()
	if ok {
		return conn, nil
	}

	owner, err := m.dir.Owner(ctx, id)
	if err != nil {
		m.logger.Warn("directory lookup failed", "agent_id", id, "error", err)
		return nil, ErrNotConnected
	}
	if owner != "" && owner != m.dir.InstanceID() {
		m.logger.Info("agent connected elsewhere", "agent_id", id, "instance", owner)
		return nil, &ElsewhereError{ID: id, Instance: owner}
	}
	return nil, ErrNotConnected
}

// ListConnected returns the sorted ids of live local connections admitted
// with the credential. Only this instance's view is authoritative here.
func (m *Manager) ListConnected(credential string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.groups[credential]))
	for id := range m.groups[credential] {
		if conn, ok := m.connections[id]; ok && conn.IsAlive() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends a message to every live member of the sender's credential
// group except the sender. Individual send failures are swallowed so one
// dead recipient cannot block delivery to the rest.
func (m *Manager) Broadcast(senderID string, v any) {
	m.mu.RLock()
	sender, ok := m.connections[senderID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	recipients := make([]*Connection, 0, len(m.groups[sender.Credential]))
	for id := range m.groups[sender.Credential] {
		if id == senderID {
			continue
		}
		if conn, ok := m.connections[id]; ok && conn.IsAlive() {
			recipients = append(recipients, conn)
		}
	}
	m.mu.RUnlock()

	m.metrics.Broadcast()
	for _, conn := range recipients {
		if !conn.Send(v) {
			m.metrics.SendFailed()
		}
	}
}

// On registers a handler for an inbound message type.
func (m *Manager) On(msgType string, h Handler) {
	m.router.On(msgType, h)
}

// HandleIncoming processes one inbound message from a connected agent.
// Unknown senders are dropped. Pings are answered directly and never reach
// handlers or the group. Messages with a registered handler are dispatched
// and stop there; everything else broadcasts to the sender's credential
// group.
func (m *Manager) HandleIncoming(senderID string, msg Message) {
	m.mu.RLock()
	sender, ok := m.connections[senderID]
	m.mu.RUnlock()
	if !ok {
		m.logger.Debug("dropping message from unknown sender", "agent_id", senderID, "type", msg.Type)
		return
	}

	m.Touch(senderID)
	m.metrics.MessageReceived(msg.Type)

	if msg.Type == TypePing {
		if !sender.Send(NewMessage(TypePong)) {
			m.metrics.SendFailed()
		}
		return
	}

	if m.router.Dispatch(sender, msg) {
		return
	}

	m.Broadcast(senderID, msg)
}

// Touch records agent activity and refreshes the directory TTLs.
func (m *Manager) Touch(id string) {
	m.mu.RLock()
	conn, ok := m.connections[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	conn.Touch()

	credential := conn.Credential
	m.mirror("refresh", id, credential, func(ctx context.Context) error {
		return m.dir.Refresh(ctx, id, credential)
	})
}

// SweepInactive removes every local connection that is no longer alive. Runs
// on a fixed period independent of traffic.
func (m *Manager) SweepInactive() {
	m.mu.RLock()
	var dead []string
	for id, conn := range m.connections {
		if !conn.IsAlive() {
			dead = append(dead, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range dead {
		m.logger.Info("removing inactive agent", "agent_id", id)
		m.Remove(id)
	}
}

// CloseAll closes every local connection with the given code, for process
// shutdown. Registry state is left to the read loops and sweeps to clean up.
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}

// Len returns the number of locally registered connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// mirror runs a directory write off the caller's critical path. Local state
// is authoritative, so failures are logged and dropped.
func (m *Manager) mirror(op, id, credential string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			m.logger.Warn("directory mirror failed",
				"op", op,
				"agent_id", id,
				"credential", truncateCredential(credential),
				"error", err,
			)
		}
	}()
}

// truncateCredential keeps credentials out of logs; only a prefix is ever
// recorded.
func truncateCredential(credential string) string {
	if len(credential) <= 8 {
		return credential
	}
	return credential[:8] + "..."
}
