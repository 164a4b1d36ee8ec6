// ABOUTME: WebSocket admission endpoint and transport adapter for agent connections.
// ABOUTME: Query-param admission, per-connection read loop, protocol-level keepalive.

package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygate/relaygate/internal/agent"
)

// CloseDuplicateConnection is the application close code for a second
// connection reusing a live agent id. Distinct from the policy-violation
// code used for missing admission parameters.
const CloseDuplicateConnection = 4409

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Agents are not browsers; credential checking happens at admission.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsTransport adapts a gorilla connection to agent.Transport. Gorilla
// permits one concurrent writer, so all frame writes serialize on the mutex.
type wsTransport struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	closed atomic.Bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		t.closed.Store(true)
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.closed.Store(true)
		return err
	}
	return nil
}

func (t *wsTransport) Close(code int, reason string) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
	t.mu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) Open() bool {
	return !t.closed.Load()
}

// ping sends a protocol-level ping frame.
func (t *wsTransport) ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(wsWriteWait))
}

// handleRelay admits agent connections at GET /relay?id=...&token=...
// Missing parameters close with 1008; a duplicate id closes with 4409 and
// leaves the original connection untouched. Admitted connections are read in
// arrival order on this goroutine until the transport fails or closes.
func (g *Gateway) handleRelay(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	token := r.URL.Query().Get("token")

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	transport := newWSTransport(wsConn)

	if id == "" || token == "" {
		g.logger.Warn("rejecting connection: missing id or token", "remote", r.RemoteAddr)
		_ = transport.Close(websocket.ClosePolicyViolation, "missing agent id or token")
		return
	}

	conn, err := g.manager.Admit(transport, id, token)
	if err != nil {
		g.logger.Warn("rejecting duplicate connection", "agent_id", id)
		_ = transport.Close(CloseDuplicateConnection, "agent id already connected")
		return
	}

	wsConn.SetPongHandler(func(string) error {
		g.manager.Touch(id)
		return nil
	})

	stopPing := make(chan struct{})
	go g.keepalive(transport, id, stopPing)

	g.readLoop(conn, transport, wsConn)
	close(stopPing)

	g.store.ForgetAgent(id)
	g.manager.Remove(id)
}

// readLoop processes inbound frames for one connection until it dies.
// Messages from a single connection are handled sequentially here, which is
// what preserves per-connection ordering.
func (g *Gateway) readLoop(conn *agent.Connection, transport *wsTransport, wsConn *websocket.Conn) {
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("agent read error", "agent_id", conn.ID, "error", err)
			}
			conn.MarkDisconnected()
			transport.closed.Store(true)
			return
		}

		msg, err := agent.ParseMessage(data)
		if err != nil {
			g.logger.Warn("dropping malformed message", "agent_id", conn.ID, "error", err)
			continue
		}
		g.manager.HandleIncoming(conn.ID, msg)
	}
}

// keepalive sends protocol pings on a fixed period so intermediaries keep
// the TCP path open; pong responses refresh the agent's lastSeen.
func (g *Gateway) keepalive(transport *wsTransport, id string, stop <-chan struct{}) {
	ticker := g.clock.Ticker(g.cfg.Relay.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !transport.Open() {
				return
			}
			if err := transport.ping(); err != nil {
				g.logger.Debug("keepalive ping failed", "agent_id", id, "error", err)
				return
			}
		}
	}
}
