// ABOUTME: Tests for the agent registry including Manager and Connection.
// ABOUTME: Validates admission, credential groups, dispatch order, and broadcast.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/relaygate/relaygate/internal/directory"
)

// mockTransport implements Transport for testing.
type mockTransport struct {
	mu         sync.Mutex
	frames     [][]byte
	open       bool
	failWrites bool
	closeCode  int
}

func newMockTransport() *mockTransport {
	return &mockTransport{open: true}
}

func (m *mockTransport) Write(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites {
		return fmt.Errorf("write failed")
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockTransport) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	m.closeCode = code
	return nil
}

func (m *mockTransport) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *mockTransport) setOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = open
}

// sentMessages decodes every written frame back into a Message.
func (m *mockTransport) sentMessages(t *testing.T) []Message {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := make([]Message, 0, len(m.frames))
	for _, frame := range m.frames {
		msg, err := ParseMessage(frame)
		if err != nil {
			t.Fatalf("sent frame does not parse: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager() *Manager {
	return NewManager(directory.Noop{Instance: "local"}, nil, testLogger())
}

// stubDirectory reports a fixed owner for every id lookup.
type stubDirectory struct {
	directory.Noop
	owner    string
	ownerErr error
}

func (s stubDirectory) Owner(context.Context, string) (string, error) {
	return s.owner, s.ownerErr
}

func TestAdmit(t *testing.T) {
	t.Run("registers connection and group membership", func(t *testing.T) {
		mgr := newTestManager()
		conn, err := mgr.Admit(newMockTransport(), "agent-1", "token-a")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conn.ID != "agent-1" || conn.Credential != "token-a" {
			t.Errorf("connection fields wrong: %q %q", conn.ID, conn.Credential)
		}
		if mgr.Len() != 1 {
			t.Errorf("expected 1 connection, got %d", mgr.Len())
		}
		got := mgr.ListConnected("token-a")
		if len(got) != 1 || got[0] != "agent-1" {
			t.Errorf("expected group [agent-1], got %v", got)
		}
	})

	t.Run("rejects duplicate id and keeps the original", func(t *testing.T) {
		mgr := newTestManager()
		first := newMockTransport()
		if _, err := mgr.Admit(first, "agent-1", "token-a"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		_, err := mgr.Admit(newMockTransport(), "agent-1", "token-b")
		if !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}

		// The original admission is untouched: still connected, still in
		// its original credential group, still writable.
		conn, err := mgr.Get(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("original connection gone: %v", err)
		}
		if conn.Credential != "token-a" {
			t.Errorf("credential changed to %q", conn.Credential)
		}
		if !conn.Send(NewMessage("chat")) {
			t.Error("original connection no longer writable")
		}
	})
}

func TestRemove(t *testing.T) {
	t.Run("drops connection and empty group", func(t *testing.T) {
		mgr := newTestManager()
		mgr.Admit(newMockTransport(), "agent-1", "token-a")
		mgr.Remove("agent-1")

		if mgr.Len() != 0 {
			t.Errorf("expected 0 connections, got %d", mgr.Len())
		}
		if got := mgr.ListConnected("token-a"); len(got) != 0 {
			t.Errorf("expected empty group, got %v", got)
		}
	})

	t.Run("keeps group while members remain", func(t *testing.T) {
		mgr := newTestManager()
		mgr.Admit(newMockTransport(), "agent-1", "token-a")
		mgr.Admit(newMockTransport(), "agent-2", "token-a")
		mgr.Remove("agent-1")

		got := mgr.ListConnected("token-a")
		if len(got) != 1 || got[0] != "agent-2" {
			t.Errorf("expected [agent-2], got %v", got)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		mgr := newTestManager()
		mgr.Admit(newMockTransport(), "agent-1", "token-a")
		mgr.Remove("agent-1")
		mgr.Remove("agent-1")
		mgr.Remove("never-admitted")
		if mgr.Len() != 0 {
			t.Errorf("expected 0 connections, got %d", mgr.Len())
		}
	})
}

func TestGet(t *testing.T) {
	t.Run("local hit", func(t *testing.T) {
		mgr := newTestManager()
		mgr.Admit(newMockTransport(), "agent-1", "token-a")
		conn, err := mgr.Get(context.Background(), "agent-1")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if conn.ID != "agent-1" {
			t.Errorf("wrong connection: %q", conn.ID)
		}
	})

	t.Run("miss with no directory record", func(t *testing.T) {
		mgr := newTestManager()
		_, err := mgr.Get(context.Background(), "agent-1")
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("miss owned by another instance", func(t *testing.T) {
		dir := stubDirectory{Noop: directory.Noop{Instance: "local"}, owner: "other-instance"}
		mgr := NewManager(dir, nil, testLogger())

		_, err := mgr.Get(context.Background(), "agent-1")
		var elsewhere *ElsewhereError
		if !errors.As(err, &elsewhere) {
			t.Fatalf("expected ElsewhereError, got %v", err)
		}
		if elsewhere.Instance != "other-instance" {
			t.Errorf("wrong instance: %q", elsewhere.Instance)
		}
	})

	t.Run("directory failure degrades to not connected", func(t *testing.T) {
		dir := stubDirectory{Noop: directory.Noop{Instance: "local"}, ownerErr: fmt.Errorf("store down")}
		mgr := NewManager(dir, nil, testLogger())

		_, err := mgr.Get(context.Background(), "agent-1")
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestListConnected(t *testing.T) {
	mgr := newTestManager()
	mgr.Admit(newMockTransport(), "bravo", "token-a")
	mgr.Admit(newMockTransport(), "alpha", "token-a")
	dead := newMockTransport()
	mgr.Admit(dead, "charlie", "token-a")
	mgr.Admit(newMockTransport(), "delta", "token-b")

	dead.setOpen(false)

	got := mgr.ListConnected("token-a")
	if len(got) != 2 || got[0] != "alpha" || got[1] != "bravo" {
		t.Errorf("expected sorted live ids [alpha bravo], got %v", got)
	}
}

func TestBroadcast(t *testing.T) {
	t.Run("reaches the credential group minus the sender", func(t *testing.T) {
		mgr := newTestManager()
		sender := newMockTransport()
		peer := newMockTransport()
		other := newMockTransport()
		mgr.Admit(sender, "agent-a", "token-1")
		mgr.Admit(peer, "agent-b", "token-1")
		mgr.Admit(other, "agent-c", "token-2")

		mgr.Broadcast("agent-a", NewMessage("chat-message"))

		if got := peer.sentMessages(t); len(got) != 1 || got[0].Type != "chat-message" {
			t.Errorf("peer expected one chat-message, got %v", got)
		}
		if got := sender.sentMessages(t); len(got) != 0 {
			t.Errorf("sender should not receive its own broadcast, got %v", got)
		}
		if got := other.sentMessages(t); len(got) != 0 {
			t.Errorf("other credential group should not receive broadcast, got %v", got)
		}
	})

	t.Run("one dead recipient does not block the rest", func(t *testing.T) {
		mgr := newTestManager()
		dead := newMockTransport()
		dead.failWrites = true
		live := newMockTransport()
		mgr.Admit(newMockTransport(), "agent-a", "token-1")
		mgr.Admit(dead, "agent-b", "token-1")
		mgr.Admit(live, "agent-c", "token-1")

		mgr.Broadcast("agent-a", NewMessage("chat-message"))

		if got := live.sentMessages(t); len(got) != 1 {
			t.Errorf("live peer expected one message, got %d", len(got))
		}
	})

	t.Run("unknown sender is a no-op", func(t *testing.T) {
		mgr := newTestManager()
		peer := newMockTransport()
		mgr.Admit(peer, "agent-b", "token-1")

		mgr.Broadcast("never-admitted", NewMessage("chat-message"))

		if got := peer.sentMessages(t); len(got) != 0 {
			t.Errorf("expected no delivery, got %v", got)
		}
	})
}

func TestHandleIncoming(t *testing.T) {
	t.Run("ping gets a pong and nothing else", func(t *testing.T) {
		mgr := newTestManager()
		sender := newMockTransport()
		peer := newMockTransport()
		mgr.Admit(sender, "agent-a", "token-1")
		mgr.Admit(peer, "agent-b", "token-1")

		handlerCalled := false
		mgr.On(TypePing, func(*Connection, Message) { handlerCalled = true })

		mgr.HandleIncoming("agent-a", NewMessage(TypePing))

		got := sender.sentMessages(t)
		if len(got) != 1 || got[0].Type != TypePong {
			t.Fatalf("expected one pong to sender, got %v", got)
		}
		if handlerCalled {
			t.Error("ping must never reach registered handlers")
		}
		if got := peer.sentMessages(t); len(got) != 0 {
			t.Errorf("ping must never broadcast, got %v", got)
		}
	})

	t.Run("registered type stops at its handlers", func(t *testing.T) {
		mgr := newTestManager()
		sender := newMockTransport()
		peer := newMockTransport()
		mgr.Admit(sender, "agent-a", "token-1")
		mgr.Admit(peer, "agent-b", "token-1")

		var order []int
		mgr.On("search-results", func(conn *Connection, msg Message) {
			if conn.ID != "agent-a" {
				t.Errorf("handler got wrong sender: %q", conn.ID)
			}
			order = append(order, 1)
		})
		mgr.On("search-results", func(*Connection, Message) { order = append(order, 2) })

		mgr.HandleIncoming("agent-a", NewMessage("search-results"))

		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Errorf("handlers not run in registration order: %v", order)
		}
		if got := peer.sentMessages(t); len(got) != 0 {
			t.Errorf("handled type must not broadcast, got %v", got)
		}
	})

	t.Run("unhandled type broadcasts to the group", func(t *testing.T) {
		mgr := newTestManager()
		sender := newMockTransport()
		peer := newMockTransport()
		mgr.Admit(sender, "agent-a", "token-1")
		mgr.Admit(peer, "agent-b", "token-1")

		msg := NewMessage("chat-message")
		msg.Set("text", "hello")
		mgr.HandleIncoming("agent-a", msg)

		got := peer.sentMessages(t)
		if len(got) != 1 || got[0].Type != "chat-message" {
			t.Fatalf("expected chat-message at peer, got %v", got)
		}
		if got[0].GetString("text") != "hello" {
			t.Errorf("payload not carried through broadcast")
		}
	})

	t.Run("unknown sender is dropped", func(t *testing.T) {
		mgr := newTestManager()
		peer := newMockTransport()
		mgr.Admit(peer, "agent-b", "token-1")

		mgr.HandleIncoming("never-admitted", NewMessage("chat-message"))

		if got := peer.sentMessages(t); len(got) != 0 {
			t.Errorf("expected no delivery, got %v", got)
		}
	})
}

func TestSweepInactive(t *testing.T) {
	mgr := newTestManager()
	live := newMockTransport()
	dead := newMockTransport()
	mgr.Admit(live, "agent-a", "token-1")
	mgr.Admit(dead, "agent-b", "token-1")

	dead.setOpen(false)
	mgr.SweepInactive()

	if mgr.Len() != 1 {
		t.Fatalf("expected 1 connection after sweep, got %d", mgr.Len())
	}
	if got := mgr.ListConnected("token-1"); len(got) != 1 || got[0] != "agent-a" {
		t.Errorf("expected [agent-a], got %v", got)
	}
}

func TestConnectionSend(t *testing.T) {
	t.Run("writes JSON to the transport", func(t *testing.T) {
		tr := newMockTransport()
		conn := NewConnection("agent-1", "token-a", tr, testLogger())

		msg := NewMessage("entity-data")
		msg.Set("uuid", "Actor.abc")
		if !conn.Send(msg) {
			t.Fatal("send reported failure")
		}

		got := tr.sentMessages(t)
		if len(got) != 1 || got[0].Type != "entity-data" || got[0].GetString("uuid") != "Actor.abc" {
			t.Errorf("sent message wrong: %v", got)
		}
	})

	t.Run("write failure marks the connection dead", func(t *testing.T) {
		tr := newMockTransport()
		tr.failWrites = true
		conn := NewConnection("agent-1", "token-a", tr, testLogger())

		if conn.Send(NewMessage("chat")) {
			t.Fatal("send should report failure")
		}
		if conn.IsAlive() {
			t.Error("connection should be dead after a failed write")
		}
	})

	t.Run("closed connection refuses sends", func(t *testing.T) {
		tr := newMockTransport()
		conn := NewConnection("agent-1", "token-a", tr, testLogger())
		conn.Close(1000, "bye")

		if conn.Send(NewMessage("chat")) {
			t.Fatal("send on closed connection should fail")
		}
		if len(tr.sentMessages(t)) != 0 {
			t.Error("nothing should reach the transport after close")
		}
	})
}

func TestCloseAll(t *testing.T) {
	mgr := newTestManager()
	a := newMockTransport()
	b := newMockTransport()
	mgr.Admit(a, "agent-a", "token-1")
	mgr.Admit(b, "agent-b", "token-2")

	mgr.CloseAll(1001, "shutting down")

	if a.Open() || b.Open() {
		t.Error("transports still open after CloseAll")
	}
	if a.closeCode != 1001 || b.closeCode != 1001 {
		t.Errorf("wrong close codes: %d %d", a.closeCode, b.closeCode)
	}
}

func TestMessageFanoutPayload(t *testing.T) {
	// A structured payload must survive the marshal on broadcast byte for
	// byte, unknown fields included.
	mgr := newTestManager()
	peer := newMockTransport()
	mgr.Admit(newMockTransport(), "agent-a", "token-1")
	mgr.Admit(peer, "agent-b", "token-1")

	raw := []byte(`{"type":"chat-message","sender":"agent-a","nested":{"k":[1,2,3]}}`)
	msg, err := ParseMessage(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mgr.HandleIncoming("agent-a", msg)

	got := peer.sentMessages(t)
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	var nested struct {
		K []int `json:"k"`
	}
	if err := got[0].Decode("nested", &nested); err != nil {
		t.Fatalf("nested field lost: %v", err)
	}
	if len(nested.K) != 3 {
		t.Errorf("nested payload mangled: %v", nested.K)
	}
	var check map[string]json.RawMessage
	if err := json.Unmarshal(peer.frames[0], &check); err != nil {
		t.Fatalf("frame not valid JSON: %v", err)
	}
	if _, ok := check["sender"]; !ok {
		t.Error("sender field dropped in transit")
	}
}
