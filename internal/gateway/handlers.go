// ABOUTME: Reply handlers wiring agent reply types to the correlation tracker.
// ABOUTME: Each operation kind's reply resolves its pending entry; side fills feed the cache.

package gateway

import (
	"errors"

	"github.com/relaygate/relaygate/internal/agent"
	"github.com/relaygate/relaygate/internal/datastore"
	"github.com/relaygate/relaygate/internal/pending"
)

// registerReplyHandlers installs a handler per reply type. Handler-claimed
// types are point-to-point business replies: the router guarantees they
// never leak into group broadcast.
func (g *Gateway) registerReplyHandlers() {
	g.manager.On("search-results", func(sender *agent.Connection, msg agent.Message) {
		if raw := msg.Get("results"); raw != nil {
			g.store.StoreSearchResults(sender.ID, raw)
		}
		g.resolve(msg, pending.KindSearch, nil)
	})

	g.manager.On("entity-data", func(sender *agent.Connection, msg agent.Message) {
		uuid := msg.GetString("uuid")
		if raw := msg.Get("data"); raw != nil && uuid != "" {
			g.store.StoreEntity(uuid, raw)
		}
		g.resolve(msg, pending.KindLookup, map[string]string{"uuid": uuid})
	})

	g.manager.On("structure-data", func(sender *agent.Connection, msg agent.Message) {
		g.resolve(msg, pending.KindStructure, nil)
	})

	g.manager.On("contents-data", func(sender *agent.Connection, msg agent.Message) {
		g.resolve(msg, pending.KindContents, map[string]string{"path": msg.GetString("path")})
	})

	g.manager.On("entity-created", func(sender *agent.Connection, msg agent.Message) {
		g.resolve(msg, pending.KindCreate, nil)
	})

	g.manager.On("entity-updated", func(sender *agent.Connection, msg agent.Message) {
		g.resolve(msg, pending.KindUpdate, map[string]string{"uuid": msg.GetString("uuid")})
	})

	g.manager.On("entity-deleted", func(sender *agent.Connection, msg agent.Message) {
		g.resolve(msg, pending.KindDelete, map[string]string{"uuid": msg.GetString("uuid")})
	})

	g.manager.On("roll-result", func(sender *agent.Connection, msg agent.Message) {
		var success bool
		if err := msg.Decode("success", &success); err == nil && !success {
			g.fail(msg, pending.KindRoll, nil, msg.GetString("error"))
			return
		}
		g.resolve(msg, pending.KindRoll, nil)
	})

	g.manager.On("rolls-data", func(sender *agent.Connection, msg agent.Message) {
		g.resolve(msg, pending.KindRolls, nil)
	})

	// Unsolicited pushes: an agent reports each roll as it happens. These
	// carry no requestId and only feed the cache.
	g.manager.On("roll-data", func(sender *agent.Connection, msg agent.Message) {
		raw := msg.Get("data")
		if raw == nil {
			return
		}
		g.store.AddRoll(sender.ID, datastore.Roll{ID: rollID(raw), Data: raw})
	})
}

// resolve completes the pending entry for a reply, honoring agent-declared
// errors. Replies without a request id are out-of-band and already consumed
// by the handler's side fills.
func (g *Gateway) resolve(msg agent.Message, kind pending.Kind, keys map[string]string) {
	if msg.RequestID == "" {
		return
	}
	if msg.Has("error") {
		g.fail(msg, kind, keys, msg.GetString("error"))
		return
	}
	err := g.tracker.Resolve(msg.RequestID, kind, keys, msg)
	if errors.Is(err, pending.ErrNoPending) {
		// Possibly a misbehaving agent retrying an answered request.
		g.logger.Warn("reply for unknown or resolved request",
			"request_id", msg.RequestID,
			"type", msg.Type,
		)
	}
}

// fail completes the pending entry with the agent's declared error.
func (g *Gateway) fail(msg agent.Message, kind pending.Kind, keys map[string]string, reason string) {
	if msg.RequestID == "" {
		return
	}
	if reason == "" {
		reason = "agent reported failure"
	}
	err := g.tracker.Fail(msg.RequestID, kind, keys, &pending.AgentError{Message: reason})
	if errors.Is(err, pending.ErrNoPending) {
		g.logger.Warn("error reply for unknown or resolved request",
			"request_id", msg.RequestID,
			"type", msg.Type,
		)
	}
}
