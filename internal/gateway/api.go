// ABOUTME: Caller-facing HTTP API that relays operations to connected agents.
// ABOUTME: Each relayed endpoint bridges a synchronous request to the correlation tracker.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relaygate/relaygate/internal/agent"
	"github.com/relaygate/relaygate/internal/datastore"
	"github.com/relaygate/relaygate/internal/pending"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// handleHealth reports liveness plus this instance's identity.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"instance": g.dir.InstanceID(),
	})
}

// handleStatus describes the service for probing callers.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"websocket": "/relay",
		"agents":    g.manager.Len(),
	})
}

// handleClients lists the live local agent ids for a credential.
func (g *Gateway) handleClients(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusBadRequest, "token parameter is required")
		return
	}
	ids := g.manager.ListConnected(token)
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(ids),
		"clients": ids,
	})
}

// resolveAgent looks up the target connection for a relayed request and
// writes the appropriate diagnostic when it cannot be served from this
// instance. Callers bail out when the second return value is false.
func (g *Gateway) resolveAgent(w http.ResponseWriter, r *http.Request, clientID string) (*agent.Connection, bool) {
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "clientId parameter is required")
		return nil, false
	}
	conn, err := g.manager.Get(r.Context(), clientID)
	if err != nil {
		var elsewhere *agent.ElsewhereError
		if errors.As(err, &elsewhere) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":    "agent is connected to a different gateway instance",
				"instance": elsewhere.Instance,
			})
			return nil, false
		}
		writeError(w, http.StatusNotFound, "no connected agent with this client id")
		return nil, false
	}
	return conn, true
}

// relay performs one correlated operation: start a pending entry, send the
// envelope, and await the single terminal result. The message's requestId is
// filled in here.
func (g *Gateway) relay(w http.ResponseWriter, r *http.Request, conn *agent.Connection, kind pending.Kind, matchKeys map[string]string, msg agent.Message, respond func(w http.ResponseWriter, payload agent.Message)) {
	requestID, done := g.tracker.Start(kind, matchKeys, g.cfg.Relay.RequestTimeout)
	msg.RequestID = requestID

	if !conn.Send(msg) {
		g.tracker.Discard(requestID)
		g.metrics.SendFailed()
		writeError(w, http.StatusBadGateway, "failed to deliver request to agent")
		return
	}

	select {
	case <-r.Context().Done():
		// Caller went away; the entry resolves via its own timeout.
		return
	case result := <-done:
		if result.Err != nil {
			var agentErr *pending.AgentError
			switch {
			case errors.Is(result.Err, pending.ErrTimeout):
				writeError(w, http.StatusRequestTimeout, "request timed out")
			case errors.As(result.Err, &agentErr):
				writeError(w, http.StatusBadRequest, agentErr.Message)
			default:
				writeError(w, http.StatusInternalServerError, result.Err.Error())
			}
			return
		}
		respond(w, result.Payload)
	}
}

// handleSearch relays a search to the agent's index.
func (g *Gateway) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query parameter is required")
		return
	}
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	g.store.ClearSearchResults(clientID)

	msg := agent.NewMessage("perform-search")
	msg.Set("query", query)
	if filter := r.URL.Query().Get("filter"); filter != "" {
		msg.Set("filter", filter)
	}

	g.relay(w, r, conn, pending.KindSearch, nil, msg, func(w http.ResponseWriter, payload agent.Message) {
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": payload.RequestID,
			"clientId":  clientID,
			"query":     query,
			"results":   rawOrNull(payload.Get("results")),
		})
	})
}

// handleGetEntity relays an entity lookup, serving the cache unless the
// caller opts out.
func (g *Gateway) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	clientID := r.URL.Query().Get("clientId")
	noCache := r.URL.Query().Get("noCache") == "true"

	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	if noCache {
		g.store.ClearEntity(uuid)
	} else if data, ok := g.store.Entity(uuid); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"clientId": clientID,
			"uuid":     uuid,
			"cached":   true,
			"data":     json.RawMessage(data),
		})
		return
	}

	msg := agent.NewMessage("get-entity")
	msg.Set("uuid", uuid)

	g.relay(w, r, conn, pending.KindLookup, map[string]string{"uuid": uuid}, msg, func(w http.ResponseWriter, payload agent.Message) {
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": payload.RequestID,
			"clientId":  clientID,
			"uuid":      uuid,
			"data":      rawOrNull(payload.Get("data")),
		})
	})
}

// handleStructure relays a request for the agent's folder/compendium tree.
func (g *Gateway) handleStructure(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	g.relay(w, r, conn, pending.KindStructure, nil, agent.NewMessage("get-structure"), func(w http.ResponseWriter, payload agent.Message) {
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId":   payload.RequestID,
			"clientId":    clientID,
			"folders":     rawOrNull(payload.Get("folders")),
			"compendiums": rawOrNull(payload.Get("compendiums")),
		})
	})
}

// handleContents relays a listing of entity ids under a folder or compendium
// path.
func (g *Gateway) handleContents(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path parameter is required")
		return
	}
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	msg := agent.NewMessage("get-contents")
	msg.Set("path", path)

	g.relay(w, r, conn, pending.KindContents, map[string]string{"path": path}, msg, func(w http.ResponseWriter, payload agent.Message) {
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": payload.RequestID,
			"clientId":  clientID,
			"path":      path,
			"entities":  rawOrNull(payload.Get("entities")),
		})
	})
}

type createEntityRequest struct {
	Type   string          `json:"type"`
	Folder string          `json:"folder"`
	Data   json.RawMessage `json:"data"`
}

// handleCreateEntity relays an entity creation.
func (g *Gateway) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	var req createEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Type == "" || len(req.Data) == 0 {
		writeError(w, http.StatusBadRequest, "request body must include 'type' and 'data' fields")
		return
	}

	msg := agent.NewMessage("create-entity")
	msg.Set("entityType", req.Type)
	if req.Folder != "" {
		msg.Set("folder", req.Folder)
	}
	msg.Set("data", req.Data)

	g.relay(w, r, conn, pending.KindCreate, nil, msg, func(w http.ResponseWriter, payload agent.Message) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"requestId": payload.RequestID,
			"clientId":  clientID,
			"uuid":      payload.GetString("uuid"),
			"entity":    rawOrNull(payload.Get("entity")),
		})
	})
}

// handleUpdateEntity relays an entity update by uuid.
func (g *Gateway) handleUpdateEntity(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	var update json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil || len(update) == 0 || string(update) == "{}" {
		writeError(w, http.StatusBadRequest, "update data is required in request body")
		return
	}

	msg := agent.NewMessage("update-entity")
	msg.Set("uuid", uuid)
	msg.Set("updateData", update)

	g.relay(w, r, conn, pending.KindUpdate, map[string]string{"uuid": uuid}, msg, func(w http.ResponseWriter, payload agent.Message) {
		g.store.ClearEntity(uuid)
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": payload.RequestID,
			"clientId":  clientID,
			"uuid":      uuid,
			"entity":    rawOrNull(payload.Get("entity")),
		})
	})
}

// handleDeleteEntity relays an entity deletion by uuid. The reply's target
// identifier must match the request's before the caller sees success.
func (g *Gateway) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	msg := agent.NewMessage("delete-entity")
	msg.Set("uuid", uuid)

	g.relay(w, r, conn, pending.KindDelete, map[string]string{"uuid": uuid}, msg, func(w http.ResponseWriter, payload agent.Message) {
		g.store.ClearEntity(uuid)
		writeJSON(w, http.StatusOK, map[string]any{
			"requestId": payload.RequestID,
			"clientId":  clientID,
			"uuid":      uuid,
			"deleted":   true,
		})
	})
}

// handleRolls serves an agent's recent rolls, relaying only on a cache miss.
func (g *Gateway) handleRolls(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	if cached := g.store.Rolls(clientID, limit); len(cached) > 0 {
		writeJSON(w, http.StatusOK, map[string]any{"clientId": clientID, "rolls": cached})
		return
	}

	msg := agent.NewMessage("get-rolls")
	if limit > 0 {
		msg.Set("limit", limit)
	}

	g.relay(w, r, conn, pending.KindRolls, nil, msg, func(w http.ResponseWriter, payload agent.Message) {
		writeJSON(w, http.StatusOK, map[string]any{
			"clientId": clientID,
			"rolls":    rawOrNull(payload.Get("data")),
		})
	})
}

// handleLastRoll serves an agent's most recent roll from the cache.
func (g *Gateway) handleLastRoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if _, ok := g.resolveAgent(w, r, clientID); !ok {
		return
	}

	roll, ok := g.store.LastRoll(clientID)
	if !ok {
		writeError(w, http.StatusNotFound, "no roll data available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clientId": clientID, "roll": roll})
}

type rollRequest struct {
	Formula           string `json:"formula"`
	Flavor            string `json:"flavor"`
	CreateChatMessage bool   `json:"createChatMessage"`
	Whisper           bool   `json:"whisper"`
}

// handleRoll relays a dice roll to an agent.
func (g *Gateway) handleRoll(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, ok := g.resolveAgent(w, r, clientID)
	if !ok {
		return
	}

	var req rollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Formula == "" {
		writeError(w, http.StatusBadRequest, "roll formula is required")
		return
	}

	msg := agent.NewMessage("perform-roll")
	msg.Set("formula", req.Formula)
	if req.Flavor != "" {
		msg.Set("flavor", req.Flavor)
	}
	msg.Set("createChatMessage", req.CreateChatMessage)
	msg.Set("whisper", req.Whisper)

	g.relay(w, r, conn, pending.KindRoll, nil, msg, func(w http.ResponseWriter, payload agent.Message) {
		if raw := payload.Get("data"); raw != nil {
			g.store.AddRoll(clientID, datastore.Roll{ID: rollID(raw), Data: raw})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"clientId": clientID,
			"success":  true,
			"roll":     rawOrNull(payload.Get("data")),
		})
	})
}

// rawOrNull keeps absent payload fields as JSON null instead of empty bytes.
func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// rollID extracts the id field from a roll payload, if any.
func rollID(raw json.RawMessage) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ID
}
