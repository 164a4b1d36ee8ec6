// ABOUTME: Bounded, TTL-expiring cache of reply payloads for out-of-band consumers.
// ABOUTME: Best-effort only; never part of the correlation contract.

package datastore

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// maxRecentRolls caps the per-agent roll history.
const maxRecentRolls = 20

// Roll is one cached dice-roll payload pushed by an agent.
type Roll struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Store caches entity payloads, per-agent search results, and per-agent
// recent rolls. Everything here is advisory: evictions and expiry lose
// nothing the agents cannot re-serve.
type Store struct {
	entities *expirable.LRU[string, json.RawMessage]
	searches *expirable.LRU[string, json.RawMessage]

	mu    sync.Mutex
	rolls map[string][]Roll
}

// New creates a Store. size bounds the entity and search caches; ttl expires
// them.
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = 512
	}
	return &Store{
		entities: expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
		searches: expirable.NewLRU[string, json.RawMessage](size, nil, ttl),
		rolls:    make(map[string][]Roll),
	}
}

// StoreEntity caches an entity payload by uuid.
func (s *Store) StoreEntity(uuid string, data json.RawMessage) {
	s.entities.Add(uuid, data)
}

// Entity returns a cached entity payload, if present.
func (s *Store) Entity(uuid string) (json.RawMessage, bool) {
	return s.entities.Get(uuid)
}

// ClearEntity drops a cached entity, for callers that requested fresh data.
func (s *Store) ClearEntity(uuid string) {
	s.entities.Remove(uuid)
}

// StoreSearchResults caches an agent's most recent search results.
func (s *Store) StoreSearchResults(agentID string, results json.RawMessage) {
	s.searches.Add(agentID, results)
}

// SearchResults returns an agent's cached search results, if present.
func (s *Store) SearchResults(agentID string) (json.RawMessage, bool) {
	return s.searches.Get(agentID)
}

// ClearSearchResults drops an agent's cached search results.
func (s *Store) ClearSearchResults(agentID string) {
	s.searches.Remove(agentID)
}

// AddRoll records a roll at the head of an agent's history. A roll with a
// known id updates in place rather than duplicating.
func (s *Store) AddRoll(agentID string, roll Roll) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.rolls[agentID]
	for i, existing := range history {
		if existing.ID != "" && existing.ID == roll.ID {
			history[i] = roll
			return
		}
	}
	history = append([]Roll{roll}, history...)
	if len(history) > maxRecentRolls {
		history = history[:maxRecentRolls]
	}
	s.rolls[agentID] = history
}

// SetRolls replaces an agent's roll history wholesale, most recent first.
func (s *Store) SetRolls(agentID string, rolls []Roll) {
	if len(rolls) > maxRecentRolls {
		rolls = rolls[:maxRecentRolls]
	}
	s.mu.Lock()
	s.rolls[agentID] = rolls
	s.mu.Unlock()
}

// Rolls returns up to limit of an agent's recent rolls, most recent first.
func (s *Store) Rolls(agentID string, limit int) []Roll {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.rolls[agentID]
	if limit <= 0 || limit > len(history) {
		limit = len(history)
	}
	out := make([]Roll, limit)
	copy(out, history[:limit])
	return out
}

// LastRoll returns an agent's most recent roll.
func (s *Store) LastRoll(agentID string) (Roll, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.rolls[agentID]
	if len(history) == 0 {
		return Roll{}, false
	}
	return history[0], true
}

// ForgetAgent drops all per-agent cached state.
func (s *Store) ForgetAgent(agentID string) {
	s.searches.Remove(agentID)
	s.mu.Lock()
	delete(s.rolls, agentID)
	s.mu.Unlock()
}
