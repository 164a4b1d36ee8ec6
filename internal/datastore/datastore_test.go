// ABOUTME: Tests for the reply payload cache.
// ABOUTME: Validates entity caching, roll history ordering and caps, and per-agent cleanup.

package datastore

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestEntityCache(t *testing.T) {
	store := New(4, time.Minute)

	store.StoreEntity("Actor.abc", json.RawMessage(`{"name":"Aria"}`))

	data, ok := store.Entity("Actor.abc")
	if !ok {
		t.Fatal("entity not cached")
	}
	if string(data) != `{"name":"Aria"}` {
		t.Errorf("wrong payload: %s", data)
	}

	store.ClearEntity("Actor.abc")
	if _, ok := store.Entity("Actor.abc"); ok {
		t.Error("entity survived clear")
	}
}

func TestEntityCacheBound(t *testing.T) {
	store := New(2, time.Minute)
	store.StoreEntity("a", json.RawMessage(`1`))
	store.StoreEntity("b", json.RawMessage(`2`))
	store.StoreEntity("c", json.RawMessage(`3`))

	// Oldest entry evicted at capacity.
	if _, ok := store.Entity("a"); ok {
		t.Error("cache exceeded its bound")
	}
	if _, ok := store.Entity("c"); !ok {
		t.Error("newest entry missing")
	}
}

func TestSearchResults(t *testing.T) {
	store := New(4, time.Minute)
	store.StoreSearchResults("agent-1", json.RawMessage(`[{"uuid":"Actor.abc"}]`))

	if _, ok := store.SearchResults("agent-1"); !ok {
		t.Fatal("search results not cached")
	}
	if _, ok := store.SearchResults("agent-2"); ok {
		t.Error("results leaked across agents")
	}
}

func TestRollHistory(t *testing.T) {
	t.Run("most recent first", func(t *testing.T) {
		store := New(4, time.Minute)
		store.AddRoll("agent-1", Roll{ID: "r1", Data: json.RawMessage(`{"total":4}`)})
		store.AddRoll("agent-1", Roll{ID: "r2", Data: json.RawMessage(`{"total":17}`)})

		rolls := store.Rolls("agent-1", 0)
		if len(rolls) != 2 || rolls[0].ID != "r2" || rolls[1].ID != "r1" {
			t.Errorf("wrong order: %v", rolls)
		}

		last, ok := store.LastRoll("agent-1")
		if !ok || last.ID != "r2" {
			t.Errorf("LastRoll = %v, %v", last, ok)
		}
	})

	t.Run("known id updates in place", func(t *testing.T) {
		store := New(4, time.Minute)
		store.AddRoll("agent-1", Roll{ID: "r1", Data: json.RawMessage(`{"total":4}`)})
		store.AddRoll("agent-1", Roll{ID: "r1", Data: json.RawMessage(`{"total":5}`)})

		rolls := store.Rolls("agent-1", 0)
		if len(rolls) != 1 {
			t.Fatalf("expected 1 roll, got %d", len(rolls))
		}
		if string(rolls[0].Data) != `{"total":5}` {
			t.Errorf("roll not updated: %s", rolls[0].Data)
		}
	})

	t.Run("history is capped", func(t *testing.T) {
		store := New(4, time.Minute)
		for i := 0; i < maxRecentRolls+5; i++ {
			store.AddRoll("agent-1", Roll{ID: fmt.Sprintf("r%d", i)})
		}
		rolls := store.Rolls("agent-1", 0)
		if len(rolls) != maxRecentRolls {
			t.Errorf("expected %d rolls, got %d", maxRecentRolls, len(rolls))
		}
		if rolls[0].ID != fmt.Sprintf("r%d", maxRecentRolls+4) {
			t.Errorf("newest roll missing: %s", rolls[0].ID)
		}
	})

	t.Run("limit", func(t *testing.T) {
		store := New(4, time.Minute)
		for i := 0; i < 5; i++ {
			store.AddRoll("agent-1", Roll{ID: fmt.Sprintf("r%d", i)})
		}
		if got := store.Rolls("agent-1", 2); len(got) != 2 {
			t.Errorf("expected 2 rolls, got %d", len(got))
		}
	})

	t.Run("empty history", func(t *testing.T) {
		store := New(4, time.Minute)
		if rolls := store.Rolls("agent-1", 10); len(rolls) != 0 {
			t.Errorf("expected no rolls, got %v", rolls)
		}
		if _, ok := store.LastRoll("agent-1"); ok {
			t.Error("LastRoll on empty history")
		}
	})
}

func TestSetRolls(t *testing.T) {
	store := New(4, time.Minute)
	rolls := make([]Roll, maxRecentRolls+3)
	for i := range rolls {
		rolls[i] = Roll{ID: fmt.Sprintf("r%d", i)}
	}
	store.SetRolls("agent-1", rolls)

	got := store.Rolls("agent-1", 0)
	if len(got) != maxRecentRolls {
		t.Errorf("expected %d rolls, got %d", maxRecentRolls, len(got))
	}
	if got[0].ID != "r0" {
		t.Errorf("order changed: %s", got[0].ID)
	}
}

func TestForgetAgent(t *testing.T) {
	store := New(4, time.Minute)
	store.StoreSearchResults("agent-1", json.RawMessage(`[]`))
	store.AddRoll("agent-1", Roll{ID: "r1"})
	store.StoreEntity("Actor.abc", json.RawMessage(`{}`))

	store.ForgetAgent("agent-1")

	if _, ok := store.SearchResults("agent-1"); ok {
		t.Error("search results survived forget")
	}
	if rolls := store.Rolls("agent-1", 0); len(rolls) != 0 {
		t.Error("rolls survived forget")
	}
	// Entities are keyed by uuid, not agent, and stay cached.
	if _, ok := store.Entity("Actor.abc"); !ok {
		t.Error("entity cache should be untouched")
	}
}
