// ABOUTME: Dispatch table mapping inbound message types to handler lists.
// ABOUTME: Append-only at setup time, read on every dispatch.

package agent

import "sync"

// Handler processes one inbound message from a connected agent.
type Handler func(sender *Connection, msg Message)

// Router maps message types to ordered handler lists. Unknown types are not
// an error here: the dispatch pipeline falls through to group broadcast for
// them by design.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[string][]Handler)}
}

// On registers a handler for a message type. Multiple handlers per type are
// permitted and run in registration order.
func (r *Router) On(msgType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], h)
}

// Dispatch invokes every handler registered for the message's type and
// reports whether any registration existed. Handlers run on the caller's
// goroutine, preserving per-connection arrival order.
func (r *Router) Dispatch(sender *Connection, msg Message) bool {
	r.mu.RLock()
	hs := r.handlers[msg.Type]
	r.mu.RUnlock()

	if len(hs) == 0 {
		return false
	}
	for _, h := range hs {
		h(sender, msg)
	}
	return true
}
