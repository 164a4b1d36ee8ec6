// ABOUTME: Correlation gateway bridging synchronous callers to asynchronous agent replies.
// ABOUTME: Pending-request table with per-entry timeouts and an orphan sweep.

package pending

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/agent"
	"github.com/relaygate/relaygate/internal/metrics"
)

// Kind tags a correlated operation. The set is closed: reply handlers verify
// the kind before resolving, so a reply for one operation can never complete
// another.
type Kind string

const (
	KindSearch    Kind = "search"
	KindLookup    Kind = "lookup"
	KindStructure Kind = "structure"
	KindContents  Kind = "contents"
	KindCreate    Kind = "create"
	KindUpdate    Kind = "update"
	KindDelete    Kind = "delete"
	KindRoll      Kind = "roll"
	KindRolls     Kind = "rolls"
)

// ErrTimeout is delivered to the caller when no matching reply arrived within
// the operation's timeout.
var ErrTimeout = errors.New("request timed out")

// ErrNoPending indicates a reply arrived for a request id that is not (or no
// longer) pending. Late and duplicate replies land here.
var ErrNoPending = errors.New("no pending request")

// ErrMismatch indicates a reply carried a known request id but the wrong kind
// or match keys. The entry stays pending for a legitimate reply or its
// timeout.
var ErrMismatch = errors.New("reply does not match pending request")

// AgentError is a failure the agent itself declared in its reply, as opposed
// to a transport or timeout failure.
type AgentError struct {
	Message string
}

func (e *AgentError) Error() string { return e.Message }

// Result is the terminal outcome of a correlated operation. Exactly one
// Result is delivered per started request.
type Result struct {
	Payload agent.Message
	Err     error
}

type entry struct {
	id        string
	kind      Kind
	matchKeys map[string]string
	done      chan Result
	timer     *clock.Timer
	createdAt time.Time
}

// Tracker owns the pending-request table. All mutation happens under one
// lock; an entry is removed from the table before its result is delivered,
// which makes double resolution structurally impossible.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*entry

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTracker creates a Tracker. Pass clock.New() outside tests.
func NewTracker(clk clock.Clock, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]*entry),
		clock:   clk,
		metrics: m,
		logger:  logger,
	}
}

// Start registers a new pending request and returns its correlation id along
// with the channel that will carry the single terminal Result. The id must be
// embedded in the outbound operation envelope; if that send fails the caller
// must Discard the id and report delivery failure itself.
func (t *Tracker) Start(kind Kind, matchKeys map[string]string, timeout time.Duration) (string, <-chan Result) {
	id := uuid.New().String()
	e := &entry{
		id:        id,
		kind:      kind,
		matchKeys: matchKeys,
		done:      make(chan Result, 1),
		createdAt: t.clock.Now(),
	}
	e.timer = t.clock.AfterFunc(timeout, func() { t.timeout(id) })

	t.mu.Lock()
	t.pending[id] = e
	t.mu.Unlock()

	t.metrics.PendingAdded()
	return id, e.done
}

// Discard drops a pending entry without delivering a result, for callers that
// failed to hand the operation to the transport in the first place.
func (t *Tracker) Discard(id string) {
	if e := t.take(id); e != nil {
		e.timer.Stop()
		t.metrics.PendingRemoved()
	}
}

// Resolve completes a pending request with a successful reply payload. The
// reply must carry the expected kind and match keys; a mismatch leaves the
// entry pending and returns ErrMismatch. An unknown id returns ErrNoPending.
func (t *Tracker) Resolve(id string, kind Kind, keys map[string]string, payload agent.Message) error {
	t.mu.Lock()
	e, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return ErrNoPending
	}
	if e.kind != kind || !matches(e.matchKeys, keys) {
		t.mu.Unlock()
		t.logger.Warn("reply mismatch, leaving request pending",
			"request_id", id,
			"want_kind", string(e.kind),
			"got_kind", string(kind),
		)
		return ErrMismatch
	}
	delete(t.pending, id)
	t.mu.Unlock()

	e.timer.Stop()
	t.metrics.PendingRemoved()
	e.done <- Result{Payload: payload}
	return nil
}

// Fail completes a pending request with an agent-declared error. Kind and
// match keys are verified the same way as Resolve.
func (t *Tracker) Fail(id string, kind Kind, keys map[string]string, failure error) error {
	t.mu.Lock()
	e, ok := t.pending[id]
	if !ok {
		t.mu.Unlock()
		return ErrNoPending
	}
	if e.kind != kind || !matches(e.matchKeys, keys) {
		t.mu.Unlock()
		return ErrMismatch
	}
	delete(t.pending, id)
	t.mu.Unlock()

	e.timer.Stop()
	t.metrics.PendingRemoved()
	e.done <- Result{Err: failure}
	return nil
}

// SweepOrphans evicts every entry older than maxAge, delivering a timeout
// failure. The per-entry timer is the primary completion path; this is a
// safety net against wiring defects and it logs each eviction as such.
func (t *Tracker) SweepOrphans(maxAge time.Duration) {
	now := t.clock.Now()

	t.mu.Lock()
	var stale []*entry
	for id, e := range t.pending {
		if now.Sub(e.createdAt) > maxAge {
			delete(t.pending, id)
			stale = append(stale, e)
		}
	}
	t.mu.Unlock()

	for _, e := range stale {
		e.timer.Stop()
		t.metrics.PendingRemoved()
		t.logger.Warn("evicting orphaned request",
			"request_id", e.id,
			"kind", string(e.kind),
			"age", now.Sub(e.createdAt).String(),
		)
		e.done <- Result{Err: ErrTimeout}
	}
}

// Len returns the number of requests currently pending.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// timeout is the per-entry timer callback. Racing a concurrent Resolve is
// safe: whichever takes the entry out of the table first delivers; the other
// finds nothing.
func (t *Tracker) timeout(id string) {
	e := t.take(id)
	if e == nil {
		return
	}
	t.metrics.PendingRemoved()
	t.metrics.RequestTimedOut()
	t.logger.Debug("request timed out", "request_id", id, "kind", string(e.kind))
	e.done <- Result{Err: ErrTimeout}
}

// take removes and returns an entry, or nil if it was already resolved.
func (t *Tracker) take(id string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return e
}

// matches verifies that every expected match key is present with the same
// value in the reply's keys.
func matches(want, got map[string]string) bool {
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
