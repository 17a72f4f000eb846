package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Errors resolved into pending outcomes.
var (
	// ErrTimeout means no response arrived inside the configured window.
	ErrTimeout = errors.New("request timed out")
	// ErrConnectionClosed means the owning connection went away first.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrNoDevice means no matching device connection exists.
	ErrNoDevice = errors.New("no device connected")
)

// Outcome is the single resolution of a pending request: a payload or an
// error, never both, delivered exactly once.
type Outcome struct {
	Payload json.RawMessage
	Err     error
}

// Correlator matches request ids to pending outcome channels, one instance
// per operation kind. An entry leaves the table on the first response or on
// timeout, whichever wins; the loser is ignored.
type Correlator struct {
	kind string

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

type pendingRequest struct {
	connID string
	ch     chan Outcome
	timer  *time.Timer
}

// NewCorrelator builds an empty table for one operation kind.
func NewCorrelator(kind string) *Correlator {
	return &Correlator{
		kind:    kind,
		pending: make(map[string]*pendingRequest),
	}
}

// Issue registers id and arms its expiry timer. The returned channel yields
// exactly one Outcome. connID ties the entry to its connection so teardown
// can fail it early.
func (c *Correlator) Issue(id, connID string, timeout time.Duration) <-chan Outcome {
	ch := make(chan Outcome, 1)

	c.mu.Lock()
	req := &pendingRequest{connID: connID, ch: ch}
	req.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, Outcome{Err: ErrTimeout})
	})
	c.pending[id] = req
	c.mu.Unlock()

	return ch
}

// Resolve completes id with a response payload. Returns false when the id is
// unknown (already timed out, failed, or never issued).
func (c *Correlator) Resolve(id string, payload json.RawMessage) bool {
	return c.resolve(id, Outcome{Payload: payload})
}

// FailConnection resolves every entry owned by connID with
// ErrConnectionClosed.
func (c *Correlator) FailConnection(connID string) {
	c.mu.Lock()
	var ids []string
	for id, req := range c.pending {
		if req.connID == connID {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.resolve(id, Outcome{Err: ErrConnectionClosed})
	}
}

// Len reports the current table size.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) resolve(id string, out Outcome) bool {
	c.mu.Lock()
	req, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	req.timer.Stop()
	req.ch <- out
	return true
}
