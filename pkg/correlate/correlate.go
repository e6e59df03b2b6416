// Package correlate matches asynchronous bus replies back to the session
// that published the request, keyed by request UUID.
package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assistkit/groundstation/pkg/bus/messages"
)

// ErrTimeout is delivered to a waiter whose reply never arrived.
var ErrTimeout = errors.New("timed out waiting for reply")

// ErrBusLost is delivered to waiters abandoned because the broker
// connection went down while they were in flight.
var ErrBusLost = errors.New("bus connection lost while awaiting reply")

type pending struct {
	sessionID string
	result    chan result
	timer     *time.Timer
}

type result struct {
	resp messages.Response
	err  error
}

// Handle is one registered in-flight request. Exactly one of Await's
// outcomes fires: reply, timeout, failure injection, or caller cancel.
type Handle struct {
	id     uuid.UUID
	c      *Correlator
	result <-chan result
}

// ID returns the request UUID the handle was registered under.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// Cancel withdraws the registration, for example when the request was never
// published. Safe to call at any time.
func (h *Handle) Cancel() {
	h.c.remove(h.id)
}

// Await blocks until the reply arrives or the entry is failed. Context
// cancellation abandons the wait and removes the entry, so a reply landing
// after cancel is treated like any other unknown ID.
func (h *Handle) Await(ctx context.Context) (messages.Response, error) {
	select {
	case r := <-h.result:
		return r.resp, r.err
	case <-ctx.Done():
		h.c.remove(h.id)
		return messages.Response{}, ctx.Err()
	}
}

// Correlator is the hub-wide table of in-flight requests. One instance
// serves all sessions.
type Correlator struct {
	mu      sync.Mutex
	pending map[uuid.UUID]*pending
}

func New() *Correlator {
	return &Correlator{pending: make(map[uuid.UUID]*pending)}
}

// Register adds an entry for id owned by sessionID. The entry self-expires
// with ErrTimeout after timeout if nothing resolves it first.
func (c *Correlator) Register(id uuid.UUID, sessionID string, timeout time.Duration) *Handle {
	p := &pending{
		sessionID: sessionID,
		result:    make(chan result, 1),
	}
	p.timer = time.AfterFunc(timeout, func() {
		c.fail(id, ErrTimeout)
	})

	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()

	return &Handle{id: id, c: c, result: p.result}
}

// Resolve delivers resp to the waiter registered under id. It reports
// whether a waiter was found; an unknown or already-completed id is a no-op,
// which makes duplicate and late replies harmless.
func (c *Correlator) Resolve(id uuid.UUID, resp messages.Response) bool {
	p := c.take(id)
	if p == nil {
		return false
	}
	p.result <- result{resp: resp}
	return true
}

// FailSession fails every in-flight entry owned by sessionID with err.
// Used when a satellite disconnects mid-command.
func (c *Correlator) FailSession(sessionID string, err error) {
	c.failWhere(func(p *pending) bool { return p.sessionID == sessionID }, err)
}

// FailAll fails every in-flight entry, typically with ErrBusLost when the
// broker connection drops.
func (c *Correlator) FailAll(err error) {
	c.failWhere(func(*pending) bool { return true }, err)
}

// Pending returns the number of in-flight entries.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) fail(id uuid.UUID, err error) {
	p := c.take(id)
	if p == nil {
		return
	}
	p.result <- result{err: err}
}

func (c *Correlator) failWhere(match func(*pending) bool, err error) {
	c.mu.Lock()
	var failed []*pending
	for id, p := range c.pending {
		if match(p) {
			p.timer.Stop()
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	c.mu.Unlock()

	for _, p := range failed {
		p.result <- result{err: err}
	}
}

// take removes and returns the entry for id. Removal under the mutex is what
// guarantees each entry completes exactly once.
func (c *Correlator) take(id uuid.UUID) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(c.pending, id)
	return p
}

func (c *Correlator) remove(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
}
