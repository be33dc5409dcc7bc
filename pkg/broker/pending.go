package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// PendingRequest is what the UI layer renders for a parked request. It lives
// only until resolved, superseded or timed out; it is never written to
// durable storage.
type PendingRequest struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	AppOrigin string          `json:"appOrigin"`
	CreatedAt int64           `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

type pendingKey struct {
	kind   Kind
	origin string
}

type waiter struct {
	req PendingRequest
	ch  chan Decision
	err chan error // superseded
}

// pendingSet holds the live waiters, keyed by (kind, origin). Registering a
// second request of the same kind for the same origin supersedes the first:
// its caller is resolved with ErrSuperseded and the record replaced.
type pendingSet struct {
	mu      sync.Mutex
	waiters map[pendingKey]*waiter
	notify  func(PendingRequest)
}

func newPendingSet(notify func(PendingRequest)) *pendingSet {
	return &pendingSet{waiters: map[pendingKey]*waiter{}, notify: notify}
}

func (p *pendingSet) register(req PendingRequest) *waiter {
	key := pendingKey{kind: req.Kind, origin: req.AppOrigin}
	w := &waiter{
		req: req,
		ch:  make(chan Decision, 1),
		err: make(chan error, 1),
	}
	p.mu.Lock()
	if prior, ok := p.waiters[key]; ok {
		prior.err <- ErrSuperseded
	}
	p.waiters[key] = w
	p.mu.Unlock()
	if p.notify != nil {
		p.notify(req)
	}
	return w
}

// resolve delivers a user decision to the matching live waiter. A stale
// decision, one whose waiter already timed out or was superseded, matches
// nothing and is reported false so the caller can log and drop it.
func (p *pendingSet) resolve(dec Decision) bool {
	key := pendingKey{kind: dec.Kind, origin: dec.AppOrigin}
	p.mu.Lock()
	w, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	w.ch <- dec
	return true
}

// remove unregisters a waiter, but only if it is still the live one for its
// key; a superseding registration must not be torn down by the loser's
// timeout path.
func (p *pendingSet) remove(w *waiter) {
	key := pendingKey{kind: w.req.Kind, origin: w.req.AppOrigin}
	p.mu.Lock()
	if cur, ok := p.waiters[key]; ok && cur.req.ID == w.req.ID {
		delete(p.waiters, key)
	}
	p.mu.Unlock()
}

// snapshot lists the pending requests for UI rendering.
func (p *pendingSet) snapshot() []PendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingRequest, 0, len(p.waiters))
	for _, w := range p.waiters {
		out = append(out, w.req)
	}
	return out
}

// await parks the caller until a decision, a supersession, the timeout or
// ctx cancellation, whichever comes first. Exactly one outcome wins; the
// waiter is unregistered on every path.
func (p *pendingSet) await(ctx context.Context, w *waiter, timeout time.Duration) (Decision, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case dec := <-w.ch:
		return dec, nil
	case err := <-w.err:
		return Decision{}, err
	case <-timer.C:
		p.remove(w)
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		p.remove(w)
		return Decision{}, ctx.Err()
	}
}
