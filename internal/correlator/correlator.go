// Package correlator matches responses to the callers awaiting them by
// client message id. Each pending request is resolved exactly once: by a
// matching response, by timeout, by caller cancellation, or by connection
// loss. Responses whose id has no pending entry are dropped, not errors;
// the drop is reported through an observer hook for diagnostics.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tickwire/tickwire/internal/protocol"
)

var (
	// ErrDuplicateID is returned by Register when the id is already pending.
	ErrDuplicateID = errors.New("duplicate client msg id")

	// ErrTimeout is returned by Await when no response arrived in time.
	// The caller may retry with a fresh id.
	ErrTimeout = errors.New("request timeout")

	// ErrConnectionClosed resolves every pending request when the
	// connection is lost or closed.
	ErrConnectionClosed = errors.New("connection closed")
)

type result struct {
	env *protocol.Envelope
	err error
}

// Pending is one registered request awaiting its response.
type Pending struct {
	id string
	ch chan result // buffered; receives exactly one result
}

// ID returns the client message id this request is registered under.
func (p *Pending) ID() string { return p.id }

// Table tracks pending requests by client message id. Ownership of the
// single resolution is decided by map removal: whichever path removes the
// entry delivers the result, so a response racing a timeout can never
// complete a request twice.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending

	// onUnmatched is invoked for every response that matched no pending
	// entry. May be nil.
	onUnmatched func()
}

// NewTable creates an empty table. onUnmatched, if non-nil, is called once
// per dropped unmatched response.
func NewTable(onUnmatched func()) *Table {
	return &Table{
		pending:     make(map[string]*Pending),
		onUnmatched: onUnmatched,
	}
}

// Register creates a pending slot for the given id. It fails with
// ErrDuplicateID if the id already has an in-flight request.
func (t *Table) Register(id string) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	p := &Pending{
		id: id,
		ch: make(chan result, 1),
	}
	t.pending[id] = p
	return p, nil
}

// Resolve completes the pending request matching the envelope's client
// message id. It reports whether a pending entry was found; an unmatched
// envelope is counted and dropped.
func (t *Table) Resolve(env *protocol.Envelope) bool {
	t.mu.Lock()
	p, ok := t.pending[env.ClientMsgID]
	if ok {
		delete(t.pending, env.ClientMsgID)
	}
	t.mu.Unlock()
	if !ok {
		if t.onUnmatched != nil {
			t.onUnmatched()
		}
		return false
	}
	p.ch <- result{env: env}
	return true
}

// FailAll resolves every pending request with the given error. Used on
// disconnect so no caller is left waiting.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	failed := make([]*Pending, 0, len(t.pending))
	for id, p := range t.pending {
		failed = append(failed, p)
		delete(t.pending, id)
	}
	t.mu.Unlock()
	for _, p := range failed {
		p.ch <- result{err: err}
	}
}

// Abandon removes the entry if it is still pending, so a late response is
// dropped as unmatched rather than delivered to nobody. Used by Await on
// timeout and cancellation, and by the engine when a send fails after the
// id was registered.
func (t *Table) Abandon(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Await blocks until the pending request resolves, the timeout elapses, or
// the context is cancelled. On timeout it fails with an error wrapping
// ErrTimeout; on cancellation it returns the context error. Either way the
// slot is removed, leaving the table consistent.
func (t *Table) Await(ctx context.Context, p *Pending, timeout time.Duration) (*protocol.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-p.ch:
		return r.env, r.err
	case <-timer.C:
		t.Abandon(p.id)
		return nil, fmt.Errorf("%w: %q after %v", ErrTimeout, p.id, timeout)
	case <-ctx.Done():
		t.Abandon(p.id)
		return nil, ctx.Err()
	}
}

// Len reports the number of requests currently pending.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
