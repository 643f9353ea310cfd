package langserver

import (
	"context"
	"sync"
)

// Deferred is a one-shot settlement primitive used as the readiness gate for
// a session. It starts pending and settles exactly once, either resolved
// (nil error) or rejected. Waiters observe the eventual outcome of the
// in-flight startup, never a stale or default value.
type Deferred struct {
	mu      sync.Mutex
	done    chan struct{}
	err     error
	settled bool
}

// NewDeferred creates a pending gate.
func NewDeferred() *Deferred {
	return &Deferred{done: make(chan struct{})}
}

// Resolve settles the gate successfully. Calls after the first settlement
// are no-ops.
func (d *Deferred) Resolve() {
	d.settle(nil)
}

// Reject settles the gate with an error. Calls after the first settlement
// are no-ops.
func (d *Deferred) Reject(err error) {
	if err == nil {
		err = ErrDisposed
	}
	d.settle(err)
}

func (d *Deferred) settle(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return
	}
	d.settled = true
	d.err = err
	close(d.done)
}

// Wait blocks until the gate settles or ctx is done, returning the
// settlement error (nil on resolve) or the context error.
func (d *Deferred) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the gate settles.
func (d *Deferred) Done() <-chan struct{} {
	return d.done
}

// Completed reports whether the gate has settled.
func (d *Deferred) Completed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Resolved reports whether the gate settled successfully.
func (d *Deferred) Resolved() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled && d.err == nil
}

// Err returns the settlement error, or nil if pending or resolved.
func (d *Deferred) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
