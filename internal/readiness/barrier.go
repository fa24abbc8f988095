// Package readiness implements the start-up gate the directory puts in front
// of its storage driver.
//
// Opening a driver can take a while (connecting, migrating). Anything that
// arrives before that finishes is parked on a Barrier and released, in arrival
// order, once MarkReady is called. Callers arriving later pass straight
// through. The error given to MarkReady, if any, is delivered to every waiter.
package readiness

import (
	"context"
	"sync"
)

// Barrier is a one-shot readiness gate. The zero value is not usable; call
// New.
type Barrier struct {
	mu    sync.Mutex
	ready bool
	err   error
	queue []func(error)
	done  chan struct{}
}

// New returns a barrier that is not ready yet.
func New() *Barrier {
	return &Barrier{done: make(chan struct{})}
}

// OnReady runs cb with the ready error once the barrier is ready. If it
// already is, cb runs immediately on the calling goroutine.
func (b *Barrier) OnReady(cb func(error)) {
	b.mu.Lock()
	if !b.ready {
		b.queue = append(b.queue, cb)
		b.mu.Unlock()
		return
	}
	err := b.err
	b.mu.Unlock()

	cb(err)
}

// MarkReady opens the barrier with err and runs the queued callbacks in FIFO
// order. Only the first call has an effect; it reports whether it was that
// call.
func (b *Barrier) MarkReady(err error) bool {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		return false
	}
	b.ready = true
	b.err = err
	queue := b.queue
	b.queue = nil
	close(b.done)
	b.mu.Unlock()

	for _, cb := range queue {
		cb(err)
	}
	return true
}

// Wait blocks until the barrier is ready or ctx is done.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Ready reports whether MarkReady has been called.
func (b *Barrier) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Err returns the ready error; nil while the barrier is not ready.
func (b *Barrier) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}
