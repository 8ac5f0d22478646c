package ack

import (
	"context"
	"sync"
	"time"
)

// Reply deadlines for pull-style reads answered by a later event.
const (
	SnapshotTimeout = 3500 * time.Millisecond
	TrackTimeout    = 4500 * time.Millisecond
)

// Waiters is a FIFO of one-shot requests resolved by the next matching
// inbound event. A waiter whose deadline passes resolves to the zero value
// with no error, which callers read as "no data".
type Waiters[T any] struct {
	mu    sync.Mutex
	queue []*Waiter[T]
}

// Waiter is one queued request.
type Waiter[T any] struct {
	owner *Waiters[T]
	timer *time.Timer
	once  sync.Once
	done  chan struct{}

	value T
	err   error
}

// Add queues a waiter with the given deadline.
func (w *Waiters[T]) Add(timeout time.Duration) *Waiter[T] {
	waiter := &Waiter[T]{owner: w, done: make(chan struct{})}

	w.mu.Lock()
	w.queue = append(w.queue, waiter)
	waiter.timer = time.AfterFunc(timeout, func() {
		var zero T
		w.remove(waiter)
		waiter.finish(zero, nil)
	})
	w.mu.Unlock()

	return waiter
}

// Resolve hands v to the oldest waiter. It reports false when none is queued.
func (w *Waiters[T]) Resolve(v T) bool {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return false
	}
	waiter := w.queue[0]
	w.queue = w.queue[1:]
	w.mu.Unlock()

	return waiter.finish(v, nil)
}

// FailAll rejects every queued waiter with a ClosedError.
func (w *Waiters[T]) FailAll(reason string) {
	w.mu.Lock()
	all := w.queue
	w.queue = nil
	w.mu.Unlock()

	var zero T
	for _, waiter := range all {
		waiter.finish(zero, &ClosedError{Reason: reason})
	}
}

// Len returns the number of queued waiters.
func (w *Waiters[T]) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Waiters[T]) remove(target *Waiter[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, waiter := range w.queue {
		if waiter == target {
			w.queue = append(w.queue[:i:i], w.queue[i+1:]...)
			return
		}
	}
}

func (waiter *Waiter[T]) finish(v T, err error) bool {
	settled := false
	waiter.once.Do(func() {
		waiter.timer.Stop()
		waiter.value = v
		waiter.err = err
		close(waiter.done)
		settled = true
	})
	return settled
}

// Cancel removes the waiter, failing it with err.
func (waiter *Waiter[T]) Cancel(err error) {
	var zero T
	waiter.owner.remove(waiter)
	waiter.finish(zero, err)
}

// Wait blocks until the waiter resolves or ctx ends.
func (waiter *Waiter[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-waiter.done:
	case <-ctx.Done():
		waiter.Cancel(ctx.Err())
	}
	<-waiter.done
	return waiter.value, waiter.err
}
