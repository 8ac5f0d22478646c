package connection

import (
	"sort"
	"sync"
)

// Observers is a set of callbacks. Emit calls them outside the lock in
// registration order, so a callback may unsubscribe or subscribe others.
// The zero value is ready to use.
type Observers[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(T)
}

// Add registers fn and returns its unsubscribe function.
func (o *Observers[T]) Add(fn func(T)) func() {
	o.mu.Lock()
	if o.subs == nil {
		o.subs = make(map[uint64]func(T))
	}
	id := o.next
	o.next++
	o.subs[id] = fn
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

// Emit delivers v to every registered callback.
func (o *Observers[T]) Emit(v T) {
	for _, fn := range o.snapshot() {
		fn(v)
	}
}

// Len returns the number of registered callbacks.
func (o *Observers[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.subs)
}

func (o *Observers[T]) snapshot() []func(T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]uint64, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(T), len(ids))
	for i, id := range ids {
		fns[i] = o.subs[id]
	}
	return fns
}
