// Package registry tracks pending asynchronous operations keyed by an
// identifier, with at most one operation in flight per key. Concurrent
// submissions for the same key coalesce onto one entry and one underlying
// radio command; resolution delivers the shared result to every waiter
// exactly once, in attachment order. Entries may carry a timeout timer
// that fails the operation if no result arrives in time.
package registry

import (
	"sync"
	"time"
)

// A Registry tracks pending operations of one category, keyed by K and
// resolving to R. The zero value is not usable; call New.
type Registry[K comparable, R any] struct {
	mu      sync.Mutex
	pending map[K]*entry[R]
	nextID  uint64
}

type entry[R any] struct {
	timer   *time.Timer
	waiters []waiter[R]
}

type waiter[R any] struct {
	id uint64
	fn func(R, error)
}

// New returns an empty registry.
func New[K comparable, R any]() *Registry[K, R] {
	return &Registry[K, R]{pending: make(map[K]*entry[R])}
}

// A Waiter identifies one submission's place in a pending operation and
// allows that submission alone to be cancelled.
type Waiter[K comparable, R any] struct {
	reg *Registry[K, R]
	key K
	id  uint64
}

// Submit attaches fn to the pending operation for key, creating it if
// none exists. On creation, issue (if non-nil) is invoked exactly once —
// after the registry lock is released — to enqueue the underlying radio
// command, and a timer is armed when timeout is positive; the timer
// resolves the operation with timeoutErr. Submissions that find an
// existing entry issue nothing and simply wait for the shared result.
//
// Submit never blocks and never invokes fn before returning.
func (r *Registry[K, R]) Submit(key K, timeout time.Duration, timeoutErr error, issue func(), fn func(R, error)) *Waiter[K, R] {
	r.mu.Lock()
	e, ok := r.pending[key]
	if !ok {
		e = &entry[R]{}
		r.pending[key] = e
	}
	r.nextID++
	id := r.nextID
	e.waiters = append(e.waiters, waiter[R]{id: id, fn: fn})
	if !ok && timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() {
			r.expire(key, e, timeoutErr)
		})
	}
	r.mu.Unlock()

	if !ok && issue != nil {
		issue()
	}
	return &Waiter[K, R]{reg: r, key: key, id: id}
}

// Resolve completes the pending operation for key, delivering v and err to
// every waiter in attachment order. It reports whether an operation was
// pending; late or duplicate results for unknown keys are a no-op.
func (r *Registry[K, R]) Resolve(key K, v R, err error) bool {
	r.mu.Lock()
	e, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	ws := e.waiters
	e.waiters = nil
	r.mu.Unlock()

	for _, w := range ws {
		w.fn(v, err)
	}
	return true
}

// Fail completes the pending operation for key with an error.
func (r *Registry[K, R]) Fail(key K, err error) bool {
	var zero R
	return r.Resolve(key, zero, err)
}

// FailMatching fails every pending operation whose key satisfies match,
// and returns the number of operations failed. Used to cascade state loss
// (manager leaving powered on, peripheral disconnecting) onto everything
// outstanding for the affected scope.
func (r *Registry[K, R]) FailMatching(match func(K) bool, err error) int {
	r.mu.Lock()
	var failed []*entry[R]
	for key, e := range r.pending {
		if match != nil && !match(key) {
			continue
		}
		delete(r.pending, key)
		if e.timer != nil {
			e.timer.Stop()
		}
		failed = append(failed, e)
	}
	r.mu.Unlock()

	var zero R
	for _, e := range failed {
		for _, w := range e.waiters {
			w.fn(zero, err)
		}
	}
	return len(failed)
}

// FailAll fails every pending operation.
func (r *Registry[K, R]) FailAll(err error) int {
	return r.FailMatching(nil, err)
}

// expire is the timer path. It resolves only if the entry it was armed for
// is still the pending one; a result that won the race disarms it.
func (r *Registry[K, R]) expire(key K, armed *entry[R], err error) {
	r.mu.Lock()
	e, ok := r.pending[key]
	if !ok || e != armed {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	ws := e.waiters
	e.waiters = nil
	r.mu.Unlock()

	var zero R
	for _, w := range ws {
		w.fn(zero, err)
	}
}

// Cancel removes this waiter from its pending operation without disturbing
// other coalesced waiters. Removing the last waiter tears the entry down
// (the in-flight radio command, if any, continues and its eventual result
// is dropped as unknown-key). Cancel reports whether the waiter was still
// attached; it returns false once the operation has resolved.
func (w *Waiter[K, R]) Cancel() bool {
	r := w.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[w.key]
	if !ok {
		return false
	}
	for i, cand := range e.waiters {
		if cand.id != w.id {
			continue
		}
		e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
		if len(e.waiters) == 0 {
			delete(r.pending, w.key)
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		return true
	}
	return false
}

// Pending reports whether an operation is in flight for key.
func (r *Registry[K, R]) Pending(key K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Waiters returns the number of completions attached to key's operation.
func (r *Registry[K, R]) Waiters(key K) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pending[key]
	if !ok {
		return 0
	}
	return len(e.waiters)
}

// Keys returns the keys with operations in flight, in no particular order.
func (r *Registry[K, R]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]K, 0, len(r.pending))
	for k := range r.pending {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of operations in flight.
func (r *Registry[K, R]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
