// Package notifier implements a shared value that multiple watchers can
// follow. Watchers only ever see the latest value: intermediate values set
// while a watcher was busy are skipped.
package notifier

import (
	"sync"
)

// Value holds a value of type T that can be watched for changes. Methods on
// a Value may be called concurrently. The zero Value is ready to use.
type Value[T any] struct {
	mu      sync.RWMutex
	wait    sync.Cond
	version int
	value   T
	closed  bool
}

func (v *Value[T]) init() {
	if v.wait.L == nil {
		v.wait.L = v.mu.RLocker()
	}
}

// Set replaces the shared value and wakes every watcher.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.init()
	v.value = val
	v.version++
	v.mu.Unlock()
	v.wait.Broadcast()
}

// Update applies f to the shared value under the write lock, so concurrent
// updates never lose each other's changes.
func (v *Value[T]) Update(f func(T) T) {
	v.mu.Lock()
	v.init()
	v.value = f(v.value)
	v.version++
	v.mu.Unlock()
	v.wait.Broadcast()
}

// Get returns the current value and its version. The version is zero until
// Set or Update is first called.
func (v *Value[T]) Get() (T, int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.version
}

// Close closes the Value, unblocking any outstanding watchers.
func (v *Value[T]) Close() {
	v.mu.Lock()
	v.init()
	v.closed = true
	v.mu.Unlock()
	v.wait.Broadcast()
}

// Closed reports whether the value has been closed.
func (v *Value[T]) Closed() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.closed
}

// Watch returns a Watcher of the value. If the value has never been set,
// the first call to Next blocks until it is.
func (v *Value[T]) Watch() *Watcher[T] {
	return &Watcher[T]{value: v}
}

// Watcher follows a single Value.
type Watcher[T any] struct {
	value   *Value[T]
	version int
	current T
	closed  bool
}

// Next blocks until the value differs from the one last returned by Value,
// or until the Value or the Watcher is closed, in which case it returns
// false.
func (w *Watcher[T]) Next() bool {
	v := w.value
	v.mu.Lock()
	v.init()
	v.mu.Unlock()

	v.mu.RLock()
	defer v.mu.RUnlock()

	// Wait only returns after Set, Update or Close was called, so the loop
	// runs at most twice per change.
	for {
		if w.version != v.version {
			w.version = v.version
			w.current = v.value
			return true
		}
		if v.closed || w.closed {
			return false
		}
		v.wait.Wait()
	}
}

// Value returns the value seen by the last successful call to Next.
func (w *Watcher[T]) Value() T {
	return w.current
}

// Close closes the Watcher without closing the underlying Value. It may be
// called concurrently with Next.
func (w *Watcher[T]) Close() {
	w.value.mu.Lock()
	w.value.init()
	w.closed = true
	w.value.mu.Unlock()
	w.value.wait.Broadcast()
}
