// Package types provides small generic containers used across the transaction layer.
package types

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// CallbackManager keeps an ordered set of callbacks.
// Iteration reads an immutable snapshot without locking, Add and remove replace the snapshot.
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu   sync.Mutex
	seq  uint64
	list atomic.Pointer[[]callback[T]]
}

type callback[T any] struct {
	id uint64
	fn T
}

func (m *CallbackManager[T]) snapshot() []callback[T] {
	if m == nil {
		return nil
	}
	if p := m.list.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *CallbackManager[T]) Len() int { return len(m.snapshot()) }

// Add appends fn and returns a function that removes it.
// The returned function is safe to call multiple times.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	m.seq++
	id := m.seq
	next := append(slices.Clone(m.snapshot()), callback[T]{id, fn})
	m.list.Store(&next)
	m.mu.Unlock()

	return sync.OnceFunc(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		next := slices.DeleteFunc(slices.Clone(m.snapshot()), func(cb callback[T]) bool { return cb.id == id })
		m.list.Store(&next)
	})
}

// All iterates over the callbacks in the order they were added.
// Callbacks may add or remove callbacks while iterating, that does not affect the running iteration.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, cb := range m.snapshot() {
			if !yield(cb.fn) {
				return
			}
		}
	}
}
