// Package syncutil provides synchronization primitives.
package syncutil

import "sync"

// KeyMutex provides a mutex per key.
// Mutexes are allocated on first lock and released when the last holder or waiter unlocks.
// The zero value is ready to use.
type KeyMutex[K comparable] struct {
	mu   sync.Mutex
	muxs map[K]*keyMux
}

type keyMux struct {
	sync.Mutex
	refs int
}

// Lock acquires a mutex for the given key.
// Returns a function that releases the mutex, it must be called exactly once.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	m := km.acquire(key)
	m.Lock()
	return func() { km.release(key, m) }
}

// TryLock acquires a mutex for the given key if it is not already locked.
// Returns true if the mutex was acquired, false otherwise.
func (km *KeyMutex[K]) TryLock(key K) (unlock func(), ok bool) {
	m := km.acquire(key)
	if !m.TryLock() {
		km.mu.Lock()
		km.unref(key, m)
		km.mu.Unlock()
		return nil, false
	}
	return func() { km.release(key, m) }, true
}

// Len returns the number of keys currently held or waited on.
func (km *KeyMutex[K]) Len() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.muxs)
}

func (km *KeyMutex[K]) acquire(key K) *keyMux {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.muxs == nil {
		km.muxs = make(map[K]*keyMux)
	}
	m, ok := km.muxs[key]
	if !ok {
		m = &keyMux{}
		km.muxs[key] = m
	}
	m.refs++
	return m
}

func (km *KeyMutex[K]) release(key K, m *keyMux) {
	km.mu.Lock()
	defer km.mu.Unlock()
	m.Unlock()
	km.unref(key, m)
}

// unref must be called with km.mu held.
func (km *KeyMutex[K]) unref(key K, m *keyMux) {
	m.refs--
	if m.refs == 0 {
		delete(km.muxs, key)
	}
}
