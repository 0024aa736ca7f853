// Package keylock serializes work per key without a global lock.
package keylock

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Map hands out one mutex per key. Idle keys are dropped.
type Map struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

func New() *Map {
	return &Map{locks: make(map[string]*lockEntry)}
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *Map) Lock(key string) func() {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		m.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
