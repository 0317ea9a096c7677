// Package keylock provides per-key mutual exclusion. Holders of different
// keys never contend; entries are dropped once nobody holds or waits for
// them, so the map only grows with concurrently active users.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

// Map is a set of mutexes keyed by user id. The zero value is ready to use.
type Map struct {
	mu    sync.Mutex
	locks map[int64]*entry
}

// Lock blocks until key is free and returns the function that releases it.
func (m *Map) Lock(key int64) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[int64]*entry)
	}
	e, ok := m.locks[key]
	if !ok {
		e = &entry{}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			m.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(m.locks, key)
			}
			m.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
