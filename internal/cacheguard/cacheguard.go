// Package cacheguard provides per-key mutual exclusion with a lock table that
// only holds records for keys currently in use.
package cacheguard

import "sync"

type record struct {
	mu      sync.Mutex
	waiters int
}

// Guard is a table of reference-counted locks. The zero value is ready to use.
// A Guard must not be copied after first use.
type Guard[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*record
}

// HashLock is held by one caller for one key until Release.
type HashLock[K comparable] struct {
	g    *Guard[K]
	key  K
	rec  *record
	once sync.Once
}

// Acquire blocks until the caller holds the lock for key. Callers for
// different keys never block one another beyond the table mutex.
func (g *Guard[K]) Acquire(key K) *HashLock[K] {
	g.mu.Lock()
	if g.locks == nil {
		g.locks = make(map[K]*record)
	}
	rec, ok := g.locks[key]
	if !ok {
		rec = &record{}
		g.locks[key] = rec
	}
	rec.waiters++
	g.mu.Unlock()

	rec.mu.Lock()
	return &HashLock[K]{g: g, key: key, rec: rec}
}

// Release unlocks the key and drops the table record once no caller holds or
// waits for it. Release is idempotent.
func (l *HashLock[K]) Release() {
	l.once.Do(func() {
		l.rec.mu.Unlock()
		l.g.mu.Lock()
		l.rec.waiters--
		if l.rec.waiters == 0 {
			delete(l.g.locks, l.key)
		}
		l.g.mu.Unlock()
	})
}

// Key returns the key the lock was acquired for.
func (l *HashLock[K]) Key() K { return l.key }

// Len returns the number of keys currently held or waited on.
func (g *Guard[K]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}

// Waiters returns the number of callers holding or waiting for key.
func (g *Guard[K]) Waiters(key K) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.locks[key]; ok {
		return rec.waiters
	}
	return 0
}
