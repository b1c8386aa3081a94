package engine

import "sync"

// keyedMutex hands out one mutex per key, created on first use and freed
// when the last holder releases it. Not re-entrant: a goroutine holding a
// key must release it before locking it again.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

func (km *keyedMutex) Lock(key string) {
	km.mu.Lock()
	entry, ok := km.locks[key]
	if !ok {
		entry = &lockEntry{}
		km.locks[key] = entry
	}
	entry.refs++
	km.mu.Unlock()

	entry.mu.Lock()
}

func (km *keyedMutex) Unlock(key string) {
	km.mu.Lock()
	entry := km.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(km.locks, key)
	}
	km.mu.Unlock()

	entry.mu.Unlock()
}

// LockPair acquires both keys in sorted order so two goroutines merging
// the same pair from opposite directions cannot deadlock.
func (km *keyedMutex) LockPair(a, b string) {
	if a == b {
		km.Lock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	km.Lock(a)
	km.Lock(b)
}

func (km *keyedMutex) UnlockPair(a, b string) {
	if a == b {
		km.Unlock(a)
		return
	}
	if a > b {
		a, b = b, a
	}
	km.Unlock(b)
	km.Unlock(a)
}
