package agent

import "sync"

// lockEntry is one keyed mutex plus the number of holders and waiters.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// KeyedLocks serializes work per string key. Entries are refcounted and
// removed when the last holder releases, so the map never grows with
// the number of keys ever seen.
type KeyedLocks struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewKeyedLocks returns an empty lock set.
func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until the key is free and returns the release func.
func (k *KeyedLocks) Acquire(key string) func() {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &lockEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() { k.release(key, e) }
}

// TryAcquire grabs the key only if it is free. The second return is
// false when someone else holds it.
func (k *KeyedLocks) TryAcquire(key string) (func(), bool) {
	k.mu.Lock()
	e := k.locks[key]
	if e == nil {
		e = &lockEntry{}
		k.locks[key] = e
	}
	if !e.mu.TryLock() {
		k.mu.Unlock()
		return nil, false
	}
	e.refs++
	k.mu.Unlock()
	return func() { k.release(key, e) }, true
}

func (k *KeyedLocks) release(key string, e *lockEntry) {
	e.mu.Unlock()
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
