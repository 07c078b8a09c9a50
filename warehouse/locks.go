package warehouse

import "sync"

// KeyLocks serializes writers per natural key inside one process. Entries
// are reference counted and dropped when the last holder unlocks.
type KeyLocks struct {
	mu    sync.Mutex
	locks map[EntityKey]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyLocks() *KeyLocks {
	return &KeyLocks{locks: make(map[EntityKey]*keyLock)}
}

// Lock blocks until the key is free and returns the matching unlock.
func (l *KeyLocks) Lock(key EntityKey) func() {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		l.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// Held returns the number of keys currently locked or awaited.
func (l *KeyLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
