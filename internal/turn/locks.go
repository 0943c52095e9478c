package turn

import "sync"

// KeyedLock serializes turns per conversation identity. Different identities
// proceed fully in parallel; two turns for the same identity never interleave
// their read-modify-write on the conversation state.
//
// Entries are reference counted and removed when the last holder releases,
// so the map does not grow with the number of identities ever seen.
type KeyedLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedLock creates an empty lock set.
func NewKeyedLock() *KeyedLock {
	return &KeyedLock{locks: make(map[string]*lockEntry)}
}

// Lock acquires the lock for key, blocking while another holder has it.
func (l *KeyedLock) Lock(key string) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &lockEntry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for key. It must pair with a prior Lock.
func (l *KeyedLock) Unlock(key string) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
	}
	l.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}
