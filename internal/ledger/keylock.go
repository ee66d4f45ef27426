package ledger

import "sync"

// keyLocks hands out one mutex per ledger key so appends for the same
// (user, asset) pair serialize while appends for different pairs proceed
// independently. Locks are never reclaimed; the set of traded pairs is
// small and stable for the life of the process.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*sync.Mutex)}
}

func (k *keyLocks) lockFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	return l
}
