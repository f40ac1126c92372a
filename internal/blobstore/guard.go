package blobstore

import "sync"

// Guard serialises work on blobs that share a content hash. Upload holds it
// from the dedupe lookup through the ledger insert, and deleters hold it
// from the reference check through the blob delete, so a blob is never
// removed from under a record that was just acknowledged.
type Guard struct {
	mu    sync.Mutex
	locks map[string]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{locks: make(map[string]*hashLock)}
}

// Lock blocks until hash is free and returns the matching unlock.
func (g *Guard) Lock(hash string) (unlock func()) {
	g.mu.Lock()
	l, ok := g.locks[hash]
	if !ok {
		l = &hashLock{}
		g.locks[hash] = l
	}
	l.refs++
	g.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		g.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(g.locks, hash)
		}
		g.mu.Unlock()
	}
}

// held reports how many callers hold or wait on hash.
func (g *Guard) held(hash string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.locks[hash]; ok {
		return l.refs
	}
	return 0
}
