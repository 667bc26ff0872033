package storage

import (
	"sync"
	"time"
)

// namespaceGuard makes DeleteAll atomic for callers: once a namespace is
// tombstoned every read and write against it fails, and the tombstone is only
// set after in-flight operations on that namespace have drained. Each
// namespace has its own lock, so a slow operation on one session never holds
// up another.
type namespaceGuard struct {
	mu      sync.Mutex
	locks   map[string]*namespaceLock
	deleted map[string]time.Time
	ttl     time.Duration
}

type namespaceLock struct {
	rw   sync.RWMutex
	refs int
}

func newNamespaceGuard(ttl time.Duration) *namespaceGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &namespaceGuard{
		locks:   make(map[string]*namespaceLock),
		deleted: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func (g *namespaceGuard) enter(sessionID string) (func(), error) {
	g.mu.Lock()
	if _, gone := g.deleted[sessionID]; gone {
		g.mu.Unlock()
		return nil, ErrNamespaceDeleted
	}
	l := g.acquireLocked(sessionID)
	g.mu.Unlock()

	l.rw.RLock()

	// A tombstone may have landed while we waited for the read lock.
	if g.isDeleted(sessionID) {
		l.rw.RUnlock()
		g.release(sessionID, l)
		return nil, ErrNamespaceDeleted
	}

	return func() {
		l.rw.RUnlock()
		g.release(sessionID, l)
	}, nil
}

func (g *namespaceGuard) tombstone(sessionID string) {
	g.mu.Lock()
	l := g.acquireLocked(sessionID)
	g.mu.Unlock()

	l.rw.Lock()
	g.mu.Lock()
	now := time.Now()
	for id, at := range g.deleted {
		if now.Sub(at) > g.ttl {
			delete(g.deleted, id)
		}
	}
	g.deleted[sessionID] = now
	g.mu.Unlock()
	l.rw.Unlock()

	g.release(sessionID, l)
}

func (g *namespaceGuard) isDeleted(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, gone := g.deleted[sessionID]
	return gone
}

func (g *namespaceGuard) acquireLocked(sessionID string) *namespaceLock {
	l, ok := g.locks[sessionID]
	if !ok {
		l = &namespaceLock{}
		g.locks[sessionID] = l
	}
	l.refs++
	return l
}

func (g *namespaceGuard) release(sessionID string, l *namespaceLock) {
	g.mu.Lock()
	defer g.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(g.locks, sessionID)
	}
}
