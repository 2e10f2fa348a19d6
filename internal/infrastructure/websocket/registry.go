package websocket

import (
	"sync"
	"time"

	"bazarchat/internal/domain/entity"
	"bazarchat/pkg/logger"
)

const defaultReleaseGrace = time.Second

// Registry keeps at most one live connection per (role, user id) identity.
// It is an explicit service constructed once and passed by reference, so
// lifecycle and tests stay visible; there is no package-level instance.
type Registry struct {
	mu    sync.Mutex
	grace time.Duration
	conns map[string]*registryEntry
}

type registryEntry struct {
	conn  *Conn
	refs  int
	evict *time.Timer
}

func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = defaultReleaseGrace
	}
	return &Registry{
		grace: grace,
		conns: make(map[string]*registryEntry),
	}
}

// Acquire returns the identity's connection, creating it lazily. A pending
// eviction for the same identity is cancelled, so rapid remounts (route
// transitions) reuse the socket instead of thrashing it.
func (r *Registry) Acquire(role entity.Role, userID, endpoint, token string) *Conn {
	key := entity.IdentityKey(role, userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.conns[key]; ok {
		if entry.evict != nil {
			entry.evict.Stop()
			entry.evict = nil
		}
		entry.refs++
		return entry.conn
	}

	entry := &registryEntry{conn: NewConn(endpoint, token), refs: 1}
	r.conns[key] = entry
	logger.Debug("Registry: connection created for %s", key)
	return entry.conn
}

// Release drops one reference. When the last reference goes, the connection
// is closed after the grace delay unless re-acquired first.
func (r *Registry) Release(role entity.Role, userID string) {
	key := entity.IdentityKey(role, userID)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[key]
	if !ok {
		return
	}

	entry.refs--
	if entry.refs > 0 {
		return
	}

	if entry.evict != nil {
		entry.evict.Stop()
	}
	entry.evict = time.AfterFunc(r.grace, func() {
		r.evict(key)
	})
}

func (r *Registry) evict(key string) {
	r.mu.Lock()
	entry, ok := r.conns[key]
	if !ok || entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.conns, key)
	r.mu.Unlock()

	entry.conn.Close()
	logger.Debug("Registry: connection evicted for %s", key)
}

// CleanupAll closes every tracked connection. Intended for full application
// teardown.
func (r *Registry) CleanupAll() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.conns))
	for _, entry := range r.conns {
		if entry.evict != nil {
			entry.evict.Stop()
		}
		entries = append(entries, entry)
	}
	r.conns = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, entry := range entries {
		entry.conn.Close()
	}
}

// Len reports the number of tracked identities.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
