package presence

import (
	"log"
	"sort"
	"sync"

	"chatrelay/internal/metrics"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Registry is the single source of truth for who is online right now. It
// owns the live-connection records exclusively; other components read
// through the accessors and never mutate.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[string]interfaces.Connection // connectionID -> connection
	byUser  map[int64]interfaces.Connection  // userID -> at most one connection
	sampler *metrics.Sampler
}

// NewRegistry creates an empty registry composing quality data from sampler.
func NewRegistry(sampler *metrics.Sampler) *Registry {
	return &Registry{
		byConn:  make(map[string]interfaces.Connection),
		byUser:  make(map[int64]interfaces.Connection),
		sampler: sampler,
	}
}

// Register inserts a live connection. Idempotent per connection ID. A second
// login for the same user evicts the previous connection: the stale entry is
// removed from both maps and closed asynchronously to avoid holding the lock
// across a transport teardown.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	userID := conn.Identity().UserID

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn.ID()]; exists {
		return nil
	}

	if existing, exists := r.byUser[userID]; exists && existing != conn {
		delete(r.byConn, existing.ID())
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close evicted connection for user %d: %v", userID, err)
			}
		}()
	}

	r.byConn[conn.ID()] = conn
	r.byUser[userID] = conn
	return nil
}

// Unregister removes a connection. Idempotent, and removes the reverse
// lookup entry only when this exact instance is still the registered one,
// so a slow disconnect never tears down a newer connection for the same
// user. Returns the removed identity and whether anything was removed.
func (r *Registry) Unregister(conn interfaces.Connection) (types.Identity, bool) {
	if conn == nil {
		return types.Identity{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	registered, exists := r.byConn[conn.ID()]
	if !exists || registered != conn {
		return types.Identity{}, false
	}

	delete(r.byConn, conn.ID())

	identity := conn.Identity()
	if current, ok := r.byUser[identity.UserID]; ok && current == conn {
		delete(r.byUser, identity.UserID)
	}
	return identity, true
}

// Get returns the connection for a connection ID.
func (r *Registry) Get(connectionID string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.byConn[connectionID]
	return conn, exists
}

// FindByUserID returns the live connection for a user, or false when the
// user is offline. Callers re-check liveness here after any suspension
// point instead of holding on to a connection captured earlier.
func (r *Registry) FindByUserID(userID int64) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.byUser[userID]
	return conn, exists
}

// All returns every live connection for fan-out.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]interfaces.Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		connections = append(connections, conn)
	}
	return connections
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot composes the presence list with fresh quality data from the
// sampler. Recomputed on every call, never cached, so latency and jitter
// reflect the newest sample. At most one entry per user by construction.
func (r *Registry) Snapshot() []types.PresenceEntry {
	r.mu.RLock()
	connections := make([]interfaces.Connection, 0, len(r.byUser))
	for _, conn := range r.byUser {
		connections = append(connections, conn)
	}
	r.mu.RUnlock()

	entries := make([]types.PresenceEntry, 0, len(connections))
	for _, conn := range connections {
		latency := r.sampler.AverageLatency(conn.ID())
		jitter := r.sampler.Jitter(conn.ID())
		entries = append(entries, types.PresenceEntry{
			UserID:            conn.Identity().UserID,
			Username:          conn.Identity().Username,
			Latency:           latency,
			Jitter:            jitter,
			ConnectionQuality: metrics.HealthLabel(latency, jitter, 0),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}
