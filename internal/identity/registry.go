// Package identity tracks the live association between socket connections
// and external user identities. The mapping is process-scoped and mutable:
// a user who reconnects gets a fresh connection id, and re-registering
// overwrites the previous association (last writer wins).
package identity

import "sync"

// Registry is a bidirectional connection<->identity map. It is the source of
// truth for "is this user currently online" and for reverse lookup by
// identity. Entries are removed one at a time on disconnect, never in bulk.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]string // connection id -> identity
	byUser map[string]string // identity -> connection id (latest registration)
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byConn: make(map[string]string),
		byUser: make(map[string]string),
	}
}

// Register associates an identity with a connection. It is an idempotent
// upsert: the last call for a given connection wins, and the latest
// connection wins the reverse mapping if the same identity registers twice.
func (r *Registry) Register(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byConn[connID]; ok && prev != userID {
		// The connection switched identities; drop the stale reverse entry
		// only if it still points at us.
		if r.byUser[prev] == connID {
			delete(r.byUser, prev)
		}
	}
	r.byConn[connID] = userID
	r.byUser[userID] = connID
}

// Lookup returns the identity registered for a connection.
func (r *Registry) Lookup(connID string) (string, bool) {
	r.mu.RLock()
	userID, ok := r.byConn[connID]
	r.mu.RUnlock()
	return userID, ok
}

// ReverseLookup returns the connection currently associated with an
// identity. When an identity has opened several connections, the most
// recent registration wins.
func (r *Registry) ReverseLookup(userID string) (string, bool) {
	r.mu.RLock()
	connID, ok := r.byUser[userID]
	r.mu.RUnlock()
	return connID, ok
}

// Forget removes the mapping for a connection. Called exactly once, on
// disconnect; forgetting an unknown connection is a no-op. The reverse
// entry is removed only if it still points at this connection, so a user
// who already reconnected is not knocked offline by the old socket's
// teardown.
func (r *Registry) Forget(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return
	}
	delete(r.byConn, connID)
	if r.byUser[userID] == connID {
		delete(r.byUser, userID)
	}
}

// Online reports whether the identity has a live connection.
func (r *Registry) Online(userID string) bool {
	_, ok := r.ReverseLookup(userID)
	return ok
}

// Count returns the number of identified connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byConn)
	r.mu.RUnlock()
	return n
}
