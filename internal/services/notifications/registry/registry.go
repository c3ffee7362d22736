// Package registry tracks live realtime connections per user.
//
// The registry is process-local state: connections are ephemeral and never
// persisted. Mutation touches only the owning user's bucket, so contention
// is bounded by that user's device count rather than total connection load.
package registry

import (
	"strings"
	"sync"
)

// Conn is the transport handle bound to one live connection. Implementations
// must be safe for concurrent Send calls.
type Conn interface {
	// Send writes one outbound frame. A send failure marks the connection
	// stale for the caller; it must not panic.
	Send(frame any) error
	// Open reports whether the transport still accepts writes.
	Open() bool
}

// Binding records one connection's identity at bind time.
type Binding struct {
	Conn   Conn
	UserID string
	Role   string
}

type bucket struct {
	mu    sync.Mutex
	conns map[Conn]Binding
}

// Registry is the in-memory connection index. Multiple connections per user
// are allowed for multi-device sessions.
type Registry struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	owners  map[Conn]string
}

// New constructs an empty connection registry.
func New() *Registry {
	return &Registry{
		buckets: make(map[string]*bucket),
		owners:  make(map[Conn]string),
	}
}

// Add binds conn to userID with the role presented at handshake time.
// Rebinding an already-registered conn moves it to the new user.
func (r *Registry) Add(conn Conn, userID string, role string) {
	if r == nil || conn == nil {
		return
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return
	}

	r.Remove(conn)

	r.mu.Lock()
	b, ok := r.buckets[userID]
	if !ok {
		b = &bucket{conns: make(map[Conn]Binding)}
		r.buckets[userID] = b
	}
	r.owners[conn] = userID
	// Insert before releasing the registry lock. A concurrent Remove of the
	// user's last other connection would otherwise delete the bucket in the
	// window between the two sections, stranding this conn in an orphaned
	// bucket and reporting the user offline.
	b.mu.Lock()
	b.conns[conn] = Binding{Conn: conn, UserID: userID, Role: strings.TrimSpace(role)}
	b.mu.Unlock()
	r.mu.Unlock()
}

// Remove unbinds conn. The user's bucket is deleted once it empties so the
// registry's memory stays bounded by live connections.
func (r *Registry) Remove(conn Conn) {
	if r == nil || conn == nil {
		return
	}

	r.mu.Lock()
	userID, ok := r.owners[conn]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.owners, conn)
	b := r.buckets[userID]
	r.mu.Unlock()
	if b == nil {
		return
	}

	b.mu.Lock()
	delete(b.conns, conn)
	empty := len(b.conns) == 0
	b.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the registry lock: a concurrent Add may have
		// repopulated the bucket between the two critical sections.
		b.mu.Lock()
		if len(b.conns) == 0 && r.buckets[userID] == b {
			delete(r.buckets, userID)
		}
		b.mu.Unlock()
		r.mu.Unlock()
	}
}

// IsOnline reports whether userID has at least one open connection.
func (r *Registry) IsOnline(userID string) bool {
	return len(r.OpenConnections(userID)) > 0
}

// OpenConnections returns a snapshot of the currently open connections for
// userID. A connection may go stale between snapshot and use; callers treat
// a send failure on one connection as non-fatal.
func (r *Registry) OpenConnections(userID string) []Conn {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	b := r.buckets[strings.TrimSpace(userID)]
	r.mu.RUnlock()
	if b == nil {
		return nil
	}

	b.mu.Lock()
	conns := make([]Conn, 0, len(b.conns))
	for conn := range b.conns {
		if conn.Open() {
			conns = append(conns, conn)
		}
	}
	b.mu.Unlock()
	if len(conns) == 0 {
		return nil
	}
	return conns
}

// PartitionOnline splits userIDs into online and offline sets in one pass
// over the registry, preserving input order within each set.
func (r *Registry) PartitionOnline(userIDs []string) (online []string, offline []string) {
	for _, userID := range userIDs {
		if r.IsOnline(userID) {
			online = append(online, userID)
		} else {
			offline = append(offline, userID)
		}
	}
	return online, offline
}
