package realtime

import (
	"sync"

	"tabletalk/internal/domain"
)

// Subscriber is the narrow view of a connection the shared components need:
// who it is, and a non-blocking way to hand it a frame. Sessions implement
// it; tests substitute fakes.
type Subscriber interface {
	// ID is the unique connection id, distinct per device.
	ID() string
	// Identity is the authenticated principal behind the connection.
	Identity() domain.Identity
	// Send queues a frame without blocking. It returns false when the
	// connection is closed or too slow to keep up.
	Send(frame []byte) bool
}

// Registry is the concurrency-safe directory of identity → live connections.
// An identity may hold several concurrent connections (multi-device); it is
// offline once the last one unregisters.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[Subscriber]struct{}
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[Subscriber]struct{})}
}

// Register adds a connection under its identity. Idempotent.
func (r *Registry) Register(sub Subscriber) {
	id := sub.Identity().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[id]
	if !ok {
		set = make(map[Subscriber]struct{})
		r.sessions[id] = set
	}
	set[sub] = struct{}{}
}

// Unregister removes exactly one connection. Once the identity's set is
// empty the identity is fully offline for notification routing.
func (r *Registry) Unregister(sub Subscriber) {
	id := sub.Identity().ID
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(r.sessions, id)
	}
}

// IsOnline reports whether the identity has at least one live connection.
func (r *Registry) IsOnline(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[identityID]) > 0
}

// ConnectionsFor returns a snapshot of the identity's live connections.
func (r *Registry) ConnectionsFor(identityID string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[identityID]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	return subs
}

// OnlineCount returns how many identities currently have a connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
