package session

import (
	"sync"

	"github.com/ashishkum25/AiChatCode/pkg/logging"
)

// CloseReasonEvicted is the close reason sent to a connection displaced by a
// newer handshake for the same identity and project.
const CloseReasonEvicted = "evicted: superseded by a newer connection"

// compositeKey identifies the single-connection slot for a participant in a
// project room.
type compositeKey struct {
	identity  string
	projectID string
}

// Registry owns room membership. All mutations go through Admit and Remove;
// callers never touch the map directly.
type Registry struct {
	mu       sync.Mutex
	byKey    map[compositeKey]Conn
	byConnID map[string]compositeKey
	logger   *logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Registry{
		byKey:    make(map[compositeKey]Conn),
		byConnID: make(map[string]compositeKey),
		logger:   logger,
	}
}

// Admit installs conn as the active connection for (identity, projectID).
// If the slot is occupied the prior connection is evicted: removed from the
// registry and force-closed so it can relay nothing further. Last writer wins.
func (r *Registry) Admit(projectID string, conn Conn) Conn {
	key := compositeKey{identity: conn.Identity().Email, projectID: projectID}

	r.mu.Lock()
	prior := r.byKey[key]
	if prior != nil {
		delete(r.byConnID, prior.ID())
	}
	r.byKey[key] = conn
	r.byConnID[conn.ID()] = key
	r.mu.Unlock()

	// Close outside the lock; transport close may block briefly.
	if prior != nil {
		prior.Close(CloseReasonEvicted)
		r.logger.Info(logging.CategorySession, "connection_evicted", "", map[string]any{
			"project":  projectID,
			"identity": key.identity,
			"evicted":  prior.ID(),
			"admitted": conn.ID(),
		})
	}

	return conn
}

// Remove transitions the slot back to absent, but only if connID is still the
// connection on record. A stale disconnect racing a newer eviction is a no-op.
func (r *Registry) Remove(projectID, identity, connID string) bool {
	key := compositeKey{identity: identity, projectID: projectID}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byKey[key]
	if !ok || current.ID() != connID {
		return false
	}
	delete(r.byKey, key)
	delete(r.byConnID, connID)
	return true
}

// IsActive reports whether conn is still the connection on record for its
// slot. Evicted and removed connections are not active.
func (r *Registry) IsActive(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byConnID[conn.ID()]
	if !ok {
		return false
	}
	current := r.byKey[key]
	return current != nil && current.ID() == conn.ID()
}

// Members returns a snapshot of all active connections in the project's room.
func (r *Registry) Members(projectID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var members []Conn
	for key, conn := range r.byKey {
		if key.projectID == projectID {
			members = append(members, conn)
		}
	}
	return members
}

// ActiveCount returns the number of active connections across all rooms.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey)
}

// RoomCount returns the number of rooms with at least one active connection.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make(map[string]struct{})
	for key := range r.byKey {
		rooms[key.projectID] = struct{}{}
	}
	return len(rooms)
}
