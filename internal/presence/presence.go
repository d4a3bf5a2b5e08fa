// Package presence keeps the in-memory map of which user is connected
// through which connection. At most one connection is live per user; a
// newer one supersedes the older.
package presence

import (
	"context"
	"sync"

	"tsubame/internal/model"
)

// Conn is a live client connection
type Conn interface {
	ID() string
	Send(ev model.Event) error
	Close() error
}

// Waiter is a Conn that can wait for room in its outbound buffer. Send
// never blocks; SendWait blocks until the event is queued, the connection
// closes or ctx is done.
type Waiter interface {
	SendWait(ctx context.Context, ev model.Event) error
}

type entry struct {
	userID int64
	conn   Conn
}

// Registry maps users to their current connection
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]Conn
	byConn map[string]entry
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]Conn),
		byConn: make(map[string]entry),
	}
}

// Register binds conn to userID and returns the connection it replaced,
// if any. The caller is responsible for closing the superseded one. The
// superseded connection stays known until it is unregistered, so it can
// be restored when the newer one fails to come up.
func (r *Registry) Register(userID int64, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.byUser[userID]
	r.byUser[userID] = conn
	r.byConn[conn.ID()] = entry{userID: userID, conn: conn}

	if prev != nil && prev.ID() == conn.ID() {
		return nil
	}
	return prev
}

// Unregister removes connID. ok is false unless connID was the live
// connection of its user, which is the case for a superseded connection
// closing late.
func (r *Registry) Unregister(connID string) (userID int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.byConn[connID]
	if !found {
		return 0, false
	}
	delete(r.byConn, connID)
	if cur, live := r.byUser[e.userID]; live && cur.ID() == connID {
		delete(r.byUser, e.userID)
		return e.userID, true
	}
	return 0, false
}

// Restore drops failed and puts prev back as the connection of userID.
// It reports false when prev was unregistered in between or another
// connection took the slot.
func (r *Registry) Restore(userID int64, prev, failed Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byConn, failed.ID())
	if cur, live := r.byUser[userID]; live && cur.ID() == failed.ID() {
		delete(r.byUser, userID)
	}
	if prev == nil {
		return false
	}
	if _, known := r.byConn[prev.ID()]; !known {
		return false
	}
	if _, taken := r.byUser[userID]; taken {
		return false
	}
	r.byUser[userID] = prev
	return true
}

// Resolve returns the live connection of a user
func (r *Registry) Resolve(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byUser[userID]
	return c, ok
}

// Online reports whether the user has a live connection
func (r *Registry) Online(userID int64) bool {
	_, ok := r.Resolve(userID)
	return ok
}

// Snapshot copies the current user to connection map so callers can
// write without holding the lock
func (r *Registry) Snapshot() map[int64]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64]Conn, len(r.byUser))
	for id, c := range r.byUser {
		out[id] = c
	}
	return out
}

// Count returns the number of connected users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
