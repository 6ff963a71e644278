// Package presence tracks one online/offline record per user, aggregated
// across that user's live connections. A user is online while at least one
// connection remains; the offline transition happens exactly once, on the
// disconnect of the last connection, and records last_seen at that moment.
package presence

import (
	"context"
	"sync"
	"time"
)

// State is the logical presence record of one user.
type State struct {
	UserID     string    `json:"user_id"`
	Online     bool      `json:"online"`
	LastSeen   time.Time `json:"last_seen"`
	DeviceHint string    `json:"device_hint,omitempty"`
}

// Store is the presence persistence contract. Disconnect reports wentOffline
// so callers broadcast the offline event only when the last connection of the
// user is gone; the returned state carries the last_seen recorded at that
// moment.
type Store interface {
	// Connect registers a live connection and flips the user online.
	Connect(ctx context.Context, userID, connID, deviceHint string) (State, error)

	// Heartbeat refreshes last_seen and connection liveness.
	Heartbeat(ctx context.Context, userID, connID string) (State, error)

	// Disconnect removes the connection. wentOffline is true only when it was
	// the user's last live connection.
	Disconnect(ctx context.Context, userID, connID string) (State, bool, error)

	// Get returns the user's current state; a never-seen user reads as
	// offline with a zero last_seen.
	Get(ctx context.Context, userID string) (State, error)
}

// connTracker is a thread-safe userID to connection-id-set index.
type connTracker struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]map[string]bool)}
}

func (ct *connTracker) add(userID, connID string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if ct.conns[userID] == nil {
		ct.conns[userID] = make(map[string]bool)
	}
	ct.conns[userID][connID] = true
}

// remove reports whether the removed connection was the user's last.
func (ct *connTracker) remove(userID, connID string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if conns, ok := ct.conns[userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(ct.conns, userID)
			return true
		}
	}
	return false
}

func (ct *connTracker) hasConns(userID string) bool {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.conns[userID]) > 0
}
