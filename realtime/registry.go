package realtime

import (
	"sort"
	"sync"
	"time"
)

// SessionInfo is a diagnostic snapshot of one live session.
type SessionInfo struct {
	ConnID   string    `json:"conn_id"`
	UserID   string    `json:"user_id"`
	Username string    `json:"username,omitempty"`
	RoomID   string    `json:"room_id"`
	JoinedAt time.Time `json:"joined_at"`
	State    string    `json:"state"`
}

// Registry tracks all live sessions in the process. It serves diagnostics
// and forced disconnects only; nothing on the message path consults it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *Registry) remove(connID string) {
	r.mu.Lock()
	delete(r.sessions, connID)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions sorted by join time.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			ConnID:   s.ID(),
			UserID:   s.UserID(),
			Username: s.Username(),
			RoomID:   s.RoomID(),
			JoinedAt: s.JoinedAt(),
			State:    s.State().String(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].JoinedAt.Equal(infos[j].JoinedAt) {
			return infos[i].JoinedAt.Before(infos[j].JoinedAt)
		}
		return infos[i].ConnID < infos[j].ConnID
	})
	return infos
}

// ForceDisconnect closes the transport of one session; the session then
// runs its ordinary disconnect bookkeeping. Reports whether the session
// existed.
func (r *Registry) ForceDisconnect(connID, reason string) bool {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.CloseConn(CloseNormal, reason)
	return true
}

// CloseAll closes every live session's transport, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		s.CloseConn(CloseNormal, "server shutting down")
	}
}
