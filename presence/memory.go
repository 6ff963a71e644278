package presence

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for single-node deployments and tests.
type Memory struct {
	mu    sync.Mutex
	users map[string]*memoryState
}

type memoryState struct {
	conns      map[string]bool
	lastSeen   time.Time
	deviceHint string
}

func NewMemory() *Memory {
	return &Memory{users: make(map[string]*memoryState)}
}

func (s *Memory) Connect(ctx context.Context, userID, connID, deviceHint string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	if u == nil {
		u = &memoryState{conns: make(map[string]bool)}
		s.users[userID] = u
	}
	u.conns[connID] = true
	u.lastSeen = time.Now().UTC()
	u.deviceHint = deviceHint
	return u.state(userID), nil
}

func (s *Memory) Heartbeat(ctx context.Context, userID, connID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	if u == nil {
		return State{UserID: userID}, nil
	}
	if len(u.conns) > 0 {
		u.lastSeen = time.Now().UTC()
	}
	return u.state(userID), nil
}

func (s *Memory) Disconnect(ctx context.Context, userID, connID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	if u == nil {
		return State{UserID: userID}, false, nil
	}
	delete(u.conns, connID)
	wentOffline := len(u.conns) == 0
	if wentOffline {
		u.lastSeen = time.Now().UTC()
	}
	return u.state(userID), wentOffline, nil
}

func (s *Memory) Get(ctx context.Context, userID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	if u == nil {
		return State{UserID: userID}, nil
	}
	return u.state(userID), nil
}

func (u *memoryState) state(userID string) State {
	return State{
		UserID:     userID,
		Online:     len(u.conns) > 0,
		LastSeen:   u.lastSeen,
		DeviceHint: u.deviceHint,
	}
}
