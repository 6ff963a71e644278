package rooms

import (
	"context"
	"sync"
)

// Memory is an in-process Directory for single-node deployments and tests.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]*memoryRoom
}

type memoryRoom struct {
	isGroup      bool
	participants map[string]bool
	admins       map[string]bool
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]*memoryRoom)}
}

// Put registers or replaces a room. Admins are added to the participant set,
// keeping the admins-are-participants invariant regardless of input.
func (d *Memory) Put(room Room) {
	entry := &memoryRoom{
		isGroup:      room.IsGroup,
		participants: make(map[string]bool, len(room.Participants)),
		admins:       make(map[string]bool, len(room.Admins)),
	}
	for _, uid := range room.Participants {
		entry.participants[uid] = true
	}
	for _, uid := range room.Admins {
		entry.admins[uid] = true
		entry.participants[uid] = true
	}

	d.mu.Lock()
	d.rooms[room.ID] = entry
	d.mu.Unlock()
}

func (d *Memory) IsParticipant(ctx context.Context, userID, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[roomID]
	return ok && room.participants[userID], nil
}

func (d *Memory) IsAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	room, ok := d.rooms[roomID]
	return ok && room.admins[userID], nil
}
