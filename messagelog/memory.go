package messagelog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Log for single-node deployments and tests. Each
// mutation is one atomic read-modify-write under the store mutex; nothing is
// held across the boundary of a single call.
type Memory struct {
	mu     sync.Mutex
	byRoom map[string][]*Message
	byID   map[string]*Message
}

func NewMemory() *Memory {
	return &Memory{
		byRoom: make(map[string][]*Message),
		byID:   make(map[string]*Message),
	}
}

func (l *Memory) Append(ctx context.Context, roomID, senderID, content, replyToID string) (Message, error) {
	msg := &Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		ReplyToID: replyToID,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	l.byRoom[roomID] = append(l.byRoom[roomID], msg)
	l.byID[msg.ID] = msg
	l.mu.Unlock()

	return snapshot(msg), nil
}

func (l *Memory) MarkDelivered(ctx context.Context, roomID string, ids []string, userID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var affected []string
	for _, id := range ids {
		if l.addDelivered(roomID, id, userID) {
			affected = append(affected, id)
		}
	}
	return affected, nil
}

func (l *Memory) MarkRead(ctx context.Context, roomID string, ids []string, userID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var affected []string
	for _, id := range ids {
		// Delivered first, so an explicit read never observes a message as
		// read-but-undelivered.
		l.addDelivered(roomID, id, userID)
		if l.addRead(roomID, id, userID) {
			affected = append(affected, id)
		}
	}
	return affected, nil
}

func (l *Memory) MarkAllDelivered(ctx context.Context, roomID, userID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var affected []string
	for _, msg := range l.byRoom[roomID] {
		if l.addDelivered(roomID, msg.ID, userID) {
			affected = append(affected, msg.ID)
		}
	}
	return affected, nil
}

func (l *Memory) MarkAllRead(ctx context.Context, roomID, userID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var affected []string
	for _, msg := range l.byRoom[roomID] {
		if l.addRead(roomID, msg.ID, userID) {
			affected = append(affected, msg.ID)
		}
	}
	return affected, nil
}

func (l *Memory) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := l.byRoom[roomID]
	msgs := make([]*Message, len(stored))
	copy(msgs, stored)
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})

	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, snapshot(m))
	}
	return out, nil
}

// addDelivered reports whether the set actually grew. Callers hold l.mu.
func (l *Memory) addDelivered(roomID, id, userID string) bool {
	msg, ok := l.byID[id]
	if !ok || msg.RoomID != roomID || msg.SenderID == userID {
		return false
	}
	if contains(msg.DeliveredTo, userID) {
		return false
	}
	msg.DeliveredTo = append(msg.DeliveredTo, userID)
	if msg.DeliveredAt == nil {
		now := time.Now().UTC()
		msg.DeliveredAt = &now
	}
	return true
}

func (l *Memory) addRead(roomID, id, userID string) bool {
	msg, ok := l.byID[id]
	if !ok || msg.RoomID != roomID || msg.SenderID == userID {
		return false
	}
	if contains(msg.ReadBy, userID) {
		return false
	}
	msg.ReadBy = append(msg.ReadBy, userID)
	now := time.Now().UTC()
	msg.ReadAt = &now
	return true
}

// snapshot copies a message so callers never alias store-internal slices.
func snapshot(m *Message) Message {
	out := *m
	out.DeliveredTo = append([]string(nil), m.DeliveredTo...)
	out.ReadBy = append([]string(nil), m.ReadBy...)
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	if m.ReadAt != nil {
		t := *m.ReadAt
		out.ReadAt = &t
	}
	return out
}
