// Package messagelog stores chat messages and their per-participant delivery
// and read sets. All mutations are idempotent set-unions: marking a message
// delivered or read for a user who is already in the set changes nothing, and
// a recorded user id is never removed. The sender is never added to the
// delivery or read set of their own message.
package messagelog

import (
	"context"
	"time"
)

// Message is one stored chat message. DeliveredTo and ReadBy hold user ids;
// DeliveredAt and ReadAt record the first time anyone reached that status.
type Message struct {
	ID          string     `json:"id"`
	RoomID      string     `json:"room_id"`
	SenderID    string     `json:"sender_id"`
	Content     string     `json:"content"`
	ReplyToID   string     `json:"reply_to,omitempty"`
	Pinned      bool       `json:"pinned"`
	CreatedAt   time.Time  `json:"created_at"`
	DeliveredTo []string   `json:"delivered_to"`
	ReadBy      []string   `json:"read_by"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// Log is the message persistence contract. Mark operations return the ids of
// messages that actually changed, so callers can broadcast only real
// transitions; a replayed mutation returns an empty list.
type Log interface {
	// Append stores a new message with a server-assigned id and timestamp.
	Append(ctx context.Context, roomID, senderID, content, replyToID string) (Message, error)

	// MarkDelivered adds userID to the delivery set of each listed message in
	// the room. Own messages and unknown ids are skipped.
	MarkDelivered(ctx context.Context, roomID string, ids []string, userID string) ([]string, error)

	// MarkRead adds userID to the read set of each listed message, unioning
	// the delivery set first so an explicit read never leaves a message
	// read-but-undelivered. Own messages and unknown ids are skipped.
	MarkRead(ctx context.Context, roomID string, ids []string, userID string) ([]string, error)

	// MarkAllDelivered adds userID to the delivery set of every message in
	// the room not already delivered to them. Used on join.
	MarkAllDelivered(ctx context.Context, roomID, userID string) ([]string, error)

	// MarkAllRead adds userID to the read set of every message in the room
	// not already read by them. The delivery set is left untouched. Used on
	// focus.
	MarkAllRead(ctx context.Context, roomID, userID string) ([]string, error)

	// Recent returns up to limit most-recent messages of the room, sorted by
	// (created_at, id) ascending.
	Recent(ctx context.Context, roomID string, limit int) ([]Message, error)
}

func contains(set []string, id string) bool {
	for _, v := range set {
		if v == id {
			return true
		}
	}
	return false
}
