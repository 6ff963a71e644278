// Package bus provides the fan-out primitive the realtime engine publishes
// through: named groups with at-least-once delivery to every current
// subscriber. Two group kinds exist, one per chat room and one per user.
// Within a group, events from a single publisher arrive in publish order;
// events from concurrent publishers may interleave arbitrarily.
package bus

import "context"

// Event is one payload delivered to a group subscriber. Payloads are opaque
// to the bus; the engine publishes pre-encoded wire frames.
type Event struct {
	Group   string
	Payload []byte
}

// Subscription is a live membership in one group. Events() yields until
// Unsubscribe is called. A subscriber that falls behind loses events rather
// than blocking publishers; every backend owns a bounded per-subscriber
// buffer and drops on overflow.
type Subscription interface {
	Events() <-chan Event
	Unsubscribe() error
}

// Bus is the publish/subscribe fan-out contract.
type Bus interface {
	Publish(ctx context.Context, group string, payload []byte) error
	Subscribe(group string) (Subscription, error)
}

// RoomGroup names the group reaching all live sessions joined to a room.
func RoomGroup(roomID string) string { return "room:" + roomID }

// UserGroup names the group reaching all live sessions of one user, across
// rooms and devices.
func UserGroup(userID string) string { return "user:" + userID }
