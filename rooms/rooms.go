// Package rooms answers membership questions about chat rooms. Rooms are
// created and mutated by external collaborators; this engine only reads them,
// so the contract is two lookups on a read-mostly directory.
package rooms

import "context"

// Room describes one chat room. Admins is always a subset of Participants.
type Room struct {
	ID           string
	IsGroup      bool
	Participants []string
	Admins       []string
}

// Directory is the membership lookup contract.
type Directory interface {
	IsParticipant(ctx context.Context, userID, roomID string) (bool, error)
	IsAdmin(ctx context.Context, userID, roomID string) (bool, error)
}
