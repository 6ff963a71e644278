package rooms

import (
	"context"
	"database/sql"
	"fmt"
)

// Postgres is a Directory over the room_participants table (see schema.sql).
type Postgres struct {
	participantStmt *sql.Stmt
	adminStmt       *sql.Stmt
}

func NewPostgres(db *sql.DB) (*Postgres, error) {
	participantStmt, err := db.Prepare(
		`SELECT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2)`)
	if err != nil {
		return nil, fmt.Errorf("prepare participant lookup: %w", err)
	}
	adminStmt, err := db.Prepare(
		`SELECT EXISTS (SELECT 1 FROM room_participants WHERE room_id = $1 AND user_id = $2 AND is_admin)`)
	if err != nil {
		participantStmt.Close()
		return nil, fmt.Errorf("prepare admin lookup: %w", err)
	}
	return &Postgres{participantStmt: participantStmt, adminStmt: adminStmt}, nil
}

func (d *Postgres) IsParticipant(ctx context.Context, userID, roomID string) (bool, error) {
	var ok bool
	if err := d.participantStmt.QueryRowContext(ctx, roomID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("participant lookup: %w", err)
	}
	return ok, nil
}

func (d *Postgres) IsAdmin(ctx context.Context, userID, roomID string) (bool, error) {
	var ok bool
	if err := d.adminStmt.QueryRowContext(ctx, roomID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("admin lookup: %w", err)
	}
	return ok, nil
}

func (d *Postgres) Close() error {
	d.participantStmt.Close()
	d.adminStmt.Close()
	return nil
}
