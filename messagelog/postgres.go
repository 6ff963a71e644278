package messagelog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Postgres is a Log backed by the messages and message_recipients tables
// (see schema.sql). Set-union semantics come from ON CONFLICT upserts whose
// RETURNING clause yields exactly the rows that transitioned, so replays cost
// one round-trip and affect nothing.
type Postgres struct {
	db *sql.DB

	insertStmt       *sql.Stmt
	deliverStmt      *sql.Stmt
	readStmt         *sql.Stmt
	deliverAllStmt   *sql.Stmt
	readAllStmt      *sql.Stmt
	stampDeliverStmt *sql.Stmt
	stampReadStmt    *sql.Stmt
	recentStmt       *sql.Stmt
	recipientsStmt   *sql.Stmt
}

// NewPostgres prepares all statements up front; a schema mismatch fails here
// rather than on the message path.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	p := &Postgres{db: db}

	var err error
	prepare := func(dst **sql.Stmt, query string) {
		if err != nil {
			return
		}
		*dst, err = db.Prepare(query)
	}

	prepare(&p.insertStmt,
		`INSERT INTO messages (id, room_id, sender_id, content, reply_to_id, created_at)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)`)

	prepare(&p.deliverStmt,
		`INSERT INTO message_recipients (message_id, user_id, delivered_at)
		 SELECT m.id, $3, NOW()
		 FROM messages m
		 WHERE m.id = ANY($1) AND m.room_id = $2 AND m.sender_id <> $3
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET delivered_at = EXCLUDED.delivered_at
		 WHERE message_recipients.delivered_at IS NULL
		 RETURNING message_id`)

	prepare(&p.readStmt,
		`INSERT INTO message_recipients (message_id, user_id, read_at)
		 SELECT m.id, $3, NOW()
		 FROM messages m
		 WHERE m.id = ANY($1) AND m.room_id = $2 AND m.sender_id <> $3
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET read_at = EXCLUDED.read_at
		 WHERE message_recipients.read_at IS NULL
		 RETURNING message_id`)

	prepare(&p.deliverAllStmt,
		`INSERT INTO message_recipients (message_id, user_id, delivered_at)
		 SELECT m.id, $2, NOW()
		 FROM messages m
		 WHERE m.room_id = $1 AND m.sender_id <> $2
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET delivered_at = EXCLUDED.delivered_at
		 WHERE message_recipients.delivered_at IS NULL
		 RETURNING message_id`)

	prepare(&p.readAllStmt,
		`INSERT INTO message_recipients (message_id, user_id, read_at)
		 SELECT m.id, $2, NOW()
		 FROM messages m
		 WHERE m.room_id = $1 AND m.sender_id <> $2
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET read_at = EXCLUDED.read_at
		 WHERE message_recipients.read_at IS NULL
		 RETURNING message_id`)

	prepare(&p.stampDeliverStmt,
		`UPDATE messages SET delivered_at = COALESCE(delivered_at, NOW()) WHERE id = ANY($1)`)

	prepare(&p.stampReadStmt,
		`UPDATE messages SET read_at = NOW() WHERE id = ANY($1)`)

	prepare(&p.recentStmt,
		`SELECT id, room_id, sender_id, content, reply_to_id, pinned, created_at, delivered_at, read_at
		 FROM messages
		 WHERE room_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`)

	prepare(&p.recipientsStmt,
		`SELECT message_id, user_id, delivered_at IS NOT NULL, read_at IS NOT NULL
		 FROM message_recipients
		 WHERE message_id = ANY($1)`)

	if err != nil {
		return nil, fmt.Errorf("prepare messagelog statements: %w", err)
	}
	return p, nil
}

func (p *Postgres) Append(ctx context.Context, roomID, senderID, content, replyToID string) (Message, error) {
	msg := Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		SenderID:  senderID,
		Content:   content,
		ReplyToID: replyToID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := p.insertStmt.ExecContext(ctx, msg.ID, roomID, senderID, content, replyToID, msg.CreatedAt); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// validUUIDs drops ids that do not parse as UUIDs. The statements bind id
// lists as uuid[], where one malformed element would fail the whole statement
// and skip the valid ids next to it; unknown-but-valid ids fall out in the
// WHERE clause instead.
func validUUIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if uuid.Validate(id) == nil {
			out = append(out, id)
		}
	}
	return out
}

func (p *Postgres) MarkDelivered(ctx context.Context, roomID string, ids []string, userID string) ([]string, error) {
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	affected, err := p.collectAffected(ctx, p.deliverStmt, pq.Array(ids), roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	return affected, p.stamp(ctx, p.stampDeliverStmt, affected)
}

func (p *Postgres) MarkRead(ctx context.Context, roomID string, ids []string, userID string) ([]string, error) {
	ids = validUUIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	// Delivered first, so an explicit read never observes a message as
	// read-but-undelivered.
	if delivered, err := p.collectAffected(ctx, p.deliverStmt, pq.Array(ids), roomID, userID); err != nil {
		return nil, fmt.Errorf("mark read (deliver union): %w", err)
	} else if err := p.stamp(ctx, p.stampDeliverStmt, delivered); err != nil {
		return nil, err
	}

	affected, err := p.collectAffected(ctx, p.readStmt, pq.Array(ids), roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	return affected, p.stamp(ctx, p.stampReadStmt, affected)
}

func (p *Postgres) MarkAllDelivered(ctx context.Context, roomID, userID string) ([]string, error) {
	affected, err := p.collectAffected(ctx, p.deliverAllStmt, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("mark all delivered: %w", err)
	}
	return affected, p.stamp(ctx, p.stampDeliverStmt, affected)
}

func (p *Postgres) MarkAllRead(ctx context.Context, roomID, userID string) ([]string, error) {
	affected, err := p.collectAffected(ctx, p.readAllStmt, roomID, userID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}
	return affected, p.stamp(ctx, p.stampReadStmt, affected)
}

func (p *Postgres) Recent(ctx context.Context, roomID string, limit int) ([]Message, error) {
	rows, err := p.recentStmt.QueryContext(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	index := make(map[string]*Message)
	for rows.Next() {
		var m Message
		var replyTo sql.NullString
		var deliveredAt, readAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Content, &replyTo, &m.Pinned, &m.CreatedAt, &deliveredAt, &readAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if replyTo.Valid {
			m.ReplyToID = replyTo.String
		}
		if deliveredAt.Valid {
			t := deliveredAt.Time
			m.DeliveredAt = &t
		}
		if readAt.Valid {
			t := readAt.Time
			m.ReadAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Reverse to chronological order (query was DESC).
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	for i := range msgs {
		index[msgs[i].ID] = &msgs[i]
	}

	if len(msgs) > 0 {
		ids := make([]string, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		if err := p.loadRecipients(ctx, ids, index); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (p *Postgres) loadRecipients(ctx context.Context, ids []string, index map[string]*Message) error {
	rows, err := p.recipientsStmt.QueryContext(ctx, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, userID string
		var delivered, read bool
		if err := rows.Scan(&msgID, &userID, &delivered, &read); err != nil {
			return fmt.Errorf("scan recipient: %w", err)
		}
		msg, ok := index[msgID]
		if !ok {
			continue
		}
		if delivered {
			msg.DeliveredTo = append(msg.DeliveredTo, userID)
		}
		if read {
			msg.ReadBy = append(msg.ReadBy, userID)
		}
	}
	return rows.Err()
}

func (p *Postgres) collectAffected(ctx context.Context, stmt *sql.Stmt, args ...any) ([]string, error) {
	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		affected = append(affected, id)
	}
	return affected, rows.Err()
}

func (p *Postgres) stamp(ctx context.Context, stmt *sql.Stmt, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := stmt.ExecContext(ctx, pq.Array(ids)); err != nil {
		return fmt.Errorf("stamp messages: %w", err)
	}
	return nil
}

// Close releases the prepared statements. The *sql.DB itself belongs to the
// caller.
func (p *Postgres) Close() error {
	for _, stmt := range []*sql.Stmt{
		p.insertStmt, p.deliverStmt, p.readStmt, p.deliverAllStmt, p.readAllStmt,
		p.stampDeliverStmt, p.stampReadStmt, p.recentStmt, p.recipientsStmt,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}
