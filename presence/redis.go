package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a connection set and a status hash per user.
// The connection set carries a TTL refreshed by heartbeats, so connections of
// a crashed gateway age out instead of pinning the user online forever.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func connsKey(userID string) string  { return "presence:conns:" + userID }
func statusKey(userID string) string { return "presence:status:" + userID }

func (s *Redis) Connect(ctx context.Context, userID, connID, deviceHint string) (State, error) {
	now := time.Now().UTC()
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, connsKey(userID), connID)
	pipe.Expire(ctx, connsKey(userID), connTTL)
	pipe.HSet(ctx, statusKey(userID),
		"online", "1",
		"lastSeen", strconv.FormatInt(now.UnixMilli(), 10),
		"deviceHint", deviceHint,
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return State{}, fmt.Errorf("redis connect: %w", err)
	}
	return State{UserID: userID, Online: true, LastSeen: now, DeviceHint: deviceHint}, nil
}

func (s *Redis) Heartbeat(ctx context.Context, userID, connID string) (State, error) {
	now := time.Now().UTC()
	pipe := s.client.Pipeline()
	// SAdd rather than a bare Expire, so a connection whose set already aged
	// out is re-registered by its next heartbeat.
	pipe.SAdd(ctx, connsKey(userID), connID)
	pipe.Expire(ctx, connsKey(userID), connTTL)
	pipe.HSet(ctx, statusKey(userID),
		"online", "1",
		"lastSeen", strconv.FormatInt(now.UnixMilli(), 10),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return State{}, fmt.Errorf("redis heartbeat: %w", err)
	}
	st, err := s.Get(ctx, userID)
	if err != nil {
		return State{}, err
	}
	return st, nil
}

func (s *Redis) Disconnect(ctx context.Context, userID, connID string) (State, bool, error) {
	pipe := s.client.Pipeline()
	remCmd := pipe.SRem(ctx, connsKey(userID), connID)
	cardCmd := pipe.SCard(ctx, connsKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return State{}, false, fmt.Errorf("redis disconnect: %w", err)
	}

	wentOffline := remCmd.Val() > 0 && cardCmd.Val() == 0
	if !wentOffline {
		st, err := s.Get(ctx, userID)
		return st, false, err
	}

	now := time.Now().UTC()
	if err := s.client.HSet(ctx, statusKey(userID),
		"online", "0",
		"lastSeen", strconv.FormatInt(now.UnixMilli(), 10),
	).Err(); err != nil {
		return State{}, false, fmt.Errorf("redis mark offline: %w", err)
	}
	st, err := s.Get(ctx, userID)
	return st, true, err
}

func (s *Redis) Get(ctx context.Context, userID string) (State, error) {
	fields, err := s.client.HGetAll(ctx, statusKey(userID)).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis get status: %w", err)
	}

	st := State{UserID: userID, DeviceHint: fields["deviceHint"]}
	st.Online = fields["online"] == "1"
	if ms, err := strconv.ParseInt(fields["lastSeen"], 10, 64); err == nil {
		st.LastSeen = time.UnixMilli(ms).UTC()
	}
	return st, nil
}
