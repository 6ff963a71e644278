package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	statusBucket = "PRESENCE"
	connBucket   = "PRESENCE_CONN"
	connTTL      = 45 * time.Second
)

// kvStatus is the PRESENCE bucket value for one user.
type kvStatus struct {
	Online     bool   `json:"online"`
	LastSeen   int64  `json:"lastSeen"`
	DeviceHint string `json:"deviceHint,omitempty"`
}

// NATSKV is a Store backed by two JetStream KV buckets: PRESENCE holds the
// per-user status record and PRESENCE_CONN holds one TTL-guarded entry per
// live connection, refreshed by heartbeats. The offline transition uses a CAS
// update on the status entry so that when several gateway instances race on
// the same user's last disconnect, exactly one observes wentOffline.
type NATSKV struct {
	statusKV nats.KeyValue
	connKV   nats.KeyValue
	tracker  *connTracker
}

// NewNATSKV creates (or binds to) the presence buckets.
func NewNATSKV(js nats.JetStreamContext) (*NATSKV, error) {
	statusKV, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  statusBucket,
		History: 1,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", statusBucket, err)
	}
	connKV, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  connBucket,
		History: 1,
		TTL:     connTTL,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", connBucket, err)
	}
	return &NATSKV{statusKV: statusKV, connKV: connKV, tracker: newConnTracker()}, nil
}

func connKey(userID, connID string) string { return userID + "." + connID }

func (s *NATSKV) Connect(ctx context.Context, userID, connID, deviceHint string) (State, error) {
	if _, err := s.connKV.Put(connKey(userID, connID), []byte(`{}`)); err != nil {
		return State{}, fmt.Errorf("register connection: %w", err)
	}
	s.tracker.add(userID, connID)

	now := time.Now().UTC()
	st := kvStatus{Online: true, LastSeen: now.UnixMilli(), DeviceHint: deviceHint}
	data, _ := json.Marshal(st)
	if _, err := s.statusKV.Put(userID, data); err != nil {
		return State{}, fmt.Errorf("put status: %w", err)
	}
	return toState(userID, st), nil
}

func (s *NATSKV) Heartbeat(ctx context.Context, userID, connID string) (State, error) {
	// Refreshing the TTL entry is what keeps the connection alive.
	if _, err := s.connKV.Put(connKey(userID, connID), []byte(`{}`)); err != nil {
		return State{}, fmt.Errorf("refresh connection: %w", err)
	}
	s.tracker.add(userID, connID)

	st := s.readStatus(userID)
	st.Online = true
	st.LastSeen = time.Now().UTC().UnixMilli()
	data, _ := json.Marshal(st)
	if _, err := s.statusKV.Put(userID, data); err != nil {
		return State{}, fmt.Errorf("put status: %w", err)
	}
	return toState(userID, st), nil
}

func (s *NATSKV) Disconnect(ctx context.Context, userID, connID string) (State, bool, error) {
	s.connKV.Delete(connKey(userID, connID))
	wasLast := s.tracker.remove(userID, connID)
	if !wasLast {
		return toState(userID, s.readStatus(userID)), false, nil
	}

	off := kvStatus{Online: false, LastSeen: time.Now().UTC().UnixMilli()}
	data, _ := json.Marshal(off)

	entry, err := s.statusKV.Get(userID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		if _, err := s.statusKV.Put(userID, data); err != nil {
			return State{}, false, fmt.Errorf("put offline status: %w", err)
		}
		return toState(userID, off), true, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("get status: %w", err)
	}

	var cur kvStatus
	if json.Unmarshal(entry.Value(), &cur) == nil && !cur.Online {
		// Already offline, another instance won the race.
		return toState(userID, cur), false, nil
	}

	// CAS so only one instance reports the offline transition.
	if _, err := s.statusKV.Update(userID, data, entry.Revision()); err != nil {
		return toState(userID, s.readStatus(userID)), false, nil
	}
	return toState(userID, off), true, nil
}

func (s *NATSKV) Get(ctx context.Context, userID string) (State, error) {
	return toState(userID, s.readStatus(userID)), nil
}

func (s *NATSKV) readStatus(userID string) kvStatus {
	entry, err := s.statusKV.Get(userID)
	if err != nil {
		return kvStatus{}
	}
	var st kvStatus
	if json.Unmarshal(entry.Value(), &st) != nil {
		return kvStatus{}
	}
	return st
}

func toState(userID string, st kvStatus) State {
	out := State{UserID: userID, Online: st.Online, DeviceHint: st.DeviceHint}
	if st.LastSeen > 0 {
		out.LastSeen = time.UnixMilli(st.LastSeen).UTC()
	}
	return out
}
