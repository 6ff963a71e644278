package realtime

import (
	"encoding/json"
	"time"

	"github.com/MarcelBag/TuChati/messagelog"
)

// Inbound is a client frame after decoding. Unknown fields are dropped;
// unknown types are ignored by the receive loop.
type Inbound struct {
	Type      string   `json:"type"`
	Content   string   `json:"content"`
	IDs       []string `json:"ids"`
	MessageID string   `json:"message_id"`
	Emoji     string   `json:"emoji"`
	Op        string   `json:"op"`
	ReplyTo   string   `json:"reply_to"`
	ClientID  string   `json:"_client_id"`
}

// ParseInbound decodes one client frame. A frame that is not valid JSON
// degrades to a plain message carrying the raw payload as content, and a
// JSON frame without a type is treated as a message, so old or sloppy
// clients keep working instead of killing the connection.
func ParseInbound(data []byte) Inbound {
	var ev Inbound
	if err := json.Unmarshal(data, &ev); err != nil {
		return Inbound{Type: "message", Content: string(data)}
	}
	if ev.Type == "" {
		ev.Type = "message"
	}
	return ev
}

// envelope is the minimal view of an outbound frame the pump needs for
// routing decisions.
type envelope struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// isOwnTyping reports whether the frame is a typing signal from the given
// user, which is never echoed back to that user's own connections.
func isOwnTyping(payload []byte, userID string) bool {
	var env envelope
	if json.Unmarshal(payload, &env) != nil {
		return false
	}
	return (env.Type == "typing" || env.Type == "stopped_typing") && env.UserID == userID
}

// WireMessage is the message shape clients see, in history and broadcasts.
type WireMessage struct {
	ID          string     `json:"id"`
	SenderID    string     `json:"sender_id"`
	Sender      string     `json:"sender,omitempty"`
	Content     string     `json:"content"`
	CreatedAt   time.Time  `json:"created_at"`
	ReplyTo     string     `json:"reply_to,omitempty"`
	Pinned      bool       `json:"pinned"`
	DeliveredTo []string   `json:"delivered_to"`
	ReadBy      []string   `json:"read_by"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

func toWire(m messagelog.Message, senderName string) WireMessage {
	w := WireMessage{
		ID:          m.ID,
		SenderID:    m.SenderID,
		Sender:      senderName,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		ReplyTo:     m.ReplyToID,
		Pinned:      m.Pinned,
		DeliveredTo: m.DeliveredTo,
		ReadBy:      m.ReadBy,
		DeliveredAt: m.DeliveredAt,
		ReadAt:      m.ReadAt,
	}
	if w.DeliveredTo == nil {
		w.DeliveredTo = []string{}
	}
	if w.ReadBy == nil {
		w.ReadBy = []string{}
	}
	return w
}

// All outbound construction lives below, so every path that emits a given
// frame type emits the same shape.

type historyFrame struct {
	Type     string        `json:"type"`
	Messages []WireMessage `json:"messages"`
}

func encodeHistory(msgs []messagelog.Message) []byte {
	wire := make([]WireMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, toWire(m, ""))
	}
	data, _ := json.Marshal(historyFrame{Type: "history", Messages: wire})
	return data
}

type messageFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	ClientID string `json:"_client_id,omitempty"`
	WireMessage
}

func encodeMessage(m messagelog.Message, senderName, clientID string) []byte {
	data, _ := json.Marshal(messageFrame{
		Type:        "message",
		RoomID:      m.RoomID,
		ClientID:    clientID,
		WireMessage: toWire(m, senderName),
	})
	return data
}

type typingFrame struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

func encodeTyping(kind, roomID, userID, username string) []byte {
	data, _ := json.Marshal(typingFrame{Type: kind, RoomID: roomID, UserID: userID, Username: username})
	return data
}

type deliveryFrame struct {
	Type   string   `json:"type"`
	Status string   `json:"status"`
	RoomID string   `json:"room_id"`
	UserID string   `json:"user_id"`
	IDs    []string `json:"ids"`
}

func encodeDelivery(status, roomID, userID string, ids []string) []byte {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(deliveryFrame{Type: "delivery", Status: status, RoomID: roomID, UserID: userID, IDs: ids})
	return data
}

type presenceFrame struct {
	Type     string     `json:"type"`
	Status   string     `json:"status"`
	UserID   string     `json:"user_id"`
	Username string     `json:"username,omitempty"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

func encodePresence(status, userID, username string, lastSeen time.Time) []byte {
	f := presenceFrame{Type: "presence", Status: status, UserID: userID, Username: username}
	if !lastSeen.IsZero() {
		f.LastSeen = &lastSeen
	}
	data, _ := json.Marshal(f)
	return data
}

type reactionFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"user_id"`
	Op        string `json:"op"`
}

func encodeReaction(roomID, messageID, emoji, userID, op string) []byte {
	if op != "remove" {
		op = "add"
	}
	data, _ := json.Marshal(reactionFrame{Type: "reaction", RoomID: roomID, MessageID: messageID, Emoji: emoji, UserID: userID, Op: op})
	return data
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func encodeError(message string) []byte {
	data, _ := json.Marshal(errorFrame{Type: "error", Message: message})
	return data
}

var pongPayload = []byte(`{"type":"pong"}`)
