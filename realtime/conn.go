package realtime

// Close codes sent to clients. The three rejection causes stay
// distinguishable so clients can choose between redirect-to-login and
// hide-the-room.
const (
	CloseNormal          = 1000
	CloseUnauthenticated = 4001
	CloseNotParticipant  = 4003
)

// Conn is the transport a Session drives. The gateway adapts a WebSocket to
// this; tests use a scripted fake. ReadMessage blocks until a frame arrives
// or the transport fails; a failed or closed transport must make ReadMessage
// return an error so the session always reaches its disconnect bookkeeping.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}
