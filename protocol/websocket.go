package protocol

// WebSocket message type constants
const (
	WSTypeHello  = "hello"
	WSTypeEntry  = "entry"
	WSTypeStatus = "status"
	WSTypeError  = "error"
)

// WebSocketMessage is the message envelope of the /ws feed. ID is unique
// per message so clients can drop duplicates after a reconnect.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HelloPayload is sent once per connection, before any other message.
type HelloPayload struct {
	Name    string  `json:"name"`
	Version string  `json:"version"`
	Status  Status  `json:"status"`
	History []Entry `json:"history"`
}
