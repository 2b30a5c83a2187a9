// Package protocol defines the wire protocol spoken between Wayfarer clients
// and the server over WebSocket.
//
// Text frames carry one JSON object each. Every client message after the
// initial auth request has a "type" discriminator; server events do too, and
// are tagged with user_id/session_id context where relevant. Batched delivery
// wraps N events as {"type":"batch","messages":[...],"count":N}. Connections
// that negotiate binary mode receive the same structures MessagePack-encoded
// on binary frames; gzip-compressed batches are also binary frames and are
// identified by the gzip magic bytes.
package protocol

// Client → server message types.
const (
	TypeChatMessage = "chat_message"
	TypeHeartbeat   = "heartbeat"
	TypePing        = "ping"
	TypeSubscribe   = "subscribe"
)

// Server → client event types.
const (
	EventConnectionEstablished = "connection.established"
	EventTypingStarted         = "typing.started"
	EventTypingStopped         = "typing.stopped"
	EventResponseChunk         = "chat.response_chunk"
	EventChatCompleted         = "chat.completed"
	EventError                 = "error"
	EventPong                  = "pong"
	EventSubscribeAck          = "subscribe.ack"
	EventHeartbeatAck          = "heartbeat.ack"
	EventRateLimitWarning      = "rate_limit.warning"
	EventBatch                 = "batch"
)

// WebSocket close codes. These are contract-level: clients key their
// reconnect behavior off them.
const (
	CloseMalformedAuth      = 4000 // first frame was not a valid auth request
	CloseUnauthorized       = 4001 // auth request rejected
	CloseCapacityExceeded   = 4002 // connection pool full
	CloseUnauthorizedOrigin = 4003 // reserved: origin rejection happens pre-handshake (HTTP 403)
)

// AuthRequest is the first frame a client must send after the WebSocket
// handshake. It carries no "type" field.
type AuthRequest struct {
	Token     string   `json:"token"`
	SessionID string   `json:"session_id"`
	Channels  []string `json:"channels"`
	// Binary requests MessagePack-encoded server events on binary frames.
	Binary bool `json:"binary,omitempty"`
}

// ClientFrame is the envelope for every client message after auth. Payloads
// are decoded per-type; unknown types are ignored for forward compatibility.
type ClientFrame struct {
	Type    string       `json:"type"`
	Payload FramePayload `json:"payload,omitempty"`
}

// FramePayload is the union of recognized payload fields. Unknown fields are
// dropped by the JSON decoder rather than failing the frame.
type FramePayload struct {
	Content   string   `json:"content,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Channels  []string `json:"channels,omitempty"`
}

// Event is a server-to-client event. The wire shape is a flat JSON object,
// so events are built as maps rather than one struct per type.
type Event map[string]any

// NewEvent builds an event of the given type with optional context tags.
func NewEvent(typ, userID, sessionID string) Event {
	e := Event{"type": typ}
	if userID != "" {
		e["user_id"] = userID
	}
	if sessionID != "" {
		e["session_id"] = sessionID
	}
	return e
}

// ErrorEvent builds a recoverable data-plane error event.
func ErrorEvent(code, message string) Event {
	return Event{"type": EventError, "code": code, "message": message}
}

// ChunkEvent builds one ordered chunk of a streamed assistant response.
func ChunkEvent(sessionID, content string, index int, final bool) Event {
	return Event{
		"type":        EventResponseChunk,
		"session_id":  sessionID,
		"content":     content,
		"chunk_index": index,
		"is_final":    final,
	}
}

// BatchEnvelope wraps pending events for a single wire frame.
func BatchEnvelope(messages []Event) Event {
	return Event{
		"type":     EventBatch,
		"messages": messages,
		"count":    len(messages),
	}
}
