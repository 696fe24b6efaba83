package gateway

import "encoding/json"

// FrameType identifies the kind of frame exchanged with a session.
type FrameType string

const (
	// FrameTypeSession announces the session id right after connect.
	FrameTypeSession FrameType = "session"
	// FrameTypeEndpoint names the SSE event carrying the invocation URL.
	FrameTypeEndpoint FrameType = "endpoint"
	FrameTypeRequest  FrameType = "request"
	FrameTypeResult   FrameType = "result"
	// FrameTypeMessage carries a JSON-RPC response verbatim.
	FrameTypeMessage FrameType = "message"
	FrameTypeEvent   FrameType = "event"
	FrameTypeError   FrameType = "error"
)

// Frame is the envelope exchanged between client and broker over a session.
type Frame struct {
	Type      FrameType       `json:"type"`
	ID        uint64          `json:"id,omitempty"`        // request/result correlation ID
	SessionID string          `json:"sessionId,omitempty"` // owning session
	Payload   json.RawMessage `json:"payload,omitempty"`   // invocation, result envelope or event
	Error     string          `json:"error,omitempty"`     // transport-level failure only
	Code      string          `json:"code,omitempty"`
}

// rawPayload reports whether the frame's payload is written bare on an SSE
// stream instead of wrapped in the frame envelope.
func (f Frame) rawPayload() bool {
	return f.Type == FrameTypeMessage
}
