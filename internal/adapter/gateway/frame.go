package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Methods a client may call.
const (
	MethodChat   = "chat"
	MethodCancel = "cancel"
	MethodPing   = "ping"
)

// Frame is the envelope exchanged over the WebSocket connection. A chat
// request with ID n is answered by event frames with ID n carrying stream
// events, then one response frame with ID n.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// cancelParams is the payload of a cancel request.
type cancelParams struct {
	ID uint64 `json:"id"`
}

// chatResult is the response payload of a chat request.
type chatResult struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}
