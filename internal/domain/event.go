package domain

import (
	"encoding/json"
	"fmt"
	"maps"
)

// EventType identifies the kind of stream event delivered to a client.
type EventType string

const (
	EventStatus           EventType = "status"
	EventDelta            EventType = "delta"
	EventToolCallStart    EventType = "tool_call_start"
	EventToolCallProgress EventType = "tool_call_progress"
	EventToolCallResult   EventType = "tool_call_result"
	EventMessageComplete  EventType = "message_complete"
	EventComplete         EventType = "complete"
	EventError            EventType = "error"
)

// Terminal reports whether no event may follow one of this type.
func (t EventType) Terminal() bool {
	return t == EventComplete || t == EventError
}

// Status phases.
const (
	PhaseStarting          = "starting"
	PhaseThinking          = "thinking"
	PhaseExecutingTools    = "executing_tools"
	PhaseSwitchingProvider = "switching_provider"
	PhaseReducingContext   = "reducing_context"
)

// Completion statuses.
const (
	CompleteSuccess       = "success"
	CompleteMaxIterations = "max_iterations"
)

// StreamEvent is one entry of the ordered event stream for a request.
// On the wire it is a single JSON object: the payload fields plus "type".
type StreamEvent struct {
	Type    EventType
	Payload any
}

// MarshalJSON flattens the payload object and tags it with the event type.
func (e StreamEvent) MarshalJSON() ([]byte, error) {
	typ, err := json.Marshal(string(e.Type))
	if err != nil {
		return nil, err
	}
	if e.Payload == nil {
		return fmt.Appendf(nil, `{"type":%s}`, typ), nil
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%s payload must encode as a JSON object", e.Type)
	}
	out := fmt.Appendf(nil, `{"type":%s`, typ)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// StatusPayload reports a loop state transition.
type StatusPayload struct {
	Phase     string `json:"phase"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

// DeltaPayload carries an incremental content fragment.
type DeltaPayload struct {
	ContentFragment string `json:"contentFragment"`
}

// ToolCallStartPayload announces a tool execution.
type ToolCallStartPayload struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallProgressPayload forwards a tool's progress notification. Fields
// are flattened next to id and phase and cannot override them.
type ToolCallProgressPayload struct {
	ID     string
	Phase  string
	Fields map[string]any
}

func (p ToolCallProgressPayload) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(p.Fields)+2)
	maps.Copy(m, p.Fields)
	m["id"] = p.ID
	m["phase"] = p.Phase
	return json.Marshal(m)
}

// ToolCallResultPayload closes a tool execution started with the same ID.
type ToolCallResultPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// MessageCompletePayload carries the final assistant answer.
type MessageCompletePayload struct {
	Role             string `json:"role"`
	Content          string `json:"content"`
	ExtractedContent string `json:"extractedContent,omitempty"`
}

// CompletePayload is the successful terminal event.
type CompletePayload struct {
	Status     string    `json:"status"`
	Messages   []Message `json:"messages"`
	Iterations int       `json:"iterations"`
	Truncated  bool      `json:"truncated,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
}

// ErrorPayload is the failing terminal event.
type ErrorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
