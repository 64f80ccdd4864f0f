package channel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"
	"github.com/oklog/ulid/v2"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
	"chatrelay/internal/usecase/budget"
)

const chatRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"messages": {
			"type": "array",
			"minItems": 1,
			"maxItems": 1000,
			"items": {
				"type": "object",
				"properties": {
					"role": {"enum": ["system", "user", "assistant", "tool"]},
					"content": {"type": "string"},
					"toolCallId": {"type": "string"},
					"toolName": {"type": "string"},
					"toolCalls": {
						"type": "array",
						"items": {
							"type": "object",
							"properties": {
								"id": {"type": "string"},
								"name": {"type": "string", "minLength": 1},
								"arguments": {}
							},
							"required": ["name"]
						}
					}
				},
				"required": ["role"],
				"if": {"properties": {"role": {"const": "tool"}}},
				"then": {"required": ["toolCallId"]}
			}
		},
		"model": {"type": "string", "maxLength": 200},
		"complex": {"type": "boolean"},
		"optimization": {"enum": ["cheap", "balanced", "powerful"]}
	},
	"required": ["messages"],
	"additionalProperties": false
}`

// ChatRequest is the body of a chat request on every transport.
type ChatRequest struct {
	Messages     []domain.Message `json:"messages"`
	Model        string           `json:"model,omitempty"`
	Complex      bool             `json:"complex,omitempty"`
	Optimization string           `json:"optimization,omitempty"`
}

// RequestDecoder validates chat request bodies and turns them into run
// requests. It is safe for concurrent use.
type RequestDecoder struct {
	schema *jsonschema.Schema
}

// NewRequestDecoder compiles the chat request schema.
func NewRequestDecoder() (*RequestDecoder, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(chatRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile chat request schema: %w", err)
	}
	return &RequestDecoder{schema: schema}, nil
}

// Decode parses and validates a chat request body. Tool messages left
// over from earlier turns are dropped. Errors wrap domain.ErrInvalidInput.
func (d *RequestDecoder) Decode(data []byte) (usecase.RunRequest, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return usecase.RunRequest{}, invalidRequest("malformed JSON: " + err.Error())
	}
	if result := d.schema.Validate(raw); !result.IsValid() {
		return usecase.RunRequest{}, invalidRequest(fmt.Sprintf("%s", result.Error()))
	}

	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return usecase.RunRequest{}, invalidRequest(err.Error())
	}

	messages := budget.FilterToolMessagesForCurrentCycle(req.Messages)
	if !hasUserMessage(messages) {
		return usecase.RunRequest{}, invalidRequest("conversation has no user message")
	}
	return usecase.RunRequest{
		Messages:     messages,
		Model:        strings.TrimSpace(req.Model),
		Complex:      req.Complex,
		Optimization: domain.ParseOptimization(req.Optimization),
	}, nil
}

func hasUserMessage(messages []domain.Message) bool {
	for _, m := range messages {
		if m.Role == domain.RoleUser && strings.TrimSpace(m.Content) != "" {
			return true
		}
	}
	return false
}

func invalidRequest(detail string) error {
	return domain.NewDomainError("ChatRequest.Decode", domain.ErrInvalidInput, detail)
}

// NewRequestID returns a fresh, time-ordered request id.
func NewRequestID() string {
	return ulid.Make().String()
}
