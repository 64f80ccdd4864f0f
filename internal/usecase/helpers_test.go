package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/budget"
)

// recordingSink captures every event written to it. When failAt > 0 the
// sink fails on that write (1-based) and every write after it.
//
// A ctxAware sink refuses writes once their context is done, the way a
// queued WebSocket sink does.
type recordingSink struct {
	mu       sync.Mutex
	events   []domain.StreamEvent
	failAt   int
	writes   int
	ctxAware bool
}

var errSinkClosed = errors.New("write: broken pipe")

func (s *recordingSink) Send(ctx context.Context, ev domain.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctxAware && ctx.Err() != nil {
		return ctx.Err()
	}
	s.writes++
	if s.failAt > 0 && s.writes >= s.failAt {
		return errSinkClosed
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *recordingSink) ofType(t domain.EventType) []domain.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StreamEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) last() domain.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

// stubTool is a domain.Tool backed by a function.
type stubTool struct {
	name string
	fn   func(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}

func (t *stubTool) Name() string        { return t.name }
func (t *stubTool) Description() string { return "stub " + t.name }
func (t *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: t.name, Description: t.Description(), Parameters: json.RawMessage(`{"type":"object"}`)}
}
func (t *stubTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return t.fn(ctx, params)
}

// stubTools is a map-backed domain.ToolExecutor.
type stubTools map[string]domain.Tool

func (s stubTools) Get(name string) (domain.Tool, error) {
	if t, ok := s[name]; ok {
		return t, nil
	}
	return nil, domain.NewDomainError("ToolRegistry.Get", domain.ErrToolNotFound, "unknown tool "+name)
}

func (s stubTools) Schemas() []domain.ToolSchema {
	out := make([]domain.ToolSchema, 0, len(s))
	for _, t := range s {
		out = append(out, t.Schema())
	}
	return out
}

// turn is one scripted provider response: either an error from ChatStream
// or a sequence of deltas.
type turn struct {
	deltas []domain.StreamDelta
	err    error
}

func textTurn(content string) turn {
	return turn{deltas: []domain.StreamDelta{
		{Content: content},
		{FinishReason: domain.FinishStop, Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
		{Done: true},
	}}
}

func toolTurn(content string, calls ...domain.ToolCall) turn {
	var deltas []domain.StreamDelta
	if content != "" {
		deltas = append(deltas, domain.StreamDelta{Content: content})
	}
	deltas = append(deltas,
		domain.StreamDelta{ToolCalls: calls},
		domain.StreamDelta{FinishReason: domain.FinishToolCalls},
		domain.StreamDelta{Done: true},
	)
	return turn{deltas: deltas}
}

func errTurn(err error) turn { return turn{err: err} }

// scriptedProvider replays turns in order and records every request.
type scriptedProvider struct {
	name string

	mu       sync.Mutex
	turns    []turn
	requests []domain.ChatRequest
}

func newScripted(name string, turns ...turn) *scriptedProvider {
	return &scriptedProvider{name: name, turns: turns}
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Chat(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
	return nil, errors.New("scripted provider only streams")
}

func (p *scriptedProvider) ChatStream(_ context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.turns) == 0 {
		return nil, fmt.Errorf("%s: unexpected call %d", p.name, len(p.requests))
	}
	t := p.turns[0]
	p.turns = p.turns[1:]
	if t.err != nil {
		return nil, t.err
	}
	ch := make(chan domain.StreamDelta, len(t.deltas))
	for _, d := range t.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// providerMap resolves candidates by ID.
type providerMap map[string]*scriptedProvider

func (m providerMap) Client(c domain.ProviderCandidate) (domain.StreamingLLMProvider, error) {
	p, ok := m[c.ID]
	if !ok {
		return nil, fmt.Errorf("no client for %s", c.ID)
	}
	return p, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestInvoker(tools stubTools) *ToolInvoker {
	return NewToolInvoker(tools, budget.New(budget.Config{}), time.Second, discardLogger())
}

func newTestAgent(providers providerMap, pool []domain.ProviderCandidate, tools stubTools, opts ...func(*AgentDeps)) *Agent {
	logger := discardLogger()
	classifier := NewErrorClassifier(DefaultRateLimitRules())
	b := budget.New(budget.Config{})
	deps := AgentDeps{
		Providers:  providers,
		Fallback:   NewFallbackManager(pool, classifier, logger),
		Classifier: classifier,
		Budget:     b,
		Tools:      NewToolInvoker(tools, b, time.Second, logger),
		Logger:     logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return NewAgent(deps)
}

func userAsks(q string) []domain.Message {
	return []domain.Message{{Role: domain.RoleUser, Content: q}}
}

func echoTool(name, content string) *stubTool {
	return &stubTool{name: name, fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{Content: content}, nil
	}}
}
