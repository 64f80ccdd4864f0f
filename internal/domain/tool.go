package domain

import (
	"context"
	"encoding/json"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents an LLM's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolExecutor abstracts tool lookup.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
}

// Optimization tunes how much work a tool may do per call.
type Optimization string

const (
	OptimizationCheap    Optimization = "cheap"
	OptimizationBalanced Optimization = "balanced"
	OptimizationPowerful Optimization = "powerful"
)

// ParseOptimization maps a client-supplied value to an Optimization,
// defaulting to balanced.
func ParseOptimization(s string) Optimization {
	switch Optimization(s) {
	case OptimizationCheap, OptimizationPowerful:
		return Optimization(s)
	default:
		return OptimizationBalanced
	}
}

// ItemLimit returns how many items (search results, pages) a tool should
// fetch for this preference.
func (o Optimization) ItemLimit() int {
	switch o {
	case OptimizationCheap:
		return 3
	case OptimizationPowerful:
		return 10
	default:
		return 5
	}
}

// ToolProgress is a progress notification emitted by a running tool.
// Fields carries tool-specific detail (e.g. "current", "total", "url").
type ToolProgress struct {
	Phase  string
	Fields map[string]any
}

// Invocation is the context a tool receives alongside its arguments.
type Invocation struct {
	OnProgress    func(ToolProgress)
	SelectedModel string
	Provider      string
	Optimization  Optimization
}

// Progress reports p through OnProgress when set.
func (inv Invocation) Progress(phase string, fields map[string]any) {
	if inv.OnProgress != nil {
		inv.OnProgress(ToolProgress{Phase: phase, Fields: fields})
	}
}
