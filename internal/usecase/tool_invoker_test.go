package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/budget"
)

func TestInvokeSuccess(t *testing.T) {
	x := newTestInvoker(stubTools{"echo": echoTool("echo", `{"results":[{"title":"Go"}]}`)})

	out := x.Invoke(context.Background(), call("c1", "echo", `{"q":"go"}`), domain.Invocation{})
	require.NoError(t, out.Err)
	assert.Equal(t, "c1", out.Call.ID)
	assert.JSONEq(t, `{"results":[{"title":"Go"}]}`, out.Content)
}

func TestInvokeEmptyArgumentsBecomeObject(t *testing.T) {
	var got string
	tools := stubTools{"inspect": &stubTool{name: "inspect", fn: func(_ context.Context, args json.RawMessage) (*domain.ToolResult, error) {
		got = string(args)
		return &domain.ToolResult{Content: "ok"}, nil
	}}}
	x := newTestInvoker(tools)

	x.Invoke(context.Background(), domain.ToolCall{ID: "c1", Name: "inspect"}, domain.Invocation{})
	assert.Equal(t, "{}", got)
}

func TestInvokeCapsLargeOutput(t *testing.T) {
	huge := strings.Repeat("word ", 10000)
	x := newTestInvoker(stubTools{"dump": echoTool("dump", huge)})

	out := x.Invoke(context.Background(), call("c1", "dump", `{}`), domain.Invocation{})
	require.NoError(t, out.Err)
	assert.LessOrEqual(t, len([]rune(out.Content)), 5000+len([]rune(budget.TruncationMarker)))
	assert.Contains(t, out.Content, budget.TruncationMarker)
	assert.Contains(t, out.Content, "original size: 50000 characters")
}

func TestInvokeFailures(t *testing.T) {
	tools := stubTools{
		"fails": &stubTool{name: "fails", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return nil, domain.NewDomainError("Search", domain.ErrToolFailure, "backend unavailable")
		}},
		"rejects": &stubTool{name: "rejects", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return &domain.ToolResult{Content: "query must not be empty", IsError: true}, nil
		}},
		"nil": &stubTool{name: "nil", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			return nil, nil
		}},
		"panics": &stubTool{name: "panics", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
			panic("index out of range")
		}},
	}
	x := newTestInvoker(tools)

	tests := []struct {
		name    string
		tool    string
		wantErr string
		is      error
	}{
		{"execution error", "fails", "backend unavailable", domain.ErrToolFailure},
		{"error result", "rejects", "query must not be empty", domain.ErrToolFailure},
		{"nil result", "nil", "tool returned no result", domain.ErrToolFailure},
		{"panic", "panics", "panic: index out of range", domain.ErrToolFailure},
		{"unknown tool", "nope", "unknown tool nope", domain.ErrToolNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := x.Invoke(context.Background(), call("c1", tt.tool, `{}`), domain.Invocation{})
			require.Error(t, out.Err)
			assert.ErrorIs(t, out.Err, tt.is)

			var body struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			require.NoError(t, json.Unmarshal([]byte(out.Content), &body))
			assert.False(t, body.Success)
			assert.Equal(t, tt.wantErr, body.Error)
		})
	}
}

func TestInvokeDetachedFromCaller(t *testing.T) {
	var ctxErr error
	var hasDeadline bool
	var inv domain.Invocation
	tools := stubTools{"inspect": &stubTool{name: "inspect", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
		ctxErr = ctx.Err()
		_, hasDeadline = ctx.Deadline()
		inv = domain.InvocationFromContext(ctx)
		return &domain.ToolResult{Content: "{}"}, nil
	}}}
	x := newTestInvoker(tools)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := x.Invoke(ctx, call("c1", "inspect", `{}`), domain.Invocation{SelectedModel: "llama-3.3-70b", Optimization: domain.OptimizationPowerful})
	require.NoError(t, out.Err)
	assert.NoError(t, ctxErr)
	assert.True(t, hasDeadline)
	assert.Equal(t, "llama-3.3-70b", inv.SelectedModel)
	assert.Equal(t, domain.OptimizationPowerful, inv.Optimization)
}

func TestInvokeTimeout(t *testing.T) {
	tools := stubTools{"hang": &stubTool{name: "hang", fn: func(ctx context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}}
	x := NewToolInvoker(tools, budget.New(budget.Config{}), 20*time.Millisecond, discardLogger())

	out := x.Invoke(context.Background(), call("c1", "hang", `{}`), domain.Invocation{})
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	assert.Contains(t, out.Content, "deadline exceeded")
}

func TestInvokeCapsErrorResultDetail(t *testing.T) {
	long := strings.Repeat("stack frame\n", 5000)
	x := newTestInvoker(stubTools{"verbose": &stubTool{name: "verbose", fn: func(context.Context, json.RawMessage) (*domain.ToolResult, error) {
		return &domain.ToolResult{Content: long, IsError: true}, nil
	}}})

	out := x.Invoke(context.Background(), call("c1", "verbose", `{}`), domain.Invocation{})
	require.ErrorIs(t, out.Err, domain.ErrToolFailure)
	detail := clientMessage(out.Err)
	assert.Less(t, len(detail), 600)
	assert.True(t, strings.HasPrefix(detail, "stack frame\n"))
}
