package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase/budget"
)

// defaultToolTimeout bounds a tool run when no timeout is configured.
const defaultToolTimeout = 60 * time.Second

// maxErrorDetail caps the error text a failed tool reports to clients.
const maxErrorDetail = 500

// ToolOutcome is what a finished tool call contributes to the conversation.
// Content is always the tool message body; Err is set when the call failed
// and Content then carries the JSON failure envelope.
type ToolOutcome struct {
	Call     domain.ToolCall
	Content  string
	Err      error
	Duration time.Duration
}

// ToolInvoker runs tool calls on behalf of the loop controller.
type ToolInvoker struct {
	tools   domain.ToolExecutor
	budget  *budget.Budgeter
	timeout time.Duration
	logger  *slog.Logger
}

// NewToolInvoker creates a ToolInvoker. A non-positive timeout selects the
// default of one minute.
func NewToolInvoker(tools domain.ToolExecutor, b *budget.Budgeter, timeout time.Duration, logger *slog.Logger) *ToolInvoker {
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	return &ToolInvoker{tools: tools, budget: b, timeout: timeout, logger: logger}
}

// Schemas returns the schemas advertised to providers.
func (x *ToolInvoker) Schemas() []domain.ToolSchema {
	return x.tools.Schemas()
}

// Invoke runs call with inv attached to its context. The tool runs on a
// context detached from ctx's cancellation and bounded by the invoker
// timeout, so a client that goes away does not interrupt it midway.
func (x *ToolInvoker) Invoke(ctx context.Context, call domain.ToolCall, inv domain.Invocation) (out ToolOutcome) {
	ctx, span := tracer.StartSpan(ctx, "agent.execute_tool",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	start := time.Now()
	out.Call = call
	defer func() {
		out.Duration = time.Since(start)
		if out.Err != nil {
			tracer.RecordError(span, out.Err)
		} else {
			tracer.SetOK(span)
		}
	}()

	tool, err := x.tools.Get(call.Name)
	if err != nil {
		return x.fail(call, err)
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), x.timeout)
	defer cancel()
	runCtx = domain.ContextWithInvocation(runCtx, inv)

	args := call.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	result, err := x.execute(runCtx, tool, args)
	if err != nil {
		return x.fail(call, err)
	}
	if result == nil {
		return x.fail(call, domain.NewDomainError("Tool.Execute", domain.ErrToolFailure, "tool returned no result"))
	}
	if result.IsError {
		detail := budget.CapToolResult(result.Content, maxErrorDetail)
		return x.fail(call, domain.NewDomainError("Tool.Execute", domain.ErrToolFailure, detail))
	}

	out.Content = budget.Run(result.Content, x.budget.ResultPipeline())
	x.logger.Debug("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"chars", len(result.Content),
		"kept_chars", len(out.Content),
		"duration", time.Since(start),
	)
	return out
}

func (x *ToolInvoker) execute(ctx context.Context, tool domain.Tool, args json.RawMessage) (result *domain.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewDomainError("Tool.Execute", domain.ErrToolFailure, fmt.Sprintf("panic: %v", r))
		}
	}()
	return tool.Execute(ctx, args)
}

type toolFailure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (x *ToolInvoker) fail(call domain.ToolCall, err error) ToolOutcome {
	x.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "error", err)
	body, _ := json.Marshal(toolFailure{Error: clientMessage(err)})
	return ToolOutcome{
		Call:    call,
		Content: budget.CapToolResult(string(body), x.budget.PerResultMaxChars()),
		Err:     err,
	}
}
