package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase/budget"
)

// Loop defaults.
const (
	defaultMaxIterations   = 20
	defaultAnswerThreshold = 50
	defaultToolConcurrency = 4
	defaultDeadlineMargin  = 5 * time.Second
	closingWriteTimeout    = 2 * time.Second

	// progressBuffer is how many tool progress notifications may queue
	// before new ones are dropped.
	progressBuffer = 64
)

// maxIterationsNotice is the answer reported when the iteration ceiling is
// reached before the model produced any text.
const maxIterationsNotice = "I could not finish within the allowed number of tool rounds. Please narrow the question or try again."

// ProviderSource resolves a pool candidate to a streaming client.
type ProviderSource interface {
	Client(c domain.ProviderCandidate) (domain.StreamingLLMProvider, error)
}

// AgentDeps holds injected dependencies for the agent.
type AgentDeps struct {
	Providers  ProviderSource
	Fallback   *FallbackManager
	Classifier *ErrorClassifier
	Budget     *budget.Budgeter
	Tools      *ToolInvoker
	Logger     *slog.Logger

	MaxIterations   int
	AnswerThreshold int      // trimmed answers at least this long end the loop
	ToolFinish      []string // finish reasons that request tool execution
	ToolConcurrency int
	DeadlineMargin  time.Duration
	Temperature     float64
	MaxTokens       int
	SystemPrompt    string // prepended when the conversation has no system message
}

// Agent drives the provider/tool loop for one request at a time per Run
// call. It holds no per-request state and may serve concurrent requests.
type Agent struct {
	deps AgentDeps
}

// NewAgent creates an agent with the given dependencies.
func NewAgent(deps AgentDeps) *Agent {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.AnswerThreshold <= 0 {
		deps.AnswerThreshold = defaultAnswerThreshold
	}
	if len(deps.ToolFinish) == 0 {
		deps.ToolFinish = []string{domain.FinishToolCalls}
	}
	if deps.ToolConcurrency <= 0 {
		deps.ToolConcurrency = defaultToolConcurrency
	}
	if deps.DeadlineMargin <= 0 {
		deps.DeadlineMargin = defaultDeadlineMargin
	}
	if deps.Classifier == nil {
		deps.Classifier = NewErrorClassifier(DefaultRateLimitRules())
	}
	return &Agent{deps: deps}
}

// RunRequest is one chat request.
type RunRequest struct {
	Messages     []domain.Message
	Model        string
	Complex      bool
	Optimization domain.Optimization
	Pool         []domain.ProviderCandidate // overrides the configured pool when non-empty
}

// Run drives the conversation for req and writes its event stream to sink.
// The stream always ends with exactly one complete or error event unless
// the sink itself failed. The returned error is nil when the conversation
// completed (including at the iteration ceiling).
func (a *Agent) Run(ctx context.Context, req RunRequest, sink EventSink) error {
	ctx, span := tracer.StartSpan(ctx, "agent.run",
		trace.WithAttributes(
			tracer.StringAttr("request.model", req.Model),
			tracer.IntAttr("request.messages", len(req.Messages)),
		),
	)
	defer span.End()

	logger := a.deps.Logger.With("request_id", domain.RequestIDFromContext(ctx))
	em := NewEmitter(sink, logger)

	// Provider and tool work stop short of the request deadline so the
	// terminal event can still be written.
	workCtx := ctx
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		workCtx, cancel = context.WithDeadline(ctx, dl.Add(-a.deps.DeadlineMargin))
		defer cancel()
	}

	r := &run{
		agent:    a,
		ctx:      ctx,
		workCtx:  workCtx,
		em:       em,
		logger:   logger,
		req:      req,
		fallback: a.deps.Fallback,
		modelReq: ModelRequest{Model: req.Model, Complex: req.Complex},
		state:    newConversationState(req.Messages),
	}
	if len(req.Pool) > 0 {
		r.fallback = a.deps.Fallback.WithPool(req.Pool)
	}

	err := r.loop()
	if err == nil {
		tracer.SetOK(span)
		return nil
	}
	r.state.Phase = PhaseFailed
	tracer.RecordError(span, err)

	if em.Broken() {
		logger.Info("client disconnected", "iteration", r.state.Iteration, "error", err)
		return err
	}
	if !em.Terminated() {
		err = a.terminalError(err)
		closeCtx, cancel := closingContext(ctx)
		defer cancel()
		if emitErr := em.Emit(closeCtx, errorEvent(err)); emitErr != nil {
			logger.Debug("error event not delivered", "error", emitErr)
		}
	}
	logger.Warn("conversation failed",
		"code", domain.ErrorCodeOf(err),
		"iteration", r.state.Iteration,
		"providers_tried", len(r.state.attemptedProviders),
		"error", err,
	)
	return err
}

// run is the mutable state of one Run call. It never escapes the call.
type run struct {
	agent    *Agent
	ctx      context.Context // request context, used for emits
	workCtx  context.Context // ctx minus the deadline margin, used for work
	em       *Emitter
	logger   *slog.Logger
	req      RunRequest
	fallback *FallbackManager
	modelReq ModelRequest
	state    *ConversationState
}

func (r *run) loop() error {
	deps := r.agent.deps
	state := r.state

	sel, err := r.fallback.SelectInitial(state, r.modelReq)
	if err != nil {
		return err
	}
	state.Current = sel
	if err := r.status(domain.PhaseStarting); err != nil {
		return err
	}

	for {
		if err := r.workCtx.Err(); err != nil {
			return err
		}
		if state.Iteration >= deps.MaxIterations {
			return r.finishAtCeiling()
		}

		state.Phase = PhaseAwaitingProvider
		if err := r.status(domain.PhaseThinking); err != nil {
			return err
		}

		turn, err := r.callProvider()
		if err != nil {
			if ferr := r.recover(err); ferr != nil {
				return ferr
			}
			continue
		}

		state.Usage.Add(turn.usage)
		msg := turn.message

		if r.wantsTools(turn) {
			state.Phase = PhaseToolsPending
			state.append(msg)
			if err := r.runTools(msg.ToolCalls); err != nil {
				return err
			}
			state.Iteration++
			continue
		}

		msg.ToolCalls = nil
		state.append(msg)
		return r.finish(msg.Content, domain.CompleteSuccess, false)
	}
}

// recover maps a provider failure to the next step. A nil return means the
// provider call is retried with the updated state.
func (r *run) recover(err error) error {
	state := r.state
	if r.em.Broken() || errors.Is(err, domain.ErrClientGone) {
		return err
	}

	ce := r.agent.deps.Classifier.Classify(err)
	switch ce.Kind {
	case KindRateLimit:
		next, ok := r.fallback.HandleFailure(err, state, r.modelReq)
		if !ok {
			r.logger.Warn("no provider left", "last_error", err)
			return r.fallback.ExhaustedError(state)
		}
		state.Current = next
		return r.status(domain.PhaseSwitchingProvider)

	case KindContextTooLarge:
		if state.OverflowRetried {
			return domain.NewDomainError("Agent.Run", domain.ErrContextOverflow,
				"The conversation is too large for the selected model even after reducing tool output")
		}
		state.OverflowRetried = true
		r.logger.Info("provider rejected request size, retrying with reduced context",
			"provider", state.Current.Candidate.ID,
			"model", state.Current.Model,
		)
		return r.status(domain.PhaseReducingContext)

	case KindAuth:
		if errors.Is(err, domain.ErrAuthInvalid) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrAuthInvalid, err)

	case KindTimeout, KindCanceled:
		return err

	default:
		if errors.Is(err, domain.ErrTransport) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
}

func (r *run) wantsTools(turn providerTurn) bool {
	deps := r.agent.deps
	if len(turn.message.ToolCalls) == 0 {
		return false
	}
	if !slices.Contains(deps.ToolFinish, turn.finishReason) {
		return false
	}
	return utf8.RuneCountInString(strings.TrimSpace(turn.message.Content)) < deps.AnswerThreshold
}

type providerTurn struct {
	message      domain.Message
	finishReason string
	usage        domain.Usage
}

func (r *run) callProvider() (providerTurn, error) {
	deps := r.agent.deps
	state := r.state
	sel := state.Current

	ctx, span := tracer.StartSpan(r.workCtx, "agent.llm_stream",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", sel.Candidate.ID),
			tracer.StringAttr("llm.model", sel.Model),
			tracer.IntAttr("agent.iteration", state.Iteration),
		),
	)
	defer span.End()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := deps.Providers.Client(sel.Candidate)
	if err != nil {
		tracer.RecordError(span, err)
		return providerTurn{}, err
	}

	msgs := deps.Budget.PrepareMessages(state.Messages, sel.Model, state.OverflowRetried)
	if deps.SystemPrompt != "" && (len(msgs) == 0 || msgs[0].Role != domain.RoleSystem) {
		msgs = append([]domain.Message{{Role: domain.RoleSystem, Content: deps.SystemPrompt}}, msgs...)
	}
	chatReq := domain.ChatRequest{
		Model:       sel.Model,
		Messages:    msgs,
		Tools:       deps.Tools.Schemas(),
		MaxTokens:   deps.MaxTokens,
		Temperature: deps.Temperature,
		Stream:      true,
	}

	stream, err := client.ChatStream(ctx, chatReq)
	if err != nil {
		tracer.RecordError(span, err)
		return providerTurn{}, err
	}

	acc := newStreamAccumulator()
	for delta := range stream {
		if delta.Err != nil {
			tracer.RecordError(span, delta.Err)
			return providerTurn{}, delta.Err
		}
		acc.addDelta(delta)
		if delta.Content == "" {
			continue
		}
		if err := r.em.Emit(r.ctx, domain.StreamEvent{
			Type:    domain.EventDelta,
			Payload: domain.DeltaPayload{ContentFragment: delta.Content},
		}); err != nil {
			return providerTurn{}, err
		}
	}
	// The stream closes silently when its context ends.
	if err := ctx.Err(); err != nil {
		tracer.RecordError(span, err)
		return providerTurn{}, err
	}

	msg, usage, finish := acc.build(state.Iteration)
	setUsageAttrs(span, usage)
	tracer.SetOK(span)
	r.logger.Debug("provider turn",
		"provider", sel.Candidate.ID,
		"model", sel.Model,
		"iteration", state.Iteration,
		"finish_reason", finish,
		"tool_calls", len(msg.ToolCalls),
		"tokens", usage.TotalTokens,
	)
	return providerTurn{message: msg, finishReason: finish, usage: usage}, nil
}

type progressNote struct {
	id string
	p  domain.ToolProgress
}

// runTools announces every call, executes them with bounded concurrency and
// reports results in call order. Progress is forwarded from the controller
// goroutine only.
func (r *run) runTools(calls []domain.ToolCall) error {
	deps := r.agent.deps
	state := r.state
	if err := r.status(domain.PhaseExecutingTools); err != nil {
		return err
	}
	for _, call := range calls {
		if err := r.em.Emit(r.ctx, domain.StreamEvent{
			Type:    domain.EventToolCallStart,
			Payload: domain.ToolCallStartPayload{ID: call.ID, Name: call.Name, Arguments: call.Arguments},
		}); err != nil {
			return err
		}
	}

	progress := make(chan progressNote, progressBuffer)
	outcomes := make([]ToolOutcome, len(calls))
	done := make(chan struct{})

	go func() {
		defer close(done)
		var g errgroup.Group
		g.SetLimit(deps.ToolConcurrency)
		for i, call := range calls {
			inv := domain.Invocation{
				SelectedModel: state.Current.Model,
				Provider:      state.Current.Candidate.ID,
				Optimization:  r.req.Optimization,
				OnProgress: func(p domain.ToolProgress) {
					select {
					case progress <- progressNote{id: call.ID, p: p}:
					default:
						r.logger.Debug("tool progress dropped", "tool", call.Name, "call_id", call.ID, "phase", p.Phase)
					}
				},
			}
			g.Go(func() error {
				outcomes[i] = deps.Tools.Invoke(r.workCtx, call, inv)
				return nil
			})
		}
		_ = g.Wait()
	}()

	for running := true; running; {
		select {
		case note := <-progress:
			if err := r.emitProgress(note); err != nil {
				return err
			}
		case <-done:
			running = false
		case <-r.workCtx.Done():
			err := r.workCtx.Err()
			r.abandonTools(calls, err)
			return err
		}
	}
	for drained := false; !drained; {
		select {
		case note := <-progress:
			if err := r.emitProgress(note); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	for i, call := range calls {
		out := outcomes[i]
		payload := domain.ToolCallResultPayload{ID: call.ID, Name: call.Name, Content: out.Content}
		if out.Err != nil {
			payload.Error = clientMessage(out.Err)
		}
		if err := r.em.Emit(r.ctx, domain.StreamEvent{Type: domain.EventToolCallResult, Payload: payload}); err != nil {
			return err
		}
		state.append(domain.ToolMessage(call, out.Content))
	}
	return nil
}

// abandonTools closes every announced call with a failure result when the
// request stops waiting for them. The tools keep running detached.
func (r *run) abandonTools(calls []domain.ToolCall, cause error) {
	msg := "tool did not finish before the request ended"
	if errors.Is(cause, context.DeadlineExceeded) {
		msg = "tool did not finish before the request deadline"
	}
	body, _ := json.Marshal(toolFailure{Error: msg})
	ctx, cancel := closingContext(r.ctx)
	defer cancel()
	for _, call := range calls {
		if err := r.em.Emit(ctx, domain.StreamEvent{
			Type:    domain.EventToolCallResult,
			Payload: domain.ToolCallResultPayload{ID: call.ID, Name: call.Name, Content: string(body), Error: msg},
		}); err != nil {
			return
		}
	}
}

func (r *run) emitProgress(note progressNote) error {
	return r.em.Emit(r.ctx, domain.StreamEvent{
		Type:    domain.EventToolCallProgress,
		Payload: domain.ToolCallProgressPayload{ID: note.id, Phase: note.p.Phase, Fields: note.p.Fields},
	})
}

func (r *run) status(phase string) error {
	s := r.state
	return r.em.Emit(r.ctx, domain.StreamEvent{
		Type: domain.EventStatus,
		Payload: domain.StatusPayload{
			Phase:     phase,
			Provider:  s.Current.Candidate.ID,
			Model:     s.Current.Model,
			Iteration: s.Iteration,
		},
	})
}

// finishAtCeiling completes with the latest assistant text produced by this
// request, or a fixed notice when there is none.
func (r *run) finishAtCeiling() error {
	content := maxIterationsNotice
	for i := len(r.state.Messages) - 1; i >= len(r.req.Messages); i-- {
		m := r.state.Messages[i]
		if m.Role == domain.RoleAssistant && strings.TrimSpace(m.Content) != "" {
			content = m.Content
			break
		}
	}
	r.logger.Warn("conversation reached max iterations", "iterations", r.state.Iteration)
	return r.finish(content, domain.CompleteMaxIterations, true)
}

func (r *run) finish(content, status string, truncated bool) error {
	state := r.state
	mc := domain.MessageCompletePayload{Role: domain.RoleAssistant, Content: content}
	if extracted := extractAnswer(content); extracted != content {
		mc.ExtractedContent = extracted
	}
	if err := r.em.Emit(r.ctx, domain.StreamEvent{Type: domain.EventMessageComplete, Payload: mc}); err != nil {
		return err
	}

	done := domain.CompletePayload{
		Status:     status,
		Messages:   state.Messages,
		Iterations: state.Iteration,
		Truncated:  truncated,
	}
	if state.Usage != (domain.Usage{}) {
		usage := state.Usage
		done.Usage = &usage
	}
	if err := r.em.Emit(r.ctx, domain.StreamEvent{Type: domain.EventComplete, Payload: done}); err != nil {
		return err
	}
	state.Phase = PhaseDone
	r.logger.Info("conversation complete",
		"status", status,
		"iterations", state.Iteration,
		"provider", state.Current.Candidate.ID,
		"model", state.Current.Model,
		"tokens", state.Usage.TotalTokens,
	)
	return nil
}

// closingContext outlives a cancelled request long enough to write the
// events that close its stream.
func closingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), closingWriteTimeout)
}

// terminalError normalizes a failure for the client. Context errors become
// timeout or client-gone domain errors.
func (a *Agent) terminalError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewDomainError("Agent.Run", domain.ErrTimeout,
			"The request ran out of time before the conversation finished")
	case errors.Is(err, context.Canceled):
		return domain.NewDomainError("Agent.Run", domain.ErrClientGone, "request canceled")
	}
	if domain.ErrorCodeOf(err) == domain.CodeUnknown {
		return fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	return err
}

var errorHints = map[domain.ErrorCode]string{
	domain.CodeAuthInvalid:        "The provider rejected the configured credentials. Update the API key and retry.",
	domain.CodeProvidersExhausted: "Every configured provider is rate limited. Wait and retry, or add providers.",
	domain.CodeContextOverflow:    "Shorten the conversation or pick a model with a larger context window.",
	domain.CodeTimeout:            "Retry with a simpler question or a lower optimization level.",
	domain.CodeNoProviders:        "Configure at least one provider.",
}

func errorEvent(err error) domain.StreamEvent {
	code := domain.ErrorCodeOf(err)
	return domain.StreamEvent{
		Type: domain.EventError,
		Payload: domain.ErrorPayload{
			Error:   clientMessage(err),
			Code:    string(code),
			Message: errorHints[code],
		},
	}
}

// clientMessage returns the text shown to clients for err: the detail of
// the outermost DomainError when present, the full error otherwise.
func clientMessage(err error) string {
	var de *domain.DomainError
	if errors.As(err, &de) && de.Detail != "" {
		return de.Detail
	}
	return err.Error()
}

var thinkBlock = regexp.MustCompile(`(?s)<think>.*?</think>`)

// extractAnswer strips reasoning blocks from a final answer.
func extractAnswer(content string) string {
	if !strings.Contains(content, "<think>") {
		return content
	}
	return strings.TrimSpace(thinkBlock.ReplaceAllString(content, ""))
}

func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// maxToolCallsPerTurn bounds the tool call slots the accumulator allocates.
// Indices beyond it are dropped.
const maxToolCallsPerTurn = 50

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	toolCalls []domain.ToolCall // by stream index
	finish    string
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges a single streaming delta. Tool calls are tracked by their
// position in delta.ToolCalls, which adapters align with the provider's
// stream index. The first fragment carries ID and Name; later fragments
// append to Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxToolCallsPerTurn {
			break
		}
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}
		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.FinishReason != "" {
		acc.finish = delta.FinishReason
	}
	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build returns the accumulated message, usage and finish reason. Slots
// that never received a name are dropped; missing or repeated IDs are
// replaced so every call can be paired with its result.
func (acc *streamAccumulator) build(iteration int) (domain.Message, domain.Usage, string) {
	var calls []domain.ToolCall
	supplied := make(map[string]struct{}, len(acc.toolCalls))
	for _, tc := range acc.toolCalls {
		if tc.Name != "" && tc.ID != "" {
			supplied[tc.ID] = struct{}{}
		}
	}
	seen := make(map[string]struct{}, len(acc.toolCalls))
	for i, tc := range acc.toolCalls {
		if tc.Name == "" {
			continue
		}
		if _, dup := seen[tc.ID]; tc.ID == "" || dup {
			tc.ID = fmt.Sprintf("call_%d_%d", iteration, i)
			for n := 1; ; n++ {
				_, taken := supplied[tc.ID]
				_, used := seen[tc.ID]
				if !taken && !used {
					break
				}
				tc.ID = fmt.Sprintf("call_%d_%d_%d", iteration, i, n)
			}
		}
		seen[tc.ID] = struct{}{}
		calls = append(calls, tc)
	}
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		ToolCalls: calls,
	}
	return msg, acc.usage, acc.finish
}
