package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"chatrelay/internal/domain"
)

// ErrEventInvalid is returned for events that violate their type's shape.
var ErrEventInvalid = errors.New("invalid stream event")

// EventSink is the transport under an Emitter: an SSE response, an NDJSON
// stream or a WebSocket connection.
type EventSink interface {
	Send(ctx context.Context, ev domain.StreamEvent) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev domain.StreamEvent) error

func (f SinkFunc) Send(ctx context.Context, ev domain.StreamEvent) error { return f(ctx, ev) }

// Emitter is the ordered, append-only event channel of one request. It
// refuses anything after the terminal event, refuses tool results without a
// matching start, and refuses a successful completion while tool calls are
// still open. A failed sink write poisons the emitter: every later Emit
// returns domain.ErrClientGone.
type Emitter struct {
	sink   EventSink
	logger *slog.Logger

	mu     sync.Mutex
	open   map[string]struct{}
	done   bool
	broken error
	sent   int
}

// NewEmitter wraps sink.
func NewEmitter(sink EventSink, logger *slog.Logger) *Emitter {
	return &Emitter{
		sink:   sink,
		logger: logger,
		open:   make(map[string]struct{}),
	}
}

// Emit validates ev against the stream invariants and writes it.
func (e *Emitter) Emit(ctx context.Context, ev domain.StreamEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.broken != nil {
		return fmt.Errorf("%w: %w", domain.ErrClientGone, e.broken)
	}
	if e.done {
		return fmt.Errorf("emit %s: %w", ev.Type, domain.ErrStreamClosed)
	}
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	if err := e.checkPairing(ev); err != nil {
		return err
	}

	if err := e.sink.Send(ctx, ev); err != nil {
		if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
			// The caller stopped waiting; the sink itself is still usable.
			return fmt.Errorf("emit %s: %w", ev.Type, err)
		}
		e.broken = err
		e.logger.Debug("event sink write failed", "type", ev.Type, "sent", e.sent, "error", err)
		return fmt.Errorf("%w: %w", domain.ErrClientGone, err)
	}
	e.sent++

	switch ev.Type {
	case domain.EventToolCallStart:
		e.open[ev.Payload.(domain.ToolCallStartPayload).ID] = struct{}{}
	case domain.EventToolCallResult:
		delete(e.open, ev.Payload.(domain.ToolCallResultPayload).ID)
	}
	if ev.Type.Terminal() {
		e.done = true
	}
	return nil
}

func (e *Emitter) checkPairing(ev domain.StreamEvent) error {
	switch ev.Type {
	case domain.EventToolCallStart:
		id := ev.Payload.(domain.ToolCallStartPayload).ID
		if _, dup := e.open[id]; dup {
			return fmt.Errorf("%w: field=id reason=duplicate start id=%q", ErrEventInvalid, id)
		}
	case domain.EventToolCallProgress:
		id := ev.Payload.(domain.ToolCallProgressPayload).ID
		if _, ok := e.open[id]; !ok {
			return fmt.Errorf("tool_call_progress id=%q: %w", id, domain.ErrUnpairedTool)
		}
	case domain.EventToolCallResult:
		id := ev.Payload.(domain.ToolCallResultPayload).ID
		if _, ok := e.open[id]; !ok {
			return fmt.Errorf("tool_call_result id=%q: %w", id, domain.ErrUnpairedTool)
		}
	case domain.EventComplete:
		if len(e.open) > 0 {
			return fmt.Errorf("%w: field=type reason=complete with %d open tool calls", ErrEventInvalid, len(e.open))
		}
	}
	return nil
}

// Terminated reports whether the terminal event has been written.
func (e *Emitter) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Broken reports whether the sink failed.
func (e *Emitter) Broken() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.broken != nil
}

// Sent returns how many events reached the sink.
func (e *Emitter) Sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// ValidateEvent checks that an event's payload matches its type and that
// required fields are set.
func ValidateEvent(ev domain.StreamEvent) error {
	if ev.Type == "" {
		return fmt.Errorf("%w: field=type reason=empty", ErrEventInvalid)
	}
	switch ev.Type {
	case domain.EventStatus:
		p, ok := ev.Payload.(domain.StatusPayload)
		if !ok {
			return payloadMismatch(ev)
		}
		if p.Phase == "" {
			return fmt.Errorf("%w: field=phase reason=empty type=%s", ErrEventInvalid, ev.Type)
		}
	case domain.EventDelta:
		if _, ok := ev.Payload.(domain.DeltaPayload); !ok {
			return payloadMismatch(ev)
		}
	case domain.EventToolCallStart:
		p, ok := ev.Payload.(domain.ToolCallStartPayload)
		if !ok {
			return payloadMismatch(ev)
		}
		if p.ID == "" || p.Name == "" {
			return fmt.Errorf("%w: field=id,name reason=empty type=%s", ErrEventInvalid, ev.Type)
		}
	case domain.EventToolCallProgress:
		p, ok := ev.Payload.(domain.ToolCallProgressPayload)
		if !ok {
			return payloadMismatch(ev)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: field=id reason=empty type=%s", ErrEventInvalid, ev.Type)
		}
	case domain.EventToolCallResult:
		p, ok := ev.Payload.(domain.ToolCallResultPayload)
		if !ok {
			return payloadMismatch(ev)
		}
		if p.ID == "" {
			return fmt.Errorf("%w: field=id reason=empty type=%s", ErrEventInvalid, ev.Type)
		}
	case domain.EventMessageComplete:
		if _, ok := ev.Payload.(domain.MessageCompletePayload); !ok {
			return payloadMismatch(ev)
		}
	case domain.EventComplete:
		p, ok := ev.Payload.(domain.CompletePayload)
		if !ok {
			return payloadMismatch(ev)
		}
		if p.Status == "" {
			return fmt.Errorf("%w: field=status reason=empty type=%s", ErrEventInvalid, ev.Type)
		}
	case domain.EventError:
		p, ok := ev.Payload.(domain.ErrorPayload)
		if !ok {
			return payloadMismatch(ev)
		}
		if p.Error == "" {
			return fmt.Errorf("%w: field=error reason=empty type=%s", ErrEventInvalid, ev.Type)
		}
	default:
		return fmt.Errorf("%w: field=type reason=unknown value=%q", ErrEventInvalid, ev.Type)
	}
	return nil
}

func payloadMismatch(ev domain.StreamEvent) error {
	return fmt.Errorf("%w: field=payload reason=type %T does not match %s", ErrEventInvalid, ev.Payload, ev.Type)
}
