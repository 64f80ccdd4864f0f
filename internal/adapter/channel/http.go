package channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/usecase"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultHeartbeat    = 15 * time.Second
)

// Runner runs one conversation, writing its events to sink.
type Runner interface {
	Run(ctx context.Context, req usecase.RunRequest, sink usecase.EventSink) error
}

// BreakerReporter exposes provider circuit breaker states by candidate.
type BreakerReporter interface {
	BreakerStates() map[string]string
}

// HTTPConfig tunes the chat endpoint.
type HTTPConfig struct {
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// Heartbeat is the SSE keep-alive interval; negative disables it.
	Heartbeat time.Duration
}

// ChatHandler serves POST /api/v1/chat, streaming the conversation as
// server-sent events or NDJSON depending on the Accept header.
type ChatHandler struct {
	runner   Runner
	decoder  *RequestDecoder
	breakers BreakerReporter
	cfg      HTTPConfig
	logger   *slog.Logger
}

// NewChatHandler creates the handler. breakers may be nil.
func NewChatHandler(runner Runner, decoder *RequestDecoder, breakers BreakerReporter, cfg HTTPConfig, logger *slog.Logger) *ChatHandler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	return &ChatHandler{
		runner:   runner,
		decoder:  decoder,
		breakers: breakers,
		cfg:      cfg,
		logger:   logger,
	}
}

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code"`
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: domain.CodeInvalidInput})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: "request body too large", Code: domain.CodeInvalidInput})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "read body: " + err.Error(), Code: domain.CodeInvalidInput})
		return
	}
	req, err := h.decoder.Decode(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)})
		return
	}

	requestID := NewRequestID()
	ctx := domain.ContextWithRequestID(r.Context(), requestID)
	if h.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.RequestTimeout)
		defer cancel()
	}

	format := negotiateFormat(r.Header.Get("Accept"))
	w.Header().Set("X-Request-ID", requestID)
	sink := newStreamWriter(w, format)
	w.WriteHeader(http.StatusOK)
	if sink.flush != nil {
		sink.flush()
	}

	logger := h.logger.With("request_id", requestID)
	logger.Info("chat request",
		"client", middleware.ClientName(r.Context()),
		"messages", len(req.Messages),
		"model", req.Model,
		"optimization", req.Optimization,
		"sse", format == formatSSE,
	)

	// The keep-alive goroutine must be gone before the handler returns.
	pingCtx, stopPing := context.WithCancel(ctx)
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		sink.keepAlive(pingCtx, h.cfg.Heartbeat)
	}()
	defer func() {
		stopPing()
		<-pingDone
	}()

	start := time.Now()
	if err := h.runner.Run(ctx, req, sink); err != nil {
		logger.Debug("chat request ended with error", "error", err, "duration", time.Since(start))
		return
	}
	logger.Debug("chat request completed", "duration", time.Since(start))
}

type healthBody struct {
	Status    string            `json:"status"`
	Providers map[string]string `json:"providers,omitempty"`
}

// Health serves GET /healthz. It reports "degraded" while some provider
// circuit is open and 503 "unavailable" when all known circuits are open.
func (h *ChatHandler) Health(w http.ResponseWriter, _ *http.Request) {
	resp := healthBody{Status: "ok"}
	if h.breakers != nil {
		resp.Providers = h.breakers.BreakerStates()
	}
	open := 0
	for _, state := range resp.Providers {
		if state == "open" {
			open++
		}
	}
	status := http.StatusOK
	switch {
	case open > 0 && open == len(resp.Providers):
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	case open > 0:
		resp.Status = "degraded"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
