package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatrelay/internal/adapter/channel"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/middleware"
	"chatrelay/internal/usecase"
)

const (
	sendQueueSize       = 64
	writeTimeout        = 10 * time.Second
	maxChatsPerConn     = 4
	maxFrameBytes       = 1 << 20
	defaultShutdownWait = 15 * time.Second
)

var errTooManyChats = errors.New("too many concurrent chats on this connection")

// localOrigins are always accepted for browser clients.
var localOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// Options configures the server.
type Options struct {
	Addr            string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	MaxBodyBytes    int64
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	id        uint64
	name      string
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	running map[uint64]context.CancelFunc
	wg      sync.WaitGroup
}

func (cc *clientConn) close() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// send queues f, waiting while the queue is full. Chat events are never
// dropped; a client that stops reading is cut off by the write timeout.
func (cc *clientConn) send(ctx context.Context, f Frame) error {
	select {
	case cc.sendCh <- f:
		return nil
	case <-cc.done:
		return domain.ErrClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Server owns the listener. It serves the chat WebSocket endpoint and any
// HTTP routes mounted with Handle.
type Server struct {
	opts    Options
	runner  channel.Runner
	decoder *channel.RequestDecoder
	auth    middleware.TokenChecker
	logger  *slog.Logger

	mux       *http.ServeMux
	httpSrv   *http.Server
	listener  net.Listener
	clients   sync.Map // conn id -> *clientConn
	nextID    atomic.Uint64
	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// NewServer creates a server. auth may be nil, which leaves the WebSocket
// endpoint open.
func NewServer(opts Options, runner channel.Runner, decoder *channel.RequestDecoder, auth middleware.TokenChecker, logger *slog.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownWait
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = maxFrameBytes
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		opts:      opts,
		runner:    runner,
		decoder:   decoder,
		auth:      auth,
		logger:    logger,
		mux:       http.NewServeMux(),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}
}

// Handle mounts an HTTP handler. Must be called before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// WebSocketHandler returns the chat WebSocket endpoint.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// Listen binds the configured address.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	return nil
}

// Serve accepts connections until ctx is cancelled, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("serve: Listen was not called")
	}
	s.logger.Info("server started", "addr", s.BoundAddr())

	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		stopped <- s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return <-stopped
}

// Start is Listen followed by Serve.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Stop closes WebSocket clients and waits up to ShutdownTimeout for
// in-flight HTTP streams. Streams still running after that are cancelled.
func (s *Server) Stop(ctx context.Context) error {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})
	if s.httpSrv == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	if err != nil {
		s.logger.Warn("shutdown deadline passed, cancelling open streams", "error", err)
		s.cancelAll()
		return s.httpSrv.Close()
	}
	s.cancelAll()
	s.logger.Info("server stopped")
	return nil
}

// BoundAddr returns the address the server is bound to. Only valid after
// Listen.
func (s *Server) BoundAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	name := "anonymous"
	if s.auth != nil {
		token := middleware.BearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		n, ok := s.auth.Check(token)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		name = n
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: append(append([]string{}, localOrigins...), s.opts.AllowedOrigins...),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(s.opts.MaxBodyBytes)

	cc := &clientConn{
		id:      s.nextID.Add(1),
		name:    name,
		ws:      ws,
		sendCh:  make(chan Frame, sendQueueSize),
		done:    make(chan struct{}),
		running: make(map[uint64]context.CancelFunc),
	}
	s.clients.Store(cc.id, cc)
	s.logger.Info("websocket client connected", "conn_id", cc.id, "client", name)

	// The hijacked request context outlives the socket; chats are tied to
	// this one instead.
	ctx, cancel := context.WithCancel(s.baseCtx)
	go s.writeLoop(cc)
	s.readLoop(ctx, cc)

	cancel()
	cc.close()
	cc.wg.Wait()
	s.clients.Delete(cc.id)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("websocket client disconnected", "conn_id", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}

		switch frame.Method {
		case MethodChat:
			s.startChat(ctx, cc, frame)
		case MethodCancel:
			s.cancelChat(ctx, cc, frame)
		case MethodPing:
			s.respond(ctx, cc, frame.ID, map[string]bool{"pong": true}, nil)
		default:
			s.respond(ctx, cc, frame.ID, nil, domain.NewDomainError("Gateway", domain.ErrInvalidInput, fmt.Sprintf("unknown method %q", frame.Method)))
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				s.logger.Debug("websocket write failed", "conn_id", cc.id, "error", err)
				cc.close()
				return
			}
		}
	}
}

func (s *Server) startChat(ctx context.Context, cc *clientConn, req Frame) {
	cc.mu.Lock()
	_, dup := cc.running[req.ID]
	busy := len(cc.running) >= maxChatsPerConn
	var chatCtx context.Context
	var cancel context.CancelFunc
	if !dup && !busy {
		chatCtx, cancel = context.WithCancel(ctx)
		cc.running[req.ID] = cancel
		cc.wg.Add(1)
	}
	cc.mu.Unlock()

	switch {
	case dup:
		s.respond(ctx, cc, req.ID, nil, domain.NewDomainError("Gateway", domain.ErrInvalidInput, fmt.Sprintf("request %d is already running", req.ID)))
		return
	case busy:
		s.respond(ctx, cc, req.ID, nil, domain.NewDomainError("Gateway", domain.ErrRateLimit, errTooManyChats.Error()))
		return
	}

	go func() {
		defer cc.wg.Done()
		defer func() {
			cc.mu.Lock()
			delete(cc.running, req.ID)
			cc.mu.Unlock()
			cancel()
		}()
		s.runChat(chatCtx, cc, req)
	}()
}

func (s *Server) runChat(ctx context.Context, cc *clientConn, req Frame) {
	runReq, err := s.decoder.Decode(req.Payload)
	if err != nil {
		s.respond(ctx, cc, req.ID, nil, err)
		return
	}

	requestID := channel.NewRequestID()
	ctx = domain.ContextWithRequestID(ctx, requestID)
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	logger := s.logger.With("request_id", requestID, "conn_id", cc.id)
	logger.Info("chat request", "client", cc.name, "frame_id", req.ID, "messages", len(runReq.Messages), "model", runReq.Model)

	sink := usecase.SinkFunc(func(ctx context.Context, ev domain.StreamEvent) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return cc.send(ctx, Frame{Type: FrameTypeEvent, ID: req.ID, Payload: payload})
	})

	result := chatResult{RequestID: requestID, Status: "completed"}
	err = s.runner.Run(ctx, runReq, sink)
	if err != nil {
		result.Status = "failed"
		logger.Debug("chat ended with error", "error", err)
	}
	s.respond(context.WithoutCancel(ctx), cc, req.ID, result, err)
}

func (s *Server) cancelChat(ctx context.Context, cc *clientConn, req Frame) {
	var p cancelParams
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		s.respond(ctx, cc, req.ID, nil, domain.NewDomainError("Gateway", domain.ErrInvalidInput, "cancel payload must be {\"id\": <request id>}"))
		return
	}
	cc.mu.Lock()
	cancel, ok := cc.running[p.ID]
	cc.mu.Unlock()
	if ok {
		cancel()
	}
	s.respond(ctx, cc, req.ID, map[string]bool{"cancelled": ok}, nil)
}

func (s *Server) respond(ctx context.Context, cc *clientConn, id uint64, result any, err error) {
	resp := Frame{Type: FrameTypeResponse, ID: id}
	if result != nil {
		payload, mErr := json.Marshal(result)
		if mErr != nil {
			err = errors.Join(err, mErr)
		} else {
			resp.Payload = payload
		}
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = string(domain.ErrorCodeOf(err))
	}

	sendCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := cc.send(sendCtx, resp); err != nil {
		s.logger.Debug("response not delivered", "conn_id", cc.id, "frame_id", id, "error", err)
	}
}
