package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatrelay/internal/adapter/channel"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/usecase"
)

const testToken = "test-token"

// scriptedRunner emits a fixed event list.
type scriptedRunner struct {
	events []domain.StreamEvent
}

func (r *scriptedRunner) Run(ctx context.Context, _ usecase.RunRequest, sink usecase.EventSink) error {
	for _, ev := range r.events {
		if err := sink.Send(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// blockingRunner waits for cancellation.
type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, _ usecase.RunRequest, sink usecase.EventSink) error {
	_ = sink.Send(ctx, domain.StreamEvent{Type: domain.EventStatus, Payload: domain.StatusPayload{Phase: domain.PhaseStarting}})
	r.started <- struct{}{}
	<-ctx.Done()
	// A cancelled run still closes its stream with a terminal event.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := sink.Send(closeCtx, domain.StreamEvent{Type: domain.EventError, Payload: domain.ErrorPayload{Error: "request canceled"}}); err != nil {
		return err
	}
	return ctx.Err()
}

func newTestServer(t *testing.T, runner channel.Runner) (*Server, string) {
	t.Helper()
	decoder, err := channel.NewRequestDecoder()
	if err != nil {
		t.Fatal(err)
	}
	auth := NewStaticTokenAuth([]config.TokenConfig{{Name: "tester", Token: testToken}})
	srv := NewServer(Options{RequestTimeout: time.Minute}, runner, decoder, auth,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	ts := httptest.NewServer(srv.WebSocketHandler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url+"/?token="+testToken, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, f); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

// readUntilResponse collects frames up to and including the response for id.
func readUntilResponse(t *testing.T, conn *websocket.Conn, id uint64) (events []Frame, resp Frame) {
	t.Helper()
	for {
		f := readFrame(t, conn)
		if f.Type == FrameTypeResponse && f.ID == id {
			return events, f
		}
		if f.ID == id {
			events = append(events, f)
		}
	}
}

const chatPayload = `{"messages": [{"role": "user", "content": "hello"}]}`

func TestChatOverWebSocket(t *testing.T) {
	runner := &scriptedRunner{events: []domain.StreamEvent{
		{Type: domain.EventStatus, Payload: domain.StatusPayload{Phase: domain.PhaseThinking}},
		{Type: domain.EventDelta, Payload: domain.DeltaPayload{ContentFragment: "Hi"}},
		{Type: domain.EventComplete, Payload: domain.CompletePayload{Status: domain.CompleteSuccess, Iterations: 1}},
	}}
	_, url := newTestServer(t, runner)
	conn := dial(t, url)

	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 7, Method: MethodChat, Payload: json.RawMessage(chatPayload)})
	events, resp := readUntilResponse(t, conn, 7)

	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	var types []string
	for _, f := range events {
		if f.Type != FrameTypeEvent {
			t.Errorf("frame type = %q", f.Type)
		}
		var ev map[string]any
		if err := json.Unmarshal(f.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		types = append(types, ev["type"].(string))
	}
	if strings.Join(types, ",") != "status,delta,complete" {
		t.Errorf("types = %v", types)
	}

	if resp.Error != "" {
		t.Fatalf("response error = %q", resp.Error)
	}
	var result chatResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "completed" || len(result.RequestID) != 26 {
		t.Errorf("result = %+v", result)
	}
}

func TestWebSocketRequiresToken(t *testing.T) {
	_, url := newTestServer(t, &scriptedRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, url+"/?token=wrong", nil)
	if err == nil {
		t.Fatal("dial with a bad token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %v", resp)
	}
}

func TestWebSocketBearerHeader(t *testing.T) {
	_, url := newTestServer(t, &scriptedRunner{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 1, Method: MethodPing})
	resp := readFrame(t, conn)
	if resp.Type != FrameTypeResponse || string(resp.Payload) != `{"pong":true}` {
		t.Errorf("resp = %+v", resp)
	}
}

func TestChatInvalidPayload(t *testing.T) {
	_, url := newTestServer(t, &scriptedRunner{})
	conn := dial(t, url)

	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 3, Method: MethodChat, Payload: json.RawMessage(`{"messages": []}`)})
	resp := readFrame(t, conn)

	if resp.ID != 3 || resp.Error == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Code != string(domain.CodeInvalidInput) {
		t.Errorf("code = %q", resp.Code)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, url := newTestServer(t, &scriptedRunner{})
	conn := dial(t, url)

	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 4, Method: "shell"})
	resp := readFrame(t, conn)
	if !strings.Contains(resp.Error, `unknown method "shell"`) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCancelChat(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 1)}
	_, url := newTestServer(t, runner)
	conn := dial(t, url)

	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 1, Method: MethodChat, Payload: json.RawMessage(chatPayload)})
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not start")
	}
	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 2, Method: MethodCancel, Payload: json.RawMessage(`{"id": 1}`)})

	responses := map[uint64]Frame{}
	var terminal string
	for len(responses) < 2 {
		f := readFrame(t, conn)
		switch f.Type {
		case FrameTypeEvent:
			var ev struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				t.Fatal(err)
			}
			if f.ID == 1 && (ev.Type == "error" || ev.Type == "complete") {
				if _, done := responses[1]; done {
					t.Fatalf("terminal %s event after the chat response", ev.Type)
				}
				terminal = ev.Type
			}
		case FrameTypeResponse:
			if f.ID == 1 && terminal == "" {
				t.Fatal("chat response arrived without a terminal event")
			}
			responses[f.ID] = f
		}
	}
	if terminal != "error" {
		t.Errorf("terminal event = %q, want error", terminal)
	}
	if string(responses[2].Payload) != `{"cancelled":true}` {
		t.Errorf("cancel response = %+v", responses[2])
	}
	var result chatResult
	if err := json.Unmarshal(responses[1].Payload, &result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "failed" || responses[1].Error == "" {
		t.Errorf("chat response = %+v", responses[1])
	}
}

func TestDuplicateChatID(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}, 1)}
	_, url := newTestServer(t, runner)
	conn := dial(t, url)

	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 9, Method: MethodChat, Payload: json.RawMessage(chatPayload)})
	<-runner.started
	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 9, Method: MethodChat, Payload: json.RawMessage(chatPayload)})

	for {
		f := readFrame(t, conn)
		if f.Type == FrameTypeResponse {
			if !strings.Contains(f.Error, "already running") {
				t.Errorf("resp = %+v", f)
			}
			break
		}
	}
	sendFrame(t, conn, Frame{Type: FrameTypeRequest, ID: 10, Method: MethodCancel, Payload: json.RawMessage(`{"id": 9}`)})
}

func TestServerLifecycle(t *testing.T) {
	decoder, err := channel.NewRequestDecoder()
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, &scriptedRunner{}, decoder, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv.Handle("GET /healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "ok")
	}))
	srv.Handle("GET /ws", srv.WebSocketHandler())

	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.BoundAddr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("body = %q", body)
	}

	// Open WebSocket without a token: auth is disabled.
	dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dcancel()
	conn, _, err := websocket.Dial(dctx, "ws://"+srv.BoundAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if _, _, err := conn.Read(dctx); err == nil {
		t.Error("socket should be closed after shutdown")
	}
}
