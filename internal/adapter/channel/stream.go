package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
)

type streamFormat int

const (
	formatNDJSON streamFormat = iota
	formatSSE
)

const (
	contentTypeSSE    = "text/event-stream"
	contentTypeNDJSON = "application/x-ndjson"
)

// negotiateFormat picks SSE when the client lists text/event-stream and
// NDJSON otherwise.
func negotiateFormat(accept string) streamFormat {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err == nil && mt == contentTypeSSE {
			return formatSSE
		}
	}
	return formatNDJSON
}

// streamWriter is the usecase.EventSink of one HTTP response. Every write
// is flushed so events reach the client as they happen.
type streamWriter struct {
	w      io.Writer
	flush  func()
	format streamFormat

	mu sync.Mutex
}

func newStreamWriter(w http.ResponseWriter, format streamFormat) *streamWriter {
	h := w.Header()
	if format == formatSSE {
		h.Set("Content-Type", contentTypeSSE)
	} else {
		h.Set("Content-Type", contentTypeNDJSON)
	}
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	s := &streamWriter{w: w, format: format}
	if f, ok := w.(http.Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

// Send writes one event frame.
func (s *streamWriter) Send(_ context.Context, ev domain.StreamEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if s.format == formatSSE {
		return s.write(fmt.Appendf(nil, "event: %s\ndata: %s\n\n", ev.Type, body))
	}
	return s.write(append(body, '\n'))
}

// ping writes an SSE comment so idle proxies keep the connection open.
func (s *streamWriter) ping() error {
	return s.write(fmt.Appendf(nil, ": ping %d\n\n", time.Now().Unix()))
}

// keepAlive pings every interval until ctx ends. Only SSE has a comment
// syntax, so NDJSON streams are left alone.
func (s *streamWriter) keepAlive(ctx context.Context, interval time.Duration) {
	if s.format != formatSSE || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (s *streamWriter) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(data); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush()
	}
	return nil
}
