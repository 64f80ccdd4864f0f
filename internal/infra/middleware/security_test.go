package middleware

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	want := map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
	for k, v := range want {
		if got := w.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set without TLS")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	SecurityHeaders(okHandler).ServeHTTP(w, req)
	if w.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing with TLS")
	}
}

func newTestLimiter(t *testing.T, rps float64, burst int) (*RateLimiter, *time.Time) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := NewRateLimiter(ctx, RateLimitConfig{RequestsPerSecond: rps, Burst: burst, IdleTTL: time.Minute})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl, now := newTestLimiter(t, 1, 2)

	for i := range 2 {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	ok, wait := rl.Allow("10.0.0.1")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("Allow = %v, %v; want rejection with wait <= 1s", ok, wait)
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("other client limited")
	}

	*now = now.Add(time.Second)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("token not refilled")
	}
}

func TestRateLimiterEvictsIdle(t *testing.T) {
	rl, now := newTestLimiter(t, 1, 1)
	rl.Allow("10.0.0.1")
	*now = now.Add(2 * time.Minute)
	rl.Allow("10.0.0.2")
	rl.evictIdle()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.visitors["10.0.0.1"]; ok {
		t.Error("idle client kept")
	}
	if _, ok := rl.visitors["10.0.0.2"]; !ok {
		t.Error("active client evicted")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 0.5, 1)
	h := rl.Middleware(okHandler)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		req.RemoteAddr = "192.0.2.7:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}
	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first = %d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second = %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{"peer only", "203.0.113.5:1234", nil, nil, "203.0.113.5"},
		{"ipv6 peer", "[2001:db8::1]:443", nil, nil, "2001:db8::1"},
		{"spoofed header ignored", "203.0.113.5:1234", map[string]string{"X-Forwarded-For": "1.2.3.4"}, nil, "203.0.113.5"},
		{"trusted proxy xff", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "198.51.100.9, 10.0.0.1"}, []string{"10.0.0.1"}, "198.51.100.9"},
		{"trusted proxy real ip", "10.0.0.1:80", map[string]string{"X-Real-IP": "198.51.100.10"}, []string{"10.0.0.1"}, "198.51.100.10"},
		{"trusted proxy garbage", "10.0.0.1:80", map[string]string{"X-Forwarded-For": "not-an-ip"}, []string{"10.0.0.1"}, "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

type mapChecker map[string]string

func (m mapChecker) Check(token string) (string, bool) {
	name, ok := m[token]
	return name, ok
}

func TestRequireToken(t *testing.T) {
	var seen string
	h := RequireToken(mapChecker{"s3cret": "web-ui"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClientName(r.Context())
	}))

	tests := []struct {
		header string
		want   int
	}{
		{"Bearer s3cret", http.StatusOK},
		{"bearer s3cret", http.StatusOK},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Basic s3cret", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		seen = ""
		req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%q: status = %d, want %d", tt.header, w.Code, tt.want)
		}
		if tt.want == http.StatusOK && seen != "web-ui" {
			t.Errorf("%q: client name = %q", tt.header, seen)
		}
		if tt.want == http.StatusUnauthorized && w.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("%q: missing WWW-Authenticate", tt.header)
		}
	}
}

func TestRequireTokenNilChecker(t *testing.T) {
	w := httptest.NewRecorder()
	RequireToken(nil)(okHandler).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
}
