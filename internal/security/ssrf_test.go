package security

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"chatrelay/internal/domain"
)

func TestIsBlockedAddr(t *testing.T) {
	tests := []struct {
		ip      string
		blocked bool
	}{
		{"10.0.0.1", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fd00::1", true},
		{"fe80::1", true},
		{"::ffff:127.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"172.32.0.1", false},
		{"::ffff:8.8.8.8", false},
		{"2607:f8b0:4004:800::200e", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := IsBlockedAddr(netip.MustParseAddr(tt.ip)); got != tt.blocked {
				t.Errorf("IsBlockedAddr(%s) = %v, want %v", tt.ip, got, tt.blocked)
			}
			if got := IsPrivateIP(net.ParseIP(tt.ip)); got != tt.blocked {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.ip, got, tt.blocked)
			}
		})
	}
}

func TestIsPrivateIPInvalid(t *testing.T) {
	if !IsPrivateIP(net.IP{1, 2, 3}) {
		t.Error("malformed IP must be treated as blocked")
	}
}

func TestValidateURLRejects(t *testing.T) {
	urls := []string{
		"http://127.0.0.1/secrets",
		"http://10.0.0.1:8080/admin",
		"http://[::1]/",
		"http://[::ffff:169.254.169.254]/latest/meta-data/",
		"http:///path",
		"not-a-url",
		"://missing-scheme",
		"file:///etc/passwd",
		"gopher://example.com/",
		"http://[invalid-ipv6/path",
		"http://nonexistent.invalid/path",
	}
	for _, u := range urls {
		err := ValidateURL(context.Background(), u)
		if !errors.Is(err, domain.ErrSSRFBlocked) {
			t.Errorf("ValidateURL(%q) = %v, want ErrSSRFBlocked", u, err)
		}
	}
}

func TestValidateURLAcceptsPublicIP(t *testing.T) {
	for _, u := range []string{"http://8.8.8.8/path", "https://1.1.1.1/dns-query", "http://[::ffff:8.8.8.8]/"} {
		if err := ValidateURL(context.Background(), u); err != nil {
			t.Errorf("ValidateURL(%q) = %v", u, err)
		}
	}
}

func TestValidateURLHostnameResolvesToLoopback(t *testing.T) {
	addrs, err := net.DefaultResolver.LookupNetIP(context.Background(), "ip", "localhost")
	if err != nil || len(addrs) == 0 {
		t.Skip("localhost does not resolve here")
	}
	if err := ValidateURL(context.Background(), "http://localhost/admin"); err == nil {
		t.Error("expected localhost to be blocked")
	}
}

func TestSafeClientRefusesLoopbackServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach a loopback server")
	}))
	defer server.Close()

	_, err := NewSafeClient(0, 0).Get(server.URL)
	if !errors.Is(err, domain.ErrSSRFBlocked) {
		t.Fatalf("expected ErrSSRFBlocked, got %v", err)
	}
}

func TestNewSafeTransportDefaults(t *testing.T) {
	tr := NewSafeTransport(0)
	if tr.DialContext == nil || tr.Proxy != nil {
		t.Error("safe transport must dial itself and never use a proxy")
	}
}
