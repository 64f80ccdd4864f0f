// Package security guards outbound fetches made on behalf of the model.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// blockedPrefixes are loopback, private, link-local, shared and
// unspecified ranges a model-chosen URL must never reach.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// IsBlockedAddr reports whether addr falls in a blocked range.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsPrivateIP is IsBlockedAddr for net.IP values.
func IsPrivateIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return true
	}
	return IsBlockedAddr(addr)
}

func blocked(op, detail string) error {
	return domain.NewDomainError(op, domain.ErrSSRFBlocked, detail)
}

// ValidateURL checks scheme and host of rawURL and resolves the host,
// rejecting it when any address is blocked. The dial-time check in
// NewSafeTransport remains the authority; this gives early, readable errors.
func ValidateURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return blocked("ValidateURL", fmt.Sprintf("invalid URL: %v", err))
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	case "":
		return blocked("ValidateURL", "missing URL scheme, only http/https allowed")
	default:
		return blocked("ValidateURL", fmt.Sprintf("scheme %q not allowed, only http/https", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return blocked("ValidateURL", "empty hostname")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if IsBlockedAddr(addr) {
			return blocked("ValidateURL", fmt.Sprintf("IP %s is private/reserved", addr))
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return blocked("ValidateURL", fmt.Sprintf("DNS lookup failed: %v", err))
	}
	for _, addr := range addrs {
		if IsBlockedAddr(addr) {
			return blocked("ValidateURL", fmt.Sprintf("host %s resolves to private IP %s", host, addr))
		}
	}
	return nil
}

// NewSafeTransport returns a transport that resolves each host once,
// refuses blocked addresses and dials the validated address directly, so
// a DNS answer cannot change between check and connect.
func NewSafeTransport(dialTimeout time.Duration) *http.Transport {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid address: %w", err)
			}
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, fmt.Errorf("resolve %s: %w", host, err)
			}
			if len(addrs) == 0 {
				return nil, fmt.Errorf("resolve %s: no addresses", host)
			}
			for _, a := range addrs {
				if IsBlockedAddr(a) {
					return nil, blocked("SafeTransport.Dial", fmt.Sprintf("%s resolves to private IP %s", host, a))
				}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
		},
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       60 * time.Second,
	}
}

// ErrTooManyRedirects is returned when a fetch exceeds the redirect limit.
var ErrTooManyRedirects = errors.New("too many redirects")

// NewSafeClient returns an *http.Client on NewSafeTransport that also
// validates every redirect target and stops after maxRedirects hops.
func NewSafeClient(timeout time.Duration, maxRedirects int) *http.Client {
	if maxRedirects <= 0 {
		maxRedirects = 5
	}
	return &http.Client{
		Transport: NewSafeTransport(0),
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return ValidateURL(req.Context(), req.URL.String())
		},
	}
}
