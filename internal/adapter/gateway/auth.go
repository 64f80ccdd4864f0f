package gateway

import (
	"crypto/subtle"

	"chatrelay/internal/infra/config"
)

type authEntry struct {
	token []byte
	name  string
}

// StaticTokenAuth checks bearer tokens against a fixed list using
// constant-time comparison.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
// Entries with an empty token are ignored.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		name := t.Name
		if name == "" {
			name = "client"
		}
		a.entries = append(a.entries, authEntry{token: []byte(t.Token), name: name})
	}
	return a
}

// Enabled reports whether any token is configured.
func (a *StaticTokenAuth) Enabled() bool { return len(a.entries) > 0 }

// Check returns the client name for a valid token. Every entry is compared
// so the time taken does not depend on which one matched.
func (a *StaticTokenAuth) Check(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	tokenBytes := []byte(token)
	name, ok := "", false
	for _, e := range a.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 && !ok {
			name, ok = e.name, true
		}
	}
	return name, ok
}
