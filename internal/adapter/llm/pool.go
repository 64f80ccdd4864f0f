package llm

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/budget"
)

// PoolOptions configures the decorators ClientPool applies to every client.
type PoolOptions struct {
	Breaker CircuitBreakerConfig
	// IsRateLimit decides which failures count toward opening a breaker.
	IsRateLimit func(error) bool
	// ThrottleWait bounds the wait for local RPM/TPM budget.
	ThrottleWait time.Duration
	// Estimator sizes requests against TPM limits.
	Estimator budget.Estimator
}

// ClientPool builds and caches one streaming client per provider candidate:
// an OpenAI-compatible client behind a circuit breaker, behind an RPM/TPM
// throttle when the candidate declares limits. Breaker and throttle state
// is therefore shared by every request using the same candidate.
type ClientPool struct {
	httpClient *http.Client
	opts       PoolOptions
	logger     *slog.Logger

	mu       sync.Mutex
	clients  map[string]domain.StreamingLLMProvider
	breakers map[string]*CircuitBreakerProvider
}

// NewClientPool creates an empty pool sharing httpClient.
func NewClientPool(httpClient *http.Client, opts PoolOptions, logger *slog.Logger) *ClientPool {
	return &ClientPool{
		httpClient: httpClient,
		opts:       opts,
		logger:     logger,
		clients:    make(map[string]domain.StreamingLLMProvider),
		breakers:   make(map[string]*CircuitBreakerProvider),
	}
}

// Client returns the client for c, creating it on first use.
func (p *ClientPool) Client(c domain.ProviderCandidate) (domain.StreamingLLMProvider, error) {
	if c.EndpointURL == "" && !KnownProviderType(c.Type) {
		return nil, domain.NewDomainError("ClientPool.Client", domain.ErrInvalidInput,
			fmt.Sprintf("provider %q: unknown type %q and no endpoint", c.ID, c.Type))
	}

	key := clientKey(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client, nil
	}

	base := NewOpenAIProvider(c, p.httpClient, p.logger)
	breaker := NewCircuitBreakerProvider(base, p.opts.Breaker, p.opts.IsRateLimit, p.logger)
	var client domain.StreamingLLMProvider = breaker
	if c.RPM > 0 || c.TPM > 0 {
		client = NewThrottledProvider(breaker, c.RPM, c.TPM, p.opts.ThrottleWait, p.opts.Estimator)
	}

	p.clients[key] = client
	p.breakers[key] = breaker
	p.logger.Debug("provider client created", "provider", c.ID, "type", c.Type, "rpm", c.RPM, "tpm", c.TPM)
	return client, nil
}

// BreakerStates reports the breaker state of every client created so far,
// keyed by candidate ID.
func (p *ClientPool) BreakerStates() map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string, len(p.breakers))
	for _, b := range p.breakers {
		out[b.Name()] = b.State().String()
	}
	return out
}

// Size returns the number of cached clients.
func (p *ClientPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// clientKey identifies a candidate by everything that shapes its client.
// Request-supplied pools may reuse an ID with different credentials.
func clientKey(c domain.ProviderCandidate) string {
	return strings.Join([]string{
		c.ID, strings.ToLower(c.Type), c.EndpointURL, c.APIKey,
		fmt.Sprint(c.RPM), fmt.Sprint(c.TPM),
	}, "\x00")
}
