package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase/budget"
)

// defaultThrottleWait is the longest a call waits for local budget before
// it is reported as rate limited.
const defaultThrottleWait = 5 * time.Second

// ThrottledProvider paces calls to a candidate's published RPM and TPM
// limits. A call that cannot get budget within maxWait fails with a
// rate-limit error, which lets the fallback manager move on before the
// provider itself rejects the request.
type ThrottledProvider struct {
	inner    domain.StreamingLLMProvider
	requests *rate.Limiter // nil when RPM is unlimited
	tokens   *rate.Limiter // nil when TPM is unlimited
	maxWait  time.Duration
	est      budget.Estimator
}

// NewThrottledProvider wraps inner. rpm and tpm of 0 mean unlimited. est
// sizes requests against the TPM budget; nil uses cl100k_base.
func NewThrottledProvider(inner domain.StreamingLLMProvider, rpm, tpm int, maxWait time.Duration, est budget.Estimator) *ThrottledProvider {
	if maxWait <= 0 {
		maxWait = defaultThrottleWait
	}
	if est == nil {
		est = budget.NewTiktokenEstimator("", 0)
	}
	p := &ThrottledProvider{inner: inner, maxWait: maxWait, est: est}
	if rpm > 0 {
		p.requests = rate.NewLimiter(rate.Limit(float64(rpm)/60), rpm)
	}
	if tpm > 0 {
		p.tokens = rate.NewLimiter(rate.Limit(float64(tpm)/60), tpm)
	}
	return p
}

// Chat implements domain.LLMProvider.
func (p *ThrottledProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.wait(ctx, req); err != nil {
		return nil, err
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingLLMProvider.
func (p *ThrottledProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	if err := p.wait(ctx, req); err != nil {
		return nil, err
	}
	return p.inner.ChatStream(ctx, req)
}

// Name implements domain.LLMProvider.
func (p *ThrottledProvider) Name() string { return p.inner.Name() }

func (p *ThrottledProvider) wait(ctx context.Context, req domain.ChatRequest) error {
	wctx, cancel := context.WithTimeout(ctx, p.maxWait)
	defer cancel()

	if p.requests != nil {
		if err := p.requests.Wait(wctx); err != nil {
			return p.throttled(ctx, "requests per minute", err)
		}
	}
	if p.tokens != nil {
		n := min(estimateRequestTokens(p.est, req), p.tokens.Burst())
		if err := p.tokens.WaitN(wctx, n); err != nil {
			return p.throttled(ctx, "tokens per minute", err)
		}
	}
	return nil
}

func (p *ThrottledProvider) throttled(ctx context.Context, limit string, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &domain.ProviderError{
		Provider: p.inner.Name(),
		Code:     "local_throttle",
		Message:  fmt.Sprintf("local %s budget exhausted: %v", limit, cause),
		Err:      domain.ErrRateLimit,
	}
}

// estimateRequestTokens counts the prompt with est and adds the completion
// allowance.
func estimateRequestTokens(est budget.Estimator, req domain.ChatRequest) int {
	tokens := 0
	for _, m := range req.Messages {
		tokens += est.Count(m.Content)
		for _, tc := range m.ToolCalls {
			tokens += est.Count(string(tc.Arguments))
		}
	}
	for _, t := range req.Tools {
		tokens += est.Count(t.Description) + est.Count(string(t.Parameters))
	}
	return max(1, tokens+req.MaxTokens)
}

var _ domain.StreamingLLMProvider = (*ThrottledProvider)(nil)
