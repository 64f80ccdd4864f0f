package usecase

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"

	"chatrelay/internal/domain"
)

// FallbackManager selects provider candidates for a request and switches
// to the next one on rate-limit failures. The pool is ordered once at
// construction and never modified; per-request progress lives in
// ConversationState.
type FallbackManager struct {
	pool       []domain.ProviderCandidate
	classifier *ErrorClassifier
	logger     *slog.Logger
}

// NewFallbackManager orders pool free tier first, keeping declaration order
// within a tier.
func NewFallbackManager(pool []domain.ProviderCandidate, classifier *ErrorClassifier, logger *slog.Logger) *FallbackManager {
	return &FallbackManager{
		pool:       OrderPool(pool),
		classifier: classifier,
		logger:     logger,
	}
}

// OrderPool returns a copy of pool sorted free tier before paid. The sort
// is stable so declaration order is preserved within a tier.
func OrderPool(pool []domain.ProviderCandidate) []domain.ProviderCandidate {
	ordered := slices.Clone(pool)
	slices.SortStableFunc(ordered, func(a, b domain.ProviderCandidate) int {
		return cmp.Compare(tierRank(a.Tier), tierRank(b.Tier))
	})
	return ordered
}

func tierRank(t domain.Tier) int {
	if t == domain.TierFree {
		return 0
	}
	return 1
}

// WithPool returns a manager over a different pool sharing the classifier.
func (m *FallbackManager) WithPool(pool []domain.ProviderCandidate) *FallbackManager {
	return NewFallbackManager(pool, m.classifier, m.logger)
}

// Pool returns the ordered pool.
func (m *FallbackManager) Pool() []domain.ProviderCandidate {
	return slices.Clone(m.pool)
}

// SelectInitial picks the first untried candidate and marks it attempted.
func (m *FallbackManager) SelectInitial(state *ConversationState, req ModelRequest) (Selection, error) {
	if len(m.pool) == 0 {
		return Selection{}, domain.NewDomainError("Fallback.SelectInitial", domain.ErrNoProviders, "")
	}
	sel, ok := m.next(state, req)
	if !ok {
		return Selection{}, m.ExhaustedError(state)
	}
	return sel, nil
}

// HandleFailure decides whether err warrants a switch. For rate-limit
// failures it marks the current candidate attempted and returns the next
// untried one; false means the error is not retryable here or the pool is
// exhausted.
func (m *FallbackManager) HandleFailure(err error, state *ConversationState, req ModelRequest) (Selection, bool) {
	if !m.classifier.IsRateLimit(err) {
		return Selection{}, false
	}
	state.markAttempted(state.Current)

	sel, ok := m.next(state, req)
	if !ok {
		m.logger.Warn("provider pool exhausted",
			"attempted", len(state.attemptedProviders),
			"pool", len(m.pool),
		)
		return Selection{}, false
	}
	m.logger.Warn("provider rate limited, switching",
		"from", state.Current.Candidate.ID,
		"from_model", state.Current.Model,
		"to", sel.Candidate.ID,
		"to_model", sel.Model,
		"error", err,
	)
	return sel, true
}

// ExhaustedError builds the terminal error reported when no candidate is left.
func (m *FallbackManager) ExhaustedError(state *ConversationState) error {
	n := len(state.attemptedProviders)
	return domain.NewDomainError("Fallback", domain.ErrProvidersExhausted,
		fmt.Sprintf("All providers are rate limited (tried %d provider(s)). Configure additional providers to increase capacity", n))
}

func (m *FallbackManager) next(state *ConversationState, req ModelRequest) (Selection, bool) {
	for _, c := range m.pool {
		if state.Attempted(c.ID) {
			continue
		}
		sel := Selection{Candidate: c, Model: c.PreferredModel(req.Model, req.Complex)}
		state.markAttempted(sel)
		return sel, true
	}
	return Selection{}, false
}
