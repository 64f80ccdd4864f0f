package usecase

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func testPool() []domain.ProviderCandidate {
	return []domain.ProviderCandidate{
		{ID: "openai-paid", Tier: domain.TierPaid, Models: []string{"gpt-4o-mini", "gpt-4o"}},
		{ID: "groq-free", Tier: domain.TierFree, Models: []string{"llama-3.1-8b-instant", "llama-3.3-70b-versatile"}},
		{ID: "cerebras-free", Tier: domain.TierFree, Models: []string{"llama3.1-8b"}},
	}
}

func newTestFallback(pool []domain.ProviderCandidate) *FallbackManager {
	return NewFallbackManager(pool, NewErrorClassifier(RateLimitRules{}), slog.Default())
}

func rateLimited() error {
	return &domain.ProviderError{Provider: "test", StatusCode: 429, Message: "slow down", Err: domain.ErrRateLimit}
}

func TestOrderPoolFreeFirstStable(t *testing.T) {
	ordered := OrderPool(testPool())
	ids := make([]string, len(ordered))
	for i, c := range ordered {
		ids[i] = c.ID
	}
	assert.Equal(t, []string{"groq-free", "cerebras-free", "openai-paid"}, ids)
}

func TestSelectInitialPrefersRequestedModel(t *testing.T) {
	m := newTestFallback(testPool())
	state := newConversationState(nil)

	sel, err := m.SelectInitial(state, ModelRequest{Model: "llama-3.3-70b-versatile"})
	require.NoError(t, err)
	assert.Equal(t, "groq-free", sel.Candidate.ID)
	assert.Equal(t, "llama-3.3-70b-versatile", sel.Model)
	assert.True(t, state.Attempted("groq-free"))
	assert.True(t, state.AttemptedModel("groq-free", "llama-3.3-70b-versatile"))
}

func TestSelectInitialComplexityDefault(t *testing.T) {
	m := newTestFallback(testPool())

	simple, err := m.SelectInitial(newConversationState(nil), ModelRequest{Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "llama-3.1-8b-instant", simple.Model)

	large, err := m.SelectInitial(newConversationState(nil), ModelRequest{Model: "gpt-4o", Complex: true})
	require.NoError(t, err)
	assert.Equal(t, "llama-3.3-70b-versatile", large.Model)
}

func TestSelectInitialEmptyPool(t *testing.T) {
	m := newTestFallback(nil)
	_, err := m.SelectInitial(newConversationState(nil), ModelRequest{})
	assert.ErrorIs(t, err, domain.ErrNoProviders)
}

func TestHandleFailureWalksPoolOnce(t *testing.T) {
	m := newTestFallback(testPool())
	state := newConversationState(nil)
	req := ModelRequest{Model: "gpt-4o"}

	sel, err := m.SelectInitial(state, req)
	require.NoError(t, err)
	state.Current = sel

	var sequence []string
	sequence = append(sequence, sel.Candidate.ID)
	for {
		next, ok := m.HandleFailure(rateLimited(), state, req)
		if !ok {
			break
		}
		state.Current = next
		sequence = append(sequence, next.Candidate.ID)
		require.LessOrEqual(t, len(sequence), len(testPool()), "no candidate may be retried")
	}

	assert.Equal(t, []string{"groq-free", "cerebras-free", "openai-paid"}, sequence)
	assert.Equal(t, sequence, state.AttemptedProviders())
	assert.Equal(t, "gpt-4o", state.Current.Model, "paid candidate serves the requested model")

	err = m.ExhaustedError(state)
	assert.ErrorIs(t, err, domain.ErrProvidersExhausted)
	assert.Contains(t, err.Error(), "tried 3 provider(s)")
}

func TestHandleFailureIgnoresNonRateLimit(t *testing.T) {
	m := newTestFallback(testPool())
	state := newConversationState(nil)
	sel, err := m.SelectInitial(state, ModelRequest{})
	require.NoError(t, err)
	state.Current = sel

	_, ok := m.HandleFailure(errors.New("connection reset by peer"), state, ModelRequest{})
	assert.False(t, ok)
	_, ok = m.HandleFailure(&domain.ProviderError{Provider: "groq", StatusCode: 401}, state, ModelRequest{})
	assert.False(t, ok)
	assert.Equal(t, []string{"groq-free"}, state.AttemptedProviders())
}

func TestWithPoolDoesNotShareState(t *testing.T) {
	m := newTestFallback(testPool())
	other := m.WithPool([]domain.ProviderCandidate{{ID: "solo", Tier: domain.TierPaid}})
	assert.Len(t, m.Pool(), 3)
	require.Len(t, other.Pool(), 1)
	assert.Equal(t, "solo", other.Pool()[0].ID)
}

func TestLoopPhaseString(t *testing.T) {
	assert.Equal(t, "awaiting_provider_response", PhaseAwaitingProvider.String())
	assert.Equal(t, "tools_pending", PhaseToolsPending.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "failed", PhaseFailed.String())
}
