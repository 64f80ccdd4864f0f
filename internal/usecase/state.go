package usecase

import (
	"chatrelay/internal/domain"
)

// LoopPhase is the Loop Controller's state.
type LoopPhase int

const (
	PhaseAwaitingProvider LoopPhase = iota
	PhaseToolsPending
	PhaseDone
	PhaseFailed
)

func (p LoopPhase) String() string {
	switch p {
	case PhaseAwaitingProvider:
		return "awaiting_provider_response"
	case PhaseToolsPending:
		return "tools_pending"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Selection is the provider candidate and model currently in use.
type Selection struct {
	Candidate domain.ProviderCandidate
	Model     string
}

// ModelRequest carries the caller's model preference.
type ModelRequest struct {
	Model   string
	Complex bool
}

// ConversationState is the per-request state of one run. It is owned by a
// single Run call and passed explicitly; nothing retains it afterwards.
type ConversationState struct {
	Messages  []domain.Message
	Iteration int
	Current   Selection
	Phase     LoopPhase

	// OverflowRetried is set once a context-too-large rejection has been
	// retried with aggressive truncation.
	OverflowRetried bool
	Usage           domain.Usage

	attemptedProviders []string
	attemptedModels    map[string]struct{}
}

func newConversationState(messages []domain.Message) *ConversationState {
	return &ConversationState{
		Messages:        append([]domain.Message(nil), messages...),
		Phase:           PhaseAwaitingProvider,
		attemptedModels: make(map[string]struct{}),
	}
}

// Attempted reports whether the candidate id was already tried.
func (s *ConversationState) Attempted(id string) bool {
	for _, a := range s.attemptedProviders {
		if a == id {
			return true
		}
	}
	return false
}

// AttemptedProviders returns the candidate ids tried so far, in order.
func (s *ConversationState) AttemptedProviders() []string {
	return append([]string(nil), s.attemptedProviders...)
}

// AttemptedModel reports whether model was tried on candidate id.
func (s *ConversationState) AttemptedModel(id, model string) bool {
	_, ok := s.attemptedModels[id+"/"+model]
	return ok
}

func (s *ConversationState) markAttempted(sel Selection) {
	if !s.Attempted(sel.Candidate.ID) {
		s.attemptedProviders = append(s.attemptedProviders, sel.Candidate.ID)
	}
	s.attemptedModels[sel.Candidate.ID+"/"+sel.Model] = struct{}{}
}

func (s *ConversationState) append(msgs ...domain.Message) {
	s.Messages = append(s.Messages, msgs...)
}
