package budget

import "chatrelay/internal/domain"

// FilterToolMessagesForCurrentCycle drops tool messages that precede the
// latest user message. Their content has already been distilled into a
// later assistant reply. Tool calls on those earlier assistant messages are
// cleared so the request never references a missing tool result. Messages
// at or after the latest user message are kept as they are. Applying the
// filter to its own output returns an equal slice.
func FilterToolMessagesForCurrentCycle(messages []domain.Message) []domain.Message {
	last := lastUserIndex(messages)
	out := make([]domain.Message, 0, len(messages))
	for i, m := range messages {
		if i < last {
			if m.Role == domain.RoleTool {
				continue
			}
			if len(m.ToolCalls) > 0 {
				m.ToolCalls = nil
			}
		}
		out = append(out, m)
	}
	return out
}

func lastUserIndex(messages []domain.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == domain.RoleUser {
			return i
		}
	}
	return -1
}
