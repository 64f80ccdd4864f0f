package budget

import (
	"fmt"
	"strings"
)

const sourceSeparator = "\n\n"

// TruncationNotice is appended when whole sources are dropped.
func TruncationNotice(dropped, total int) string {
	return fmt.Sprintf("[Truncated: %d of %d sources omitted to fit the model context budget]", dropped, total)
}

// TruncateForModel fits information into model's budget. Text within
// both the character ceiling and the estimated token budget is returned
// unchanged; otherwise whole sources are kept in order until the ceiling.
func (b *Budgeter) TruncateForModel(information, model string) string {
	budget := b.Budget(model)
	return b.truncate(information, budget.MaxInfoTokens*b.cfg.CharsPerToken, budget.MaxInfoTokens)
}

func (b *Budgeter) truncate(information string, maxChars, maxTokens int) string {
	chars := runeLen(information)
	if chars <= maxChars {
		tokens := b.cfg.Estimator.Count(information)
		if maxTokens <= 0 || tokens <= maxTokens {
			return information
		}
		// The token estimate disagrees with the character check; scale the
		// text's own length down by the overshoot ratio.
		maxChars = min(maxChars, chars*maxTokens/tokens)
	}
	return TruncateAtBoundaries(information, maxChars)
}

// TruncateAtBoundaries splits text on blank lines and keeps whole chunks
// in order while the result, including the notice, stays within maxChars.
// A chunk that does not fit ends the scan; later chunks are not considered.
func TruncateAtBoundaries(text string, maxChars int) string {
	if runeLen(text) <= maxChars {
		return text
	}
	chunks := splitSources(text)
	total := len(chunks)

	if runeLen(TruncationNotice(total, total)) > maxChars {
		return ""
	}
	sep := len(sourceSeparator)
	kept, used := 0, 0
	for kept < total {
		next := used + runeLen(chunks[kept])
		if kept > 0 {
			next += sep
		}
		size := next
		if kept+1 < total {
			size += sep + runeLen(TruncationNotice(total-kept-1, total))
		}
		if size > maxChars {
			break
		}
		used = next
		kept++
	}
	if kept == total {
		return strings.Join(chunks, sourceSeparator)
	}

	var sb strings.Builder
	for i := range kept {
		sb.WriteString(chunks[i])
		sb.WriteString(sourceSeparator)
	}
	sb.WriteString(TruncationNotice(total-kept, total))
	return sb.String()
}

func splitSources(text string) []string {
	parts := strings.Split(text, sourceSeparator)
	out := parts[:0]
	for _, p := range parts {
		p = strings.Trim(p, "\n")
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
