package budget

import (
	"strings"

	"chatrelay/internal/domain"
)

// Stage is one pure step of a truncation pipeline.
type Stage struct {
	Name  string
	Apply func(string) string
}

// Run passes content through stages in order.
func Run(content string, stages []Stage) string {
	for _, s := range stages {
		content = s.Apply(content)
	}
	return content
}

// ResultPipeline returns the stages every tool result passes through:
// the total-response safety net on the full response, then the per-result
// hard cap, which is the final ceiling.
func (b *Budgeter) ResultPipeline() []Stage {
	return []Stage{
		{Name: "safety_net", Apply: func(s string) string {
			out, _ := b.SafetyNet(s)
			return out
		}},
		{Name: "cap_tool_result", Apply: func(s string) string {
			return CapToolResult(s, b.cfg.PerResultMaxChars)
		}},
	}
}

// PerResultMaxChars is the hard cap applied to each tool result.
func (b *Budgeter) PerResultMaxChars() int { return b.cfg.PerResultMaxChars }

// PrepareMessages runs the conversation stages before a provider call:
// cross-turn tool filtering, then fitting the current cycle's tool output
// into the model's information budget. Aggressive halves the budget and is
// used after a provider rejected a request as too large.
func (b *Budgeter) PrepareMessages(messages []domain.Message, model string, aggressive bool) []domain.Message {
	out := FilterToolMessagesForCurrentCycle(messages)

	budget := b.Budget(model)
	maxChars := budget.MaxInfoTokens * b.cfg.CharsPerToken
	maxTokens := budget.MaxInfoTokens
	if aggressive {
		maxChars /= 2
		maxTokens /= 2
	}

	start := lastUserIndex(out) + 1
	var tools []int
	var combined strings.Builder
	for i := start; i < len(out); i++ {
		if out[i].Role == domain.RoleTool {
			tools = append(tools, i)
			combined.WriteString(out[i].Content)
		}
	}
	if len(tools) == 0 {
		return out
	}
	info := combined.String()
	if runeLen(info) <= maxChars && b.cfg.Estimator.Count(info) <= maxTokens {
		return out
	}

	shareChars := maxChars / len(tools)
	shareTokens := maxTokens / len(tools)
	for _, i := range tools {
		out[i].Content = b.fit(out[i].Content, shareChars, shareTokens)
	}
	return out
}

// fit shrinks one tool message to a share of the budget, keeping JSON valid.
func (b *Budgeter) fit(content string, maxChars, maxTokens int) string {
	if _, ok := decodeJSON(content); ok {
		if tokens := b.cfg.Estimator.Count(content); maxTokens > 0 && tokens > maxTokens {
			maxChars = min(maxChars, runeLen(content)*maxTokens/tokens)
		}
		return CapToolResult(content, maxChars)
	}
	return b.truncate(content, maxChars, maxTokens)
}
