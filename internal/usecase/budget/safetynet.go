package budget

import (
	"fmt"
	"slices"
)

// primaryArrayKeys are the fields checked, in order, for a tool response's
// item list before falling back to the longest array field.
var primaryArrayKeys = []string{"results", "items", "pages", "sources", "data"}

// Report describes what the safety net did to a response.
type Report struct {
	Truncated      bool
	OriginalChars  int
	OriginalTokens int
}

// SafetyNet checks a whole tool response against the response character
// ceiling first and the token estimate second. On overflow the response
// keeps only the first few items, each with its text fields cut short, and
// records its original size.
func (b *Budgeter) SafetyNet(result string) (string, Report) {
	report := Report{
		OriginalChars:  runeLen(result),
		OriginalTokens: b.cfg.Estimator.Count(result),
	}
	if report.OriginalChars <= b.cfg.ResponseMaxChars && report.OriginalTokens <= b.cfg.ResponseMaxTokens {
		return result, report
	}
	report.Truncated = true

	items, itemChars := b.cfg.SafetyNetItems, b.cfg.SafetyNetItemChars
	var out string
	if v, ok := decodeJSON(result); ok {
		out = encodeJSON(b.reduce(v, report))
	} else {
		out = fmt.Sprintf("%s%s (original size: %d characters)",
			cutRunes(result, items*itemChars), TruncationMarker, report.OriginalChars)
	}
	if runeLen(out) > b.cfg.ResponseMaxChars {
		out = CapToolResult(out, b.cfg.ResponseMaxChars)
	}
	return out, report
}

func (b *Budgeter) reduce(v any, report Report) map[string]any {
	items, itemChars := b.cfg.SafetyNetItems, b.cfg.SafetyNetItemChars
	var out map[string]any

	switch t := v.(type) {
	case []any:
		out = map[string]any{"items": clip(t, itemChars, items)}
	case map[string]any:
		key := primaryArrayKey(t)
		out = make(map[string]any, len(t)+3)
		for k, x := range t {
			if k == key {
				out[k] = clip(x, itemChars, items)
				continue
			}
			out[k] = clip(x, items*itemChars, items)
		}
	default:
		out = map[string]any{"value": clip(v, items*itemChars, items)}
	}

	out["truncated"] = true
	out["originalSize"] = report.OriginalChars
	out["originalTokens"] = report.OriginalTokens
	return out
}

func primaryArrayKey(obj map[string]any) string {
	for _, k := range primaryArrayKeys {
		if _, ok := obj[k].([]any); ok {
			return k
		}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	best, bestLen := "", -1
	for _, k := range keys {
		if arr, ok := obj[k].([]any); ok && len(arr) > bestLen {
			best, bestLen = k, len(arr)
		}
	}
	return best
}
