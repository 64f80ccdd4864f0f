package budget

import (
	"bytes"
	"encoding/json"
	"strings"
)

// TruncationMarker is appended to plain-text results cut by CapToolResult.
const TruncationMarker = "\n[...truncated]"

// ellipsis ends every string field shortened inside a JSON result.
const ellipsis = "…"

// CapToolResult hard-limits a tool result to maxChars characters. JSON
// results stay valid: string fields are shortened and, if that is not
// enough, arrays lose their tail items; objects gain "truncated": true.
// Other text is cut and suffixed with TruncationMarker, so the output never
// exceeds maxChars + len(TruncationMarker).
func CapToolResult(result string, maxChars int) string {
	if maxChars <= 0 || runeLen(result) <= maxChars {
		return result
	}
	if v, ok := decodeJSON(result); ok {
		if out, ok := shrinkJSON(v, maxChars); ok {
			return out
		}
		if out, ok := previewEnvelope(result, maxChars); ok {
			return out
		}
	}
	return cutRunes(result, maxChars) + TruncationMarker
}

func decodeJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return v, true
}

func encodeJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// shrinkJSON finds the largest string cap, then if needed the largest
// array item cap, whose encoding fits maxChars. Both searches are monotone.
func shrinkJSON(v any, maxChars int) (string, bool) {
	if obj, ok := v.(map[string]any); ok {
		if _, exists := obj["truncated"]; !exists {
			marked := make(map[string]any, len(obj)+1)
			for k, x := range obj {
				marked[k] = x
			}
			marked["truncated"] = true
			v = marked
		}
	}

	fits := func(strCap, itemCap int) (string, bool) {
		out := encodeJSON(clip(v, strCap, itemCap))
		return out, out != "" && runeLen(out) <= maxChars
	}

	itemCap := -1
	if _, ok := fits(0, itemCap); !ok {
		if _, ok := fits(0, 0); !ok {
			return "", false
		}
		itemCap = searchLargest(0, maxArrayLen(v), func(n int) bool {
			_, ok := fits(0, n)
			return ok
		})
	}
	strCap := searchLargest(0, maxStringLen(v), func(n int) bool {
		_, ok := fits(n, itemCap)
		return ok
	})
	return fits(strCap, itemCap)
}

// searchLargest returns the largest n in [lo, hi] with ok(n), given ok(lo).
func searchLargest(lo, hi int, ok func(int) bool) int {
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		if ok(mid) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// clip returns a copy of v with strings cut to strCap runes and arrays cut
// to itemCap items. A negative cap means unlimited.
func clip(v any, strCap, itemCap int) any {
	switch t := v.(type) {
	case string:
		if strCap >= 0 && runeLen(t) > strCap {
			return cutRunes(t, strCap) + ellipsis
		}
		return t
	case []any:
		n := len(t)
		if itemCap >= 0 && n > itemCap {
			n = itemCap
		}
		out := make([]any, n)
		for i := range n {
			out[i] = clip(t[i], strCap, itemCap)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = clip(x, strCap, itemCap)
		}
		return out
	default:
		return v
	}
}

func maxStringLen(v any) int {
	switch t := v.(type) {
	case string:
		return runeLen(t)
	case []any:
		m := 0
		for _, x := range t {
			m = max(m, maxStringLen(x))
		}
		return m
	case map[string]any:
		m := 0
		for _, x := range t {
			m = max(m, maxStringLen(x))
		}
		return m
	default:
		return 0
	}
}

func maxArrayLen(v any) int {
	switch t := v.(type) {
	case []any:
		m := len(t)
		for _, x := range t {
			m = max(m, maxArrayLen(x))
		}
		return m
	case map[string]any:
		m := 0
		for _, x := range t {
			m = max(m, maxArrayLen(x))
		}
		return m
	default:
		return 0
	}
}

// previewEnvelope wraps a prefix of raw in a small JSON object when the
// document's structure alone exceeds maxChars.
func previewEnvelope(raw string, maxChars int) (string, bool) {
	build := func(n int) string {
		return encodeJSON(map[string]any{"truncated": true, "preview": cutRunes(raw, n)})
	}
	if runeLen(build(0)) > maxChars {
		return "", false
	}
	n := searchLargest(0, runeLen(raw), func(n int) bool {
		return runeLen(build(n)) <= maxChars
	})
	return build(n), true
}
