// Package budget keeps provider requests inside per-model information
// budgets. Every exported function is pure: inputs are never mutated.
package budget

import "strings"

// DefaultModel is the table key for models with no explicit entry.
const DefaultModel = "default"

// Budget is the information allotment for one model.
type Budget struct {
	MaxInfoTokens int
}

// Table maps model identifiers to budgets. It is read-only after NewTable.
type Table struct {
	entries map[string]Budget
	def     Budget
}

// NewTable builds a table from model → maxInfoTokens pairs. A "default"
// key in entries overrides defaultTokens.
func NewTable(entries map[string]int, defaultTokens int) *Table {
	t := &Table{
		entries: make(map[string]Budget, len(entries)),
		def:     Budget{MaxInfoTokens: defaultTokens},
	}
	for model, tokens := range entries {
		key := strings.ToLower(model)
		if key == DefaultModel {
			t.def = Budget{MaxInfoTokens: tokens}
			continue
		}
		t.entries[key] = Budget{MaxInfoTokens: tokens}
	}
	return t
}

// Lookup resolves model to its budget. Vendor-prefixed ids such as
// "meta-llama/llama-3.3-70b-instruct" also match on the bare model name.
// Unknown models get the default entry.
func (t *Table) Lookup(model string) Budget {
	if b, ok := t.find(model); ok {
		return b
	}
	return t.def
}

// Has reports whether model resolves to an explicit entry.
func (t *Table) Has(model string) bool {
	_, ok := t.find(model)
	return ok
}

// Default returns the fallback budget.
func (t *Table) Default() Budget { return t.def }

func (t *Table) find(model string) (Budget, bool) {
	key := strings.ToLower(model)
	if b, ok := t.entries[key]; ok {
		return b, true
	}
	if i := strings.LastIndex(key, "/"); i >= 0 {
		if b, ok := t.entries[key[i+1:]]; ok {
			return b, true
		}
	}
	return Budget{}, false
}
