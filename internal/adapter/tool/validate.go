package tool

import (
	"fmt"
	"strings"
)

// RequireField returns an error if value is blank.
func RequireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("'%s' is required", name)
	}
	return nil
}

// ValidateEnum checks that value is one of allowed. An empty value is
// treated as not set.
func ValidateEnum(name, value string, allowed ...string) error {
	if value == "" {
		return nil
	}
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s %q (want: %s)", name, value, strings.Join(allowed, ", "))
}

// clampCount returns n bounded to [1, hi], using def when n is unset.
func clampCount(n, def, hi int) int {
	if n <= 0 {
		n = def
	}
	return min(max(n, 1), hi)
}
