package cli

import (
	"fmt"
	"strconv"
	"strings"

	"compiled/internal/backend"
)

// parseOptions parses KEY=VALUE pairs. Integer and boolean values are
// typed so they key the cache like the same options from a config file.
func parseOptions(pairs []string) (backend.Options, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	opts := make(backend.Options, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q: want KEY=VALUE", p)
		}
		opts[k] = typedValue(strings.TrimSpace(v))
	}
	return opts, nil
}

func typedValue(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	return v
}
