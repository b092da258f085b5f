package helpers

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses human readable sizes such as "512", "64kb", "25mb" or
// "1gb" into bytes. Units are binary (1kb = 1024 bytes).
func ParseSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	for _, u := range []struct {
		suffix string
		factor int64
	}{
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
		{"g", 1 << 30},
		{"m", 1 << 20},
		{"k", 1 << 10},
		{"b", 1},
	} {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.factor
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * multiplier, nil
}
