package helpers

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration extends time.ParseDuration with day ("d") and week ("w")
// units, which are common in retention and retry settings. Units may be
// combined, as in "1d12h" or "2w3d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	var total time.Duration
	rest := s
	for rest != "" {
		i := 0
		for i < len(rest) && (rest[i] >= '0' && rest[i] <= '9') {
			i++
		}
		if i == 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		n, err := strconv.ParseInt(rest[:i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		rest = rest[i:]

		switch {
		case strings.HasPrefix(rest, "w"):
			total += time.Duration(n) * 7 * 24 * time.Hour
			rest = rest[1:]
		case strings.HasPrefix(rest, "d"):
			total += time.Duration(n) * 24 * time.Hour
			rest = rest[1:]
		default:
			// Hand the remainder to the standard parser, which knows h/m/s/ms/us/ns.
			tail, err := time.ParseDuration(strconv.FormatInt(n, 10) + rest)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			return total + tail, nil
		}
	}
	return total, nil
}
