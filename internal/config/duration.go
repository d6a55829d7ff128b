package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration string from config, returning an
// error tagged with the field path for readable validation messages.
// Supports a "d" suffix for days on top of time.ParseDuration units.
func ParseDurationField(s, field string) (time.Duration, error) {
	d, err := parseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// ParseDurationOrDefault parses s, falling back to def on empty or
// malformed input.
func ParseDurationOrDefault(s string, def time.Duration) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	// time.ParseDuration has no day unit; rewrite "Nd" prefixes.
	if i := strings.IndexByte(s, 'd'); i > 0 && allDigits(s[:i]) {
		var days int64
		if _, err := fmt.Sscanf(s[:i], "%d", &days); err == nil {
			rest := strings.TrimSpace(s[i+1:])
			tail := time.Duration(0)
			if rest != "" {
				t, err := time.ParseDuration(rest)
				if err != nil {
					return 0, fmt.Errorf("invalid duration %q", s)
				}
				tail = t
			}
			return time.Duration(days)*24*time.Hour + tail, nil
		}
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
