package cooldown

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// tokenRE grabs every "<number><letters>" pair; unit normalization
// decides which pairs count. Scanning broadly and filtering afterwards
// keeps adjacent tokens like "1m0s" intact and drops unknown units
// ("1 month") entirely instead of half-matching them.
var tokenRE = regexp.MustCompile(`(\d+)\s*([A-Za-z]+)`)

// ParseDuration extracts a total cooldown duration from free text by
// summing every recognized "<amount> <unit>" token. Unmatched text is
// ignored; no token means zero. A bare "m" always means minutes.
// Safe on arbitrary untrusted input.
func ParseDuration(text string) time.Duration {
	var total time.Duration
	for _, m := range tokenRE.FindAllStringSubmatch(text, -1) {
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || n < 0 {
			continue
		}
		unit, ok := unitDuration(m[2])
		if !ok {
			continue
		}
		total += time.Duration(n) * unit
	}
	if total < 0 {
		return 0
	}
	return total
}

func unitDuration(s string) (time.Duration, bool) {
	switch strings.ToLower(s) {
	case "s", "sec", "secs", "second", "seconds":
		return time.Second, true
	case "m", "min", "mins", "minute", "minutes":
		return time.Minute, true
	case "h", "hr", "hrs", "hour", "hours":
		return time.Hour, true
	case "d", "day", "days":
		return 24 * time.Hour, true
	default:
		return 0, false
	}
}
