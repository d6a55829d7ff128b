package cooldown

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"1d 2h 3m 4s", 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second},
		{"6h 0m 0s", 6 * time.Hour},
		{"1m0s", time.Minute},
		{"45 seconds", 45 * time.Second},
		{"2 hours 30 minutes", 2*time.Hour + 30*time.Minute},
		{"wait 10 min", 10 * time.Minute},
		{"your mission cooldown: wait 1m 0s", time.Minute},
		{"", 0},
		{"no numbers here", 0},
		{"1 month", 0},        // no month unit; not minutes
		{"version 2 beta", 0}, // unknown unit ignored
	}
	for _, tc := range cases {
		if got := ParseDuration(tc.in); got != tc.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseDurationBareM(t *testing.T) {
	t.Parallel()
	// Bare "m" is minutes, always.
	if got := ParseDuration("5m"); got != 5*time.Minute {
		t.Errorf("ParseDuration(5m) = %v, want 5m", got)
	}
}

func TestParseDurationUntrustedInput(t *testing.T) {
	t.Parallel()
	// Arbitrary text must never panic or go negative.
	inputs := []string{
		"999999999999999999999999d",
		"<script>1h</script>",
		"-5m", // sign is not part of a token; parses as 5m
	}
	for _, in := range inputs {
		if got := ParseDuration(in); got < 0 {
			t.Errorf("ParseDuration(%q) = %v, want >= 0", in, got)
		}
	}
}
