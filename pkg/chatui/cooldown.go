package chatui

import (
	"fmt"
	"strings"
	"time"
)

// FormatRemaining renders a remaining cooldown like "1d 2h 3m".
// Seconds are dropped once days are shown; zero or negative means ready.
func FormatRemaining(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return "Ready!"
	}

	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	mins := secs / 60
	secs %= 60

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	if secs > 0 && days == 0 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	if len(parts) == 0 {
		return "Ready!"
	}
	return strings.Join(parts, " ")
}

const barLength = 10

// Bar renders a textual progress bar like "███░░░░░░░ 30%".
// elapsed is clamped to [0, total].
func Bar(elapsed, total time.Duration) string {
	if total <= 0 {
		return ""
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > total {
		elapsed = total
	}
	ratio := float64(elapsed) / float64(total)
	filled := int(ratio * barLength)
	if filled > barLength {
		filled = barLength
	}
	return strings.Repeat("█", filled) +
		strings.Repeat("░", barLength-filled) +
		fmt.Sprintf(" %d%%", int(ratio*100))
}
