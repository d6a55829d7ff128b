package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Audit actions. Each corresponds to a cooldown transition.
const (
	ActionTrack      = "track"      // user started tracking via command
	ActionConfirm    = "confirm"    // game bot confirmed a pending track
	ActionFallback   = "fallback"   // confirm window elapsed; canonical duration used
	ActionAutoDetect = "autodetect" // unsolicited game-bot message attributed
	ActionClear      = "clear"      // cooldown cleared by user or admin
	ActionNotify     = "notify"     // expiry alert dispatched
)

// AuditEntry records one cooldown transition.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	UserID   int64
	Username string
	ChatID   int64
	ThreadID int
	Activity string
	Action   string

	// Source distinguishes how the transition was triggered:
	// "command", "mention", "inferred", "scanner".
	Source string

	// Remaining is the cooldown length in milliseconds at the time of
	// the transition, when applicable.
	RemainingMS int64

	Error    string
	MetaJSON string
}
