package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration document.
//
// The on-disk format is YAML; the schema below is decoded strictly
// (unknown keys are rejected) so typos fail fast instead of silently
// running with defaults.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Tracker   TrackerConfig   `json:"tracker"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Keepalive KeepaliveConfig `json:"keepalive"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OwnerUserIDs may use admin-only commands like /cd clear.
	OwnerUserIDs []int64 `json:"owner_user_ids"`

	// GroupLog receives operational log lines when logging.chat is enabled.
	// Format: "<chat_id>" or "<chat_id>/<thread_id>".
	GroupLog string `json:"group_log,omitempty"`

	// PollTimeout is the long-poll timeout. Default 10s.
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    string        `json:"file,omitempty"`
	Chat    ChatLogConfig `json:"chat"`
}

type ChatLogConfig struct {
	Enabled    bool    `json:"enabled"`
	MinLevel   string  `json:"min_level,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// TrackerConfig drives the cooldown engine.
type TrackerConfig struct {
	// StateFile is the JSON cooldown state path. Default "cooldowns.json".
	StateFile string `json:"state_file,omitempty"`

	// ConfirmWait is how long a tracked activity waits for the game bot's
	// confirmation before falling back to the canonical duration.
	ConfirmWait string `json:"confirm_wait,omitempty"`

	// ScanEvery is the expiry scan schedule. Accepts a plain duration
	// ("30s") or a cron descriptor ("@every 30s").
	ScanEvery string `json:"scan_every,omitempty"`

	// Retention is how long expired-and-notified entries are kept before
	// pruning. Default 1h.
	Retention string `json:"retention,omitempty"`

	// FallbackActivity is attributed to unsolicited game-bot cooldown
	// messages that match no pending activity. Default "mission".
	FallbackActivity string `json:"fallback_activity,omitempty"`

	GameBot GameBotConfig `json:"game_bot"`

	// Activities overrides or extends the built-in catalog.
	Activities map[string]ActivityConfig `json:"activities,omitempty"`
}

// GameBotConfig identifies the external game bot whose messages are watched.
type GameBotConfig struct {
	Usernames []string `json:"usernames,omitempty"`
	UserIDs   []int64  `json:"user_ids,omitempty"`
}

type ActivityConfig struct {
	Duration    string   `json:"duration"`
	Label       string   `json:"label,omitempty"`
	Emoji       string   `json:"emoji,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
	ProgressBar bool     `json:"progress_bar,omitempty"`
}

type NotifierConfig struct {
	QueueSize   int     `json:"queue_size,omitempty"`
	Workers     int     `json:"workers,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	MaxRetries  int     `json:"max_retries,omitempty"`
	DedupWindow string  `json:"dedup_window,omitempty"`
}

type StorageConfig struct {
	// Driver selects the audit backend: "file" (default), "sqlite"
	// (requires the sqlite build tag), or "none".
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
}

type KeepaliveConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// ---- Defaults & validation ----

func (c *Config) ApplyDefaults() {
	if c.Telegram.PollTimeout == "" {
		c.Telegram.PollTimeout = "10s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Chat.MinLevel == "" {
		c.Logging.Chat.MinLevel = "warn"
	}
	if c.Logging.Chat.RatePerSec <= 0 {
		c.Logging.Chat.RatePerSec = 0.5
	}
	if c.Tracker.StateFile == "" {
		c.Tracker.StateFile = "cooldowns.json"
	}
	if c.Tracker.ConfirmWait == "" {
		c.Tracker.ConfirmWait = "2s"
	}
	if c.Tracker.ScanEvery == "" {
		c.Tracker.ScanEvery = "@every 30s"
	}
	if c.Tracker.Retention == "" {
		c.Tracker.Retention = "1h"
	}
	if c.Tracker.FallbackActivity == "" {
		c.Tracker.FallbackActivity = "mission"
	}
	if c.Notifier.QueueSize <= 0 {
		c.Notifier.QueueSize = 256
	}
	if c.Notifier.Workers <= 0 {
		c.Notifier.Workers = 2
	}
	if c.Notifier.RatePerSec <= 0 {
		c.Notifier.RatePerSec = 1
	}
	if c.Notifier.Burst <= 0 {
		c.Notifier.Burst = 5
	}
	if c.Notifier.MaxRetries < 0 {
		c.Notifier.MaxRetries = 0
	}
	if c.Notifier.DedupWindow == "" {
		c.Notifier.DedupWindow = "2m"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "file"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/audit"
	}
	if c.Keepalive.Addr == "" {
		c.Keepalive.Addr = ":8080"
	}
}

func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, "telegram.token is required")
	}
	if _, err := ParseDurationField(c.Telegram.PollTimeout, "telegram.poll_timeout"); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseDurationField(c.Tracker.ConfirmWait, "tracker.confirm_wait"); err != nil {
		errs = append(errs, err.Error())
	}
	if _, err := ParseDurationField(c.Tracker.Retention, "tracker.retention"); err != nil {
		errs = append(errs, err.Error())
	}
	if len(c.Tracker.GameBot.Usernames) == 0 && len(c.Tracker.GameBot.UserIDs) == 0 {
		errs = append(errs, "tracker.game_bot needs at least one username or user id")
	}
	for name, act := range c.Tracker.Activities {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, "tracker.activities: empty activity name")
			continue
		}
		if _, err := ParseDurationField(act.Duration, "tracker.activities."+name+".duration"); err != nil {
			errs = append(errs, err.Error())
		}
	}
	switch c.Storage.Driver {
	case "none", "file", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField(c.Notifier.DedupWindow, "notifier.dedup_window"); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// PollTimeoutDuration returns the parsed long-poll timeout.
func (c *Config) PollTimeoutDuration() time.Duration {
	return ParseDurationOrDefault(c.Telegram.PollTimeout, 10*time.Second)
}

// GroupLogTarget splits telegram.group_log into chat and thread IDs.
// Returns ok=false when unset or malformed.
func (c *Config) GroupLogTarget() (chatID int64, threadID int, ok bool) {
	s := strings.TrimSpace(c.Telegram.GroupLog)
	if s == "" {
		return 0, 0, false
	}
	head, tail, hasThread := strings.Cut(s, "/")
	if _, err := fmt.Sscanf(head, "%d", &chatID); err != nil || chatID == 0 {
		return 0, 0, false
	}
	if hasThread {
		if _, err := fmt.Sscanf(tail, "%d", &threadID); err != nil {
			return 0, 0, false
		}
	}
	return chatID, threadID, true
}

// IsOwner reports whether uid is listed in telegram.owner_user_ids.
func (c *Config) IsOwner(uid int64) bool {
	for _, id := range c.Telegram.OwnerUserIDs {
		if id == uid {
			return true
		}
	}
	return false
}
