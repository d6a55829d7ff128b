package app

import (
	"testing"
	"time"

	"cdbot/internal/config"
)

func TestCatalogActivitiesMergesOverrides(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Tracker.Activities = map[string]config.ActivityConfig{
		"mission": {Duration: "2m"}, // override built-in duration only
		"raid":    {Duration: "1d12h", Emoji: "🐉", Aliases: []string{"rd"}},
	}

	acts, err := catalogActivities(cfg)
	if err != nil {
		t.Fatalf("catalogActivities: %v", err)
	}
	byName := map[string]time.Duration{}
	for _, a := range acts {
		byName[a.Name] = a.Duration
	}

	if got := byName["mission"]; got != 2*time.Minute {
		t.Errorf("mission duration = %v, want 2m", got)
	}
	if got := byName["raid"]; got != 36*time.Hour {
		t.Errorf("raid duration = %v, want 36h", got)
	}
	// built-ins not named in the config survive untouched
	if got := byName["weekly"]; got != 7*24*time.Hour {
		t.Errorf("weekly duration = %v, want 168h", got)
	}

	for _, a := range acts {
		if a.Name == "mission" {
			if a.Emoji != "⚔️" || a.Label != "Mission" {
				t.Errorf("mission override lost built-in label/emoji: %+v", a)
			}
		}
	}
}

func TestCatalogActivitiesRejectsBadDuration(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Tracker.Activities = map[string]config.ActivityConfig{
		"raid": {Duration: "soon"},
	}
	if _, err := catalogActivities(cfg); err == nil {
		t.Fatal("want error for unparsable duration")
	}
}

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Tracker.ConfirmWait = "5s"
	cfg.Tracker.FallbackActivity = "daily"
	cfg.Tracker.GameBot.Usernames = []string{"EpicRPG"}

	ec := mapEngineConfig(cfg)
	if ec.ConfirmWait != 5*time.Second {
		t.Errorf("ConfirmWait = %v", ec.ConfirmWait)
	}
	if ec.FallbackActivity != "daily" || len(ec.BotUsernames) != 1 {
		t.Errorf("mapped config wrong: %+v", ec)
	}
}

func TestMapLogConfigFileSink(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Logging.File = "/var/log/bot.log"
	lc := mapLogConfig(cfg)
	if !lc.File.Enabled || lc.File.Path != "/var/log/bot.log" {
		t.Errorf("file sink not mapped: %+v", lc.File)
	}

	cfg.Logging.File = ""
	if lc := mapLogConfig(cfg); lc.File.Enabled {
		t.Error("empty path should disable file sink")
	}
}
