package app

import (
	"strings"
	"time"

	"cdbot/internal/config"
	"cdbot/internal/cooldown"
	"cdbot/internal/notifier"
	logx "cdbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File != "",
			Path:    cfg.Logging.File,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Chat.Enabled,
			MinLevel:   cfg.Logging.Chat.MinLevel,
			RatePerSec: cfg.Logging.Chat.RatePerSec,
		},
	}
}

func mapNotifierConfig(cfg *config.Config, persistDedup bool) notifier.Config {
	return notifier.Config{
		Enabled:      true,
		Workers:      cfg.Notifier.Workers,
		QueueSize:    cfg.Notifier.QueueSize,
		RatePerSec:   cfg.Notifier.RatePerSec,
		Burst:        cfg.Notifier.Burst,
		RetryMax:     cfg.Notifier.MaxRetries,
		DedupWindow:  config.ParseDurationOrDefault(cfg.Notifier.DedupWindow, 2*time.Minute),
		PersistDedup: persistDedup,
	}
}

func mapEngineConfig(cfg *config.Config) cooldown.EngineConfig {
	return cooldown.EngineConfig{
		ConfirmWait:      config.ParseDurationOrDefault(cfg.Tracker.ConfirmWait, 2*time.Second),
		FallbackActivity: cfg.Tracker.FallbackActivity,
		BotUsernames:     cfg.Tracker.GameBot.Usernames,
		BotUserIDs:       cfg.Tracker.GameBot.UserIDs,
	}
}

func mapScannerConfig(cfg *config.Config) cooldown.ScannerConfig {
	return cooldown.ScannerConfig{
		Schedule:  cfg.Tracker.ScanEvery,
		Retention: config.ParseDurationOrDefault(cfg.Tracker.Retention, time.Hour),
	}
}

// catalogActivities merges tracker.activities over the built-in set.
// A config entry naming a built-in activity overrides it (empty label,
// emoji, or alias list fall back to the built-in values); a new name
// extends the catalog.
func catalogActivities(cfg *config.Config) ([]cooldown.Activity, error) {
	base := cooldown.Default().Activities()
	index := map[string]int{}
	for i, a := range base {
		index[a.Name] = i
	}

	for name, ac := range cfg.Tracker.Activities {
		d, err := config.ParseDurationField(ac.Duration, "tracker.activities."+name+".duration")
		if err != nil {
			return nil, err
		}
		next := cooldown.Activity{
			Name:        name,
			Duration:    d,
			Label:       ac.Label,
			Emoji:       ac.Emoji,
			Aliases:     ac.Aliases,
			ProgressBar: ac.ProgressBar,
		}
		if i, ok := index[normalizeActivityName(name)]; ok {
			old := base[i]
			if next.Label == "" {
				next.Label = old.Label
			}
			if next.Emoji == "" {
				next.Emoji = old.Emoji
			}
			if next.Aliases == nil {
				next.Aliases = old.Aliases
			}
			base[i] = next
			continue
		}
		base = append(base, next)
	}
	return base, nil
}

func normalizeActivityName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func buildCatalog(cfg *config.Config) (*cooldown.Catalog, error) {
	acts, err := catalogActivities(cfg)
	if err != nil {
		return nil, err
	}
	return cooldown.New(acts)
}
