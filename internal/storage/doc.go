package storage

// Package storage persists the bot's audit trail and the notifier's
// dedup state.
//
// The audit trail records every cooldown transition (tracked, confirmed,
// auto-detected, cleared, notified) so operators can reconstruct what
// the bot did and why. Dedup state survives restarts so a crash during
// an expiry scan does not re-send alerts.
