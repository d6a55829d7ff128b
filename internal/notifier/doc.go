package notifier

// Package notifier delivers cooldown alerts asynchronously.
//
// The expiry scanner hands finished cooldowns to Notify and moves on;
// delivery order, pacing against the chat platform's rate limits,
// retries, and duplicate suppression all happen here. A crashed send
// never blocks or fails a scan cycle.
