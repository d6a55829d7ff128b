package cooldown

// Package cooldown implements the timer engine: the per-user activity
// catalog, the duration parser, the persistent timer store, the
// reconciliation of user track requests with the game bot's announced
// cooldowns, and the periodic expiry scan that fires ready alerts.
//
// Ownership is strict: the Store is the single source of truth, mutated
// only by the Engine and the Scanner. The pending registry (track
// requests awaiting the game bot's confirmation) is ephemeral Engine
// state and never persisted.
