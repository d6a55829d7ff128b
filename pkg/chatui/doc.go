// Package chatui provides small chat presentation helpers:
//   - HTML-safe text builders for Telegram ParseMode="HTML"
//   - User mention links
//   - Cooldown-oriented formatting (remaining time, progress bars)
//
// Core tracking logic never formats messages; everything user-visible is
// composed from these helpers at the command/notification boundary.
package chatui
