// Package twitch implements platform.Adapter over Twitch IRC using
// ergochat/irc-go for line framing, with exponential-backoff
// reconnect (spec.md §4.5, §7) and badge-derived permission mapping.
package twitch
