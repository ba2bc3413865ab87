// Package identity defines the composite key types shared across the
// gateway: Platform, ChannelId and UserId. Every persisted row and
// every in-memory map in the rest of the codebase is keyed by one of
// these.
package identity
