// ABOUTME: Shared ChatEvent/Adapter contract every platform integration implements
// ABOUTME: Normalizes Twitch and Kick's heterogeneous message/permission models into one shape

package platform

import (
	"context"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
)

// Permission is the caller's privilege level, ordinal-ordered from
// most to least privileged (spec.md §4.6).
type Permission int

const (
	PermBroadcaster Permission = iota
	PermLeadModerator
	PermModerator
	PermVIP
	PermSubscriber
	// PermFollower is never a user's own badge-derived level; it only
	// appears as a command's *required* level, triggering the Twitch
	// follower-endpoint check in the permission gate (spec.md §4.6).
	PermFollower
	PermEveryone
)

// Satisfies reports whether this permission level meets or exceeds
// (is numerically <=) the required level.
func (p Permission) Satisfies(required Permission) bool {
	return p <= required
}

// ChatUser is the normalized identity of the user who sent a ChatEvent.
type ChatUser struct {
	Identity   identity.UserId
	Login      string
	Display    string
	Permission Permission
}

// ChatEvent is the single normalized shape every platform adapter
// produces, regardless of whether the underlying transport is Twitch
// IRC tags or Kick's badge JSON (spec.md §4.5).
type ChatEvent struct {
	Platform      identity.Platform
	Channel       string
	MessageID     string // raw platform message id, used for dedupe
	Message       string
	BroadcasterID string
	User          *ChatUser
	Follower      *bool
}

// Adapter is the outbound+inbound contract every platform integration
// implements: join/leave channels, send replies, and stream normalized
// chat events while internally managing its own reconnect loop.
type Adapter interface {
	Send(ctx context.Context, channel identity.ChannelId, text string) error
	Join(ctx context.Context, channel string) error
	Leave(ctx context.Context, channel string) error
	Events() <-chan ChatEvent
	// Run blocks until ctx is done, reconnecting internally on transport failure.
	Run(ctx context.Context) error
}
