package queue

import "errors"

// Typed sentinel errors the dispatcher (internal/eventloop) maps to
// chat replies per spec.md §7's error taxonomy.
var (
	ErrConfigMissing        = errors.New("queue: channel has no configuration")
	ErrQueueClosed          = errors.New("queue: closed")
	ErrQueueFull            = errors.New("queue: full")
	ErrNotFollowing         = errors.New("queue: not following")
	ErrInvalidBungieName    = errors.New("queue: invalid bungie name")
	ErrDuplicateBungie      = errors.New("queue: bungie name already in queue")
	ErrBanned               = errors.New("queue: banned")
	ErrAlreadyLast          = errors.New("queue: already in the last group")
	ErrCannotLeaveLiveGroup = errors.New("queue: cannot leave the live group")
	ErrNotInQueue           = errors.New("queue: user not in queue")
	// ErrUnknownTarget is returned when a command targets a user by
	// login who has never joined or registered (no StreamUser record yet),
	// so no platform user id exists to act on.
	ErrUnknownTarget = errors.New("queue: unknown target user")
)
