// ABOUTME: Store interface and domain types for krapbott-gateway persistence
// ABOUTME: Defines StreamUser, QueueRow, ChannelConfig and related records plus the Store contract

package store

import (
	"context"
	"errors"
	"time"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would violate a uniqueness
// constraint the caller did not already check for (e.g. a concurrent
// insert racing the caller's own duplicate check).
var ErrConflict = errors.New("conflict")

// StreamUser is the global, per-platform-user identity record.
type StreamUser struct {
	ID             identity.UserId `db:"user_id"`
	Login          string          `db:"login"` // lowercase
	Display        string          `db:"display"` // original case
	BungieName     string          `db:"bungie_name"`
	MembershipID   string          `db:"membership_id"`
	MembershipType int             `db:"membership_type"` // -1 == invalid
}

// QueueRow is a single entry in a channel's play-session queue. The db
// tags back the roster-read path in postgres.go, which scans this
// struct directly via sqlx rather than column-by-column.
type QueueRow struct {
	ChannelID        identity.ChannelId `db:"channel_id"`
	Position         int                `db:"position"`
	UserID           identity.UserId    `db:"user_id"`
	DisplayName      string             `db:"display_name"`
	BungieName       string             `db:"bungie_name"`
	GroupPriority    int                `db:"group_priority"` // default 2; 1 == priority group
	LockedFirst      bool               `db:"locked_first"`
	PriorityRunsLeft int                `db:"priority_runs_left"`
}

// QueueTarget selects whether a channel reads/writes its own queue rows
// or redirects to another channel's ("Shared").
type QueueTarget struct {
	Shared bool
	Owner  identity.ChannelId // zero value when Shared is false
}

// OwnerChannel returns the channel whose rows the engine should operate on.
func (t QueueTarget) OwnerChannel(self identity.ChannelId) identity.ChannelId {
	if t.Shared {
		return t.Owner
	}
	return self
}

// ChannelConfig is the JSON-blob-backed per-channel configuration.
type ChannelConfig struct {
	Open         bool
	Size         int
	TeamSize     int
	QueueTarget  QueueTarget
	RandomQueue  bool
	Packages     []string
	Runs         int
	Prefix       string // single character, default "!"
}

// AliasConfig holds a channel's alias/disable/removal overrides on top
// of the compiled-in command registry.
type AliasConfig struct {
	Aliases          map[string]string // alias -> canonical command
	DisabledCommands map[string]bool   // canonical command name -> disabled
	RemovedAliases   map[string]bool   // default alias suppressed by the streamer
}

// NewAliasConfig returns an AliasConfig with initialized maps.
func NewAliasConfig() AliasConfig {
	return AliasConfig{
		Aliases:          make(map[string]string),
		DisabledCommands: make(map[string]bool),
		RemovedAliases:   make(map[string]bool),
	}
}

// BanEntry records a ban keyed by Bungie membership id.
type BanEntry struct {
	MembershipID string
	BannedUntil  *time.Time // nil == permanent
	Reason       string
}

// Active reports whether the ban is currently in effect.
func (b BanEntry) Active(now time.Time) bool {
	if b.BannedUntil == nil {
		return true
	}
	return b.BannedUntil.After(now)
}

// Session is a web overlay login session, resolved from a cookie.
type Session struct {
	SessionID string
	Channel   identity.ChannelId
	Login     string
}

// QueueTx is the transactional mutation boundary the queue engine uses
// for every multi-row operation. A QueueTx is scoped to a single
// ChannelId for the lifetime of the transaction.
type QueueTx interface {
	// Rows returns the channel's current rows ordered by position ASC.
	Rows(ctx context.Context) ([]QueueRow, error)
	Insert(ctx context.Context, row QueueRow) error
	Update(ctx context.Context, row QueueRow) error
	Delete(ctx context.Context, user identity.UserId) error
	// Repack renumbers surviving rows 1..N by current position ASC.
	Repack(ctx context.Context) error
	// ShiftPositions adds delta to the position of every row whose
	// current position is >= fromPos.
	ShiftPositions(ctx context.Context, fromPos, delta int) error
	// IncrementRuns increments the channel's ChannelConfig.Runs counter.
	IncrementRuns(ctx context.Context) error
}

// Store is the persistence contract for krapbott-gateway. A PostgreSQL
// implementation lives in postgres.go; MockStore backs unit tests.
type Store interface {
	// Identity
	UpsertStreamUser(ctx context.Context, u *StreamUser) error
	GetStreamUser(ctx context.Context, id identity.UserId) (*StreamUser, error)
	// GetStreamUserByLogin resolves a user by platform+login, for
	// commands that target someone other than the caller by name
	// (e.g. force-add, mod_register) before they necessarily hold a
	// queue row of their own.
	GetStreamUserByLogin(ctx context.Context, p identity.Platform, login string) (*StreamUser, error)

	// Queue reads (outside any transaction; may observe a snapshot)
	GetQueueRows(ctx context.Context, channel identity.ChannelId) ([]QueueRow, error)
	GetQueueRow(ctx context.Context, channel identity.ChannelId, user identity.UserId) (*QueueRow, error)
	GetQueueRowByBungieName(ctx context.Context, channel identity.ChannelId, bungieName string) (*QueueRow, error)

	// WithQueueTx runs fn inside a single transaction scoped to channel,
	// committing on a nil return and rolling back otherwise.
	WithQueueTx(ctx context.Context, channel identity.ChannelId, fn func(tx QueueTx) error) error

	// Config
	SaveChannelConfig(ctx context.Context, channel identity.ChannelId, cfg ChannelConfig) error
	GetChannelConfig(ctx context.Context, channel identity.ChannelId) (ChannelConfig, error)
	LoadBotConfig(ctx context.Context) (map[identity.ChannelId]ChannelConfig, error)

	// Aliases
	GetAliasConfig(ctx context.Context, channel identity.ChannelId) (AliasConfig, error)
	SaveAliasConfig(ctx context.Context, channel identity.ChannelId, cfg AliasConfig) error

	// Bans
	GetBan(ctx context.Context, membershipID string) (*BanEntry, error)

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	Close() error
}
