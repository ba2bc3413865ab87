// ABOUTME: Queue engine — the transactional core of krapbott-gateway
// ABOUTME: Every mutation here runs inside a single Store.WithQueueTx call

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
)

// QueueEntry is the row data a join or force-join wants to place.
type QueueEntry struct {
	UserID      identity.UserId
	DisplayName string
	BungieName  string
}

// Engine implements every queue mutation named in this system's
// channel-queue surface. It holds no in-memory queue state of its
// own; Store.WithQueueTx is the serialization point.
type Engine struct {
	store    store.Store
	verifier verifier.Verifier
	logger   *slog.Logger
}

// New returns an Engine backed by s, verifying bungie names via v.
func New(s store.Store, v verifier.Verifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, verifier: v, logger: logger.With("component", "queue")}
}

// ResolveOwner returns the channel whose queue caller actually reads
// and writes, following QueueTarget aliasing.
func (e *Engine) ResolveOwner(ctx context.Context, caller identity.ChannelId) (identity.ChannelId, error) {
	cfg, err := e.store.GetChannelConfig(ctx, caller)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return identity.ChannelId{}, ErrConfigMissing
		}
		return identity.ChannelId{}, fmt.Errorf("resolving owner for %s: %w", caller, err)
	}
	return cfg.QueueTarget.OwnerChannel(caller), nil
}

// Join places user into caller's (possibly aliased) queue, resolving
// their bungie name and checking follower/ban/capacity rules first.
func (e *Engine) Join(ctx context.Context, caller identity.ChannelId, user platform.ChatUser, follower *bool, rawArgs string) (string, error) {
	callerCfg, err := e.store.GetChannelConfig(ctx, caller)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// the channel isn't managed; silent no-op.
			return "", nil
		}
		return "", fmt.Errorf("loading config for %s: %w", caller, err)
	}

	owner := callerCfg.QueueTarget.OwnerChannel(caller)
	ownerCfg := callerCfg
	if owner != caller {
		ownerCfg, err = e.store.GetChannelConfig(ctx, owner)
		if err != nil {
			return "", fmt.Errorf("loading config for owner %s: %w", owner, err)
		}
	}

	if follower != nil && !*follower {
		return "", ErrNotFollowing
	}
	if !ownerCfg.Open {
		return "", ErrQueueClosed
	}

	bungieName, membershipID, membershipType, err := e.resolveBungieName(ctx, user.Identity, rawArgs)
	if err != nil {
		return "", err
	}

	if membershipID != "" {
		ban, banErr := e.store.GetBan(ctx, membershipID)
		if banErr == nil && ban.Active(time.Now()) {
			if ban.BannedUntil == nil {
				return "", fmt.Errorf("%w: %s", ErrBanned, ban.Reason)
			}
			return "", fmt.Errorf("%w until %s", ErrBanned, ban.BannedUntil.Format(time.RFC3339))
		} else if banErr != nil && !errors.Is(banErr, store.ErrNotFound) {
			return "", fmt.Errorf("checking ban list for %s: %w", caller, banErr)
		}
	}

	su := &store.StreamUser{
		ID:             user.Identity,
		Login:          user.Login,
		Display:        user.Display,
		BungieName:     bungieName,
		MembershipID:   membershipID,
		MembershipType: membershipType,
	}
	if err := e.store.UpsertStreamUser(ctx, su); err != nil {
		return "", fmt.Errorf("upserting stream user %s: %w", user.Identity, err)
	}

	entry := QueueEntry{UserID: user.Identity, DisplayName: user.Display, BungieName: bungieName}
	return e.processQueueEntry(ctx, owner, entry, modeJoin, ownerCfg)
}

// ForceJoin inserts entry into owner's queue skipping capacity and
// duplicate-bungie checks (the "add" command).
func (e *Engine) ForceJoin(ctx context.Context, owner identity.ChannelId, entry QueueEntry) (string, error) {
	ownerCfg, err := e.store.GetChannelConfig(ctx, owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrConfigMissing
		}
		return "", fmt.Errorf("loading config for %s: %w", owner, err)
	}
	return e.processQueueEntry(ctx, owner, entry, modeForceJoin, ownerCfg)
}

type entryMode int

const (
	modeJoin entryMode = iota
	modeForceJoin
)

func (e *Engine) processQueueEntry(ctx context.Context, owner identity.ChannelId, entry QueueEntry, mode entryMode, ownerCfg store.ChannelConfig) (string, error) {
	if existing, err := e.store.GetQueueRow(ctx, owner, entry.UserID); err == nil {
		existing.DisplayName = entry.DisplayName
		existing.BungieName = entry.BungieName
		row := *existing
		if txErr := e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
			return tx.Update(ctx, row)
		}); txErr != nil {
			return "", fmt.Errorf("updating queue entry for %s: %w", entry.UserID, txErr)
		}
		return "updated", nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("checking existing queue row for %s: %w", entry.UserID, err)
	}

	if mode == modeJoin {
		rows, err := e.store.GetQueueRows(ctx, owner)
		if err != nil {
			return "", fmt.Errorf("reading queue rows for %s: %w", owner, err)
		}
		if len(rows) >= ownerCfg.Size {
			return "", ErrQueueFull
		}
		if _, err := e.store.GetQueueRowByBungieName(ctx, owner, entry.BungieName); err == nil {
			return "", ErrDuplicateBungie
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("checking duplicate bungie name for %s: %w", owner, err)
		}
	}

	var position int
	err := e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}
		maxPos := 0
		for _, r := range rows {
			if r.Position > maxPos {
				maxPos = r.Position
			}
		}
		position = maxPos + 1
		return tx.Insert(ctx, store.QueueRow{
			ChannelID:     owner,
			Position:      position,
			UserID:        entry.UserID,
			DisplayName:   entry.DisplayName,
			BungieName:    entry.BungieName,
			GroupPriority: 2,
		})
	})
	if err != nil {
		return "", fmt.Errorf("inserting queue entry for %s: %w", owner, err)
	}

	if ownerCfg.RandomQueue {
		return "entered the raffle", nil
	}
	return fmt.Sprintf("entered at position %d", position), nil
}

// resolveBungieName implements spec.md §4.2 step 5's four-case
// resolution between a user's previously stored bungie name and one
// freshly provided in the command arguments.
func (e *Engine) resolveBungieName(ctx context.Context, userID identity.UserId, rawArgs string) (name, membershipID string, membershipType int, err error) {
	var storedName, storedMembershipID string
	storedMembershipType := -1

	su, err := e.store.GetStreamUser(ctx, userID)
	if err == nil {
		storedName = su.BungieName
		storedMembershipID = su.MembershipID
		storedMembershipType = su.MembershipType
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", "", 0, fmt.Errorf("loading stream user %s: %w", userID, err)
	}

	provided := strings.TrimSpace(rawArgs)

	switch {
	case storedName != "" && provided != "" && strings.EqualFold(storedName, provided):
		return storedName, storedMembershipID, storedMembershipType, nil

	case storedName != "" && provided != "":
		if verifier.BungieNamePattern.MatchString(provided) {
			if id, verr := e.verifier.Verify(ctx, provided); verr == nil {
				return provided, id.MembershipID, id.MembershipType, nil
			}
		}
		return storedName, storedMembershipID, storedMembershipType, nil

	case provided != "":
		if !verifier.BungieNamePattern.MatchString(provided) {
			return "", "", 0, ErrInvalidBungieName
		}
		id, verr := e.verifier.Verify(ctx, provided)
		if verr != nil {
			return "", "", 0, fmt.Errorf("%w: %v", ErrInvalidBungieName, verr)
		}
		return provided, id.MembershipID, id.MembershipType, nil

	case storedName != "":
		return storedName, storedMembershipID, storedMembershipType, nil

	default:
		return "", "", 0, ErrInvalidBungieName
	}
}

// Register resolves and stores user's bungie name without placing a
// queue row (the "register" command — spec.md §6 lists it but leaves
// it undescribed; this runs the same name-resolution step as Join,
// step 5 only).
func (e *Engine) Register(ctx context.Context, user platform.ChatUser, rawArgs string) (string, error) {
	bungieName, membershipID, membershipType, err := e.resolveBungieName(ctx, user.Identity, rawArgs)
	if err != nil {
		return "", err
	}
	su := &store.StreamUser{
		ID:             user.Identity,
		Login:          user.Login,
		Display:        user.Display,
		BungieName:     bungieName,
		MembershipID:   membershipID,
		MembershipType: membershipType,
	}
	if err := e.store.UpsertStreamUser(ctx, su); err != nil {
		return "", fmt.Errorf("upserting stream user %s: %w", user.Identity, err)
	}
	return fmt.Sprintf("registered as %s", bungieName), nil
}

// ModRegister is Register performed by a moderator on behalf of a
// user identified by login rather than by the caller's own identity.
// The target must already have a StreamUser record (i.e. have joined
// or registered at least once); bungieName is required, not inferred.
func (e *Engine) ModRegister(ctx context.Context, plat identity.Platform, targetLogin, bungieName string) (string, error) {
	target, err := e.store.GetStreamUserByLogin(ctx, plat, targetLogin)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknownTarget
		}
		return "", fmt.Errorf("looking up %s: %w", targetLogin, err)
	}

	resolvedName, membershipID, membershipType, err := e.resolveBungieName(ctx, target.ID, bungieName)
	if err != nil {
		return "", err
	}
	target.BungieName = resolvedName
	target.MembershipID = membershipID
	target.MembershipType = membershipType
	if err := e.store.UpsertStreamUser(ctx, target); err != nil {
		return "", fmt.Errorf("upserting stream user %s: %w", target.ID, err)
	}
	return fmt.Sprintf("registered %s as %s", target.Display, resolvedName), nil
}

// ForceJoinByLogin resolves target by login (the "add" command's
// moderator-forces-a-named-user path) and force-joins them without
// capacity or duplicate-bungie checks.
func (e *Engine) ForceJoinByLogin(ctx context.Context, owner identity.ChannelId, plat identity.Platform, targetLogin string) (string, error) {
	target, err := e.store.GetStreamUserByLogin(ctx, plat, targetLogin)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrUnknownTarget
		}
		return "", fmt.Errorf("looking up %s: %w", targetLogin, err)
	}
	entry := QueueEntry{UserID: target.ID, DisplayName: target.Display, BungieName: target.BungieName}
	return e.ForceJoin(ctx, owner, entry)
}

// Next advances owner's queue by one round: in the current live group
// it decrements locked priority runs (deleting rows that reach zero),
// leaves not-yet-locked priority rows in place, and deletes everyone
// else; then it promotes newly-eligible priority rows and re-packs
// positions. The reply names the new live group.
func (e *Engine) Next(ctx context.Context, owner identity.ChannelId) (string, error) {
	cfg, err := e.store.GetChannelConfig(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("loading config for %s: %w", owner, err)
	}
	teamSize := cfg.TeamSize

	var reply string
	err = e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}

		live := rows
		if len(live) > teamSize {
			live = live[:teamSize]
		}
		for _, r := range live {
			switch {
			case r.LockedFirst && r.PriorityRunsLeft > 0:
				r.PriorityRunsLeft--
				if r.PriorityRunsLeft == 0 {
					if err := tx.Delete(ctx, r.UserID); err != nil {
						return err
					}
				} else if err := tx.Update(ctx, r); err != nil {
					return err
				}
			case r.GroupPriority == 1 && !r.LockedFirst:
				// not yet locked in: survives this round untouched,
				// gets locked_first=true in the promotion pass below.
			default:
				if err := tx.Delete(ctx, r.UserID); err != nil {
					return err
				}
			}
		}

		rows, err = tx.Rows(ctx)
		if err != nil {
			return err
		}
		bound := teamSize
		if bound > len(rows) {
			bound = len(rows)
		}
		for i := 0; i < bound; i++ {
			if rows[i].GroupPriority == 1 && !rows[i].LockedFirst {
				rows[i].LockedFirst = true
				if err := tx.Update(ctx, rows[i]); err != nil {
					return err
				}
			}
		}

		rows, err = tx.Rows(ctx)
		if err != nil {
			return err
		}
		newLive := rows
		if len(newLive) > teamSize {
			newLive = newLive[:teamSize]
		}
		names := make([]string, 0, len(newLive))
		for _, r := range newLive {
			names = append(names, r.DisplayName)
		}
		reply = formatTeamReply(names)

		if err := tx.Repack(ctx); err != nil {
			return err
		}
		return tx.IncrementRuns(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("next on %s: %w", owner, err)
	}
	return reply, nil
}

// Randomize is the raffle-mode variant of Next: the current live
// group is drawn, and everyone else is reshuffled into fresh
// positions rather than simply shifted up.
func (e *Engine) Randomize(ctx context.Context, owner identity.ChannelId) (string, error) {
	cfg, err := e.store.GetChannelConfig(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("loading config for %s: %w", owner, err)
	}
	teamSize := cfg.TeamSize

	var reply string
	err = e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}

		winners := rows
		if len(winners) > teamSize {
			winners = winners[:teamSize]
		}
		names := make([]string, 0, len(winners))
		for _, w := range winners {
			names = append(names, w.DisplayName)
			if err := tx.Delete(ctx, w.UserID); err != nil {
				return err
			}
		}
		reply = formatTeamReply(names)

		if len(rows) > teamSize {
			if err := tx.ShiftPositions(ctx, rows[teamSize].Position, 10000); err != nil {
				return err
			}
		}

		remaining, err := tx.Rows(ctx)
		if err != nil {
			return err
		}
		rand.Shuffle(len(remaining), func(i, j int) { remaining[i], remaining[j] = remaining[j], remaining[i] })
		for i, r := range remaining {
			r.Position = i + 1
			if err := tx.Update(ctx, r); err != nil {
				return err
			}
		}
		return tx.IncrementRuns(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("randomize on %s: %w", owner, err)
	}
	return reply, nil
}

// Move pushes target back by exactly one group (teamsize positions).
func (e *Engine) Move(ctx context.Context, owner identity.ChannelId, target identity.UserId) (string, error) {
	cfg, err := e.store.GetChannelConfig(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("loading config for %s: %w", owner, err)
	}
	teamSize := cfg.TeamSize

	err = e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}

		var targetRow *store.QueueRow
		maxPos := 0
		for i := range rows {
			if rows[i].Position > maxPos {
				maxPos = rows[i].Position
			}
			if rows[i].UserID == target {
				targetRow = &rows[i]
			}
		}
		if targetRow == nil {
			return ErrNotInQueue
		}

		pos := targetRow.Position
		if pos+teamSize > maxPos {
			return ErrAlreadyLast
		}

		parked := *targetRow
		parked.Position = maxPos + 1000
		if err := tx.Update(ctx, parked); err != nil {
			return err
		}

		for _, r := range rows {
			if r.UserID == target {
				continue
			}
			if r.Position > pos && r.Position <= pos+teamSize {
				r.Position--
				if err := tx.Update(ctx, r); err != nil {
					return err
				}
			}
		}

		parked.Position = pos + teamSize
		return tx.Update(ctx, parked)
	})
	if err != nil {
		return "", fmt.Errorf("move on %s: %w", owner, err)
	}
	return "moved back one group", nil
}

// Remove deletes the row matching displayName and re-packs.
func (e *Engine) Remove(ctx context.Context, owner identity.ChannelId, displayName string) (string, error) {
	var removed bool
	err := e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if strings.EqualFold(r.DisplayName, displayName) {
				if err := tx.Delete(ctx, r.UserID); err != nil {
					return err
				}
				removed = true
				break
			}
		}
		if !removed {
			return nil
		}
		return tx.Repack(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("remove on %s: %w", owner, err)
	}
	if !removed {
		return "", ErrNotInQueue
	}
	return fmt.Sprintf("removed %s", displayName), nil
}

// Prio gives target a priority slot at the front of the queue,
// guaranteeing it a place in the live group on the very next Next
// call. A nil runs places a one-shot priority row (group_priority=2);
// a non-nil runs grants a locked priority run count. runs pointing at
// zero removes any existing priority grant instead of inserting one.
func (e *Engine) Prio(ctx context.Context, owner identity.ChannelId, target identity.UserId, runs *int) (string, error) {
	const targetPos = 1

	var displayName string
	var zeroedOut bool
	err := e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}

		var targetRow *store.QueueRow
		for i := range rows {
			if rows[i].UserID == target {
				targetRow = &rows[i]
				break
			}
		}
		if targetRow == nil {
			return ErrNotInQueue
		}
		displayName = targetRow.DisplayName

		if runs != nil && *runs == 0 {
			// Clear an existing priority grant in place; the target
			// keeps their current queue position rather than being
			// moved to (or dropped from) the front.
			zeroedOut = true
			cleared := *targetRow
			cleared.GroupPriority = 2
			cleared.PriorityRunsLeft = 0
			cleared.LockedFirst = false
			return tx.Update(ctx, cleared)
		}

		newRow := *targetRow
		if err := tx.Delete(ctx, target); err != nil {
			return err
		}
		if err := tx.ShiftPositions(ctx, targetPos, 10000); err != nil {
			return err
		}

		newRow.Position = targetPos
		if runs != nil {
			newRow.GroupPriority = 1
			newRow.PriorityRunsLeft = *runs
			newRow.LockedFirst = false
		} else {
			newRow.GroupPriority = 2
		}
		if err := tx.Insert(ctx, newRow); err != nil {
			return err
		}
		return tx.Repack(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("prio on %s: %w", owner, err)
	}
	if zeroedOut {
		return fmt.Sprintf("%s's priority run grant cleared", displayName), nil
	}
	return fmt.Sprintf("%s given priority", displayName), nil
}

// Leave removes user from owner's queue, unless they currently occupy
// a live-group slot (position <= teamsize), which is never allowed
// regardless of raffle mode.
func (e *Engine) Leave(ctx context.Context, owner identity.ChannelId, user identity.UserId) (string, error) {
	cfg, err := e.store.GetChannelConfig(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("loading config for %s: %w", owner, err)
	}
	teamSize := cfg.TeamSize

	err = e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}
		var row *store.QueueRow
		for i := range rows {
			if rows[i].UserID == user {
				row = &rows[i]
				break
			}
		}
		if row == nil {
			return ErrNotInQueue
		}
		if row.Position <= teamSize {
			return ErrCannotLeaveLiveGroup
		}
		if err := tx.Delete(ctx, user); err != nil {
			return err
		}
		return tx.Repack(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("leave on %s: %w", owner, err)
	}
	return "left the queue", nil
}

// Reorder assigns positions 1..len(order) to the given permutation.
// Rows not named in order keep their pre-existing positions, per
// spec; callers are expected to pass a full permutation.
func (e *Engine) Reorder(ctx context.Context, owner identity.ChannelId, order []identity.UserId) error {
	err := e.store.WithQueueTx(ctx, owner, func(tx store.QueueTx) error {
		rows, err := tx.Rows(ctx)
		if err != nil {
			return err
		}
		byUser := make(map[identity.UserId]store.QueueRow, len(rows))
		for _, r := range rows {
			byUser[r.UserID] = r
		}

		for _, uid := range order {
			if r, ok := byUser[uid]; ok {
				r.Position += 1000000
				if err := tx.Update(ctx, r); err != nil {
					return err
				}
			}
		}
		for i, uid := range order {
			r, ok := byUser[uid]
			if !ok {
				continue
			}
			r.Position = i + 1
			if err := tx.Update(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reorder on %s: %w", owner, err)
	}
	return nil
}

// ToggleQueue sets owner's open/closed state.
func (e *Engine) ToggleQueue(ctx context.Context, owner identity.ChannelId, open bool) error {
	cfg, err := e.store.GetChannelConfig(ctx, owner)
	if err != nil {
		return fmt.Errorf("loading config for %s: %w", owner, err)
	}
	cfg.Open = open
	if err := e.store.SaveChannelConfig(ctx, owner, cfg); err != nil {
		return fmt.Errorf("saving config for %s: %w", owner, err)
	}
	return nil
}

func formatTeamReply(names []string) string {
	if len(names) == 0 {
		return "no one was waiting"
	}
	return "next up: " + strings.Join(names, ", ")
}
