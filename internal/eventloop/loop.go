// ABOUTME: Loop — drains ChatEvents from every adapter, dispatches matched commands, replies
// ABOUTME: Grounded on internal/gateway/bridge.go's check->process->mark dedupe shape

package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/krapmatt/krapbott-gateway/internal/commands"
	"github.com/krapmatt/krapbott-gateway/internal/dedupe"
	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/queue"
	"github.com/krapmatt/krapbott-gateway/internal/runtime"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
)

// QueueBroadcaster is the subset of internal/web's EventBroadcaster the
// loop needs, kept as an interface here so eventloop does not import
// internal/web and tests can supply a fake.
type QueueBroadcaster interface {
	Publish(channel identity.ChannelId)
}

// Loop drains every platform adapter's normalized ChatEvent stream,
// resolves the caller's compiled CommandMap, permission-gates and runs
// the matched command, and replies (spec.md §4.5-§4.8).
type Loop struct {
	Runtimes    *runtime.Manager
	Store       store.Store
	Engine      *queue.Engine
	Verifier    verifier.Verifier
	Adapters    map[identity.Platform]platform.Adapter
	Dedupe      *dedupe.Cache
	Broadcaster QueueBroadcaster
	ClientID    string
	AppToken    TwitchAppTokenSource
	Logger      *slog.Logger
}

// Run consumes every adapter's Events() channel until ctx is canceled.
// Adapters are expected to already be running their own reconnect loop
// (Adapter.Run) elsewhere; Run only consumes what they emit.
func (l *Loop) Run(ctx context.Context) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var wg sync.WaitGroup
	for plat, adapter := range l.Adapters {
		wg.Add(1)
		go func(plat identity.Platform, a platform.Adapter) {
			defer wg.Done()
			l.consume(ctx, a, logger.With("platform", plat.String()))
		}(plat, adapter)
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (l *Loop) consume(ctx context.Context, a platform.Adapter, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.Events():
			if !ok {
				return
			}
			l.handleEvent(ctx, a, ev, logger)
		}
	}
}

func (l *Loop) handleEvent(ctx context.Context, a platform.Adapter, ev platform.ChatEvent, logger *slog.Logger) {
	dedupeKey := fmt.Sprintf("%s:%s:%s", ev.Platform, ev.Channel, ev.MessageID)
	if ev.MessageID != "" && l.Dedupe.CheckAndMark(dedupeKey) {
		return
	}

	channel := identity.ChannelId{Platform: ev.Platform, Channel: strings.ToLower(ev.Channel)}

	cfg, err := l.Store.GetChannelConfig(ctx, channel)
	if err != nil {
		// No configuration for this channel: silent no-op per the
		// ConfigMissing row of spec.md §7's error taxonomy.
		return
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "!"
	}
	body, hasPrefix := strings.CutPrefix(ev.Message, prefix)
	if !hasPrefix {
		return
	}
	name, args, _ := strings.Cut(body, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return
	}

	cm, ok := l.Runtimes.Dispatch(channel)
	if !ok {
		return
	}
	cmd, ok := cm[name]
	if !ok {
		return
	}

	if !HasPermission(ctx, &ev, cmd.Permission, l.ClientID, l.AppToken) {
		return
	}

	reply, execErr := cmd.Execute(commands.ExecCtx{
		Ctx:      ctx,
		Caller:   channel,
		Event:    ev,
		Args:     strings.TrimSpace(args),
		Engine:   l.Engine,
		Store:    l.Store,
		Verifier: l.Verifier,
	})
	if execErr != nil {
		reply = replyForError(execErr)
	}

	if reply != "" {
		if sendErr := a.Send(ctx, channel, reply); sendErr != nil {
			logger.Error("sending chat reply failed", "channel", channel.String(), "error", sendErr)
		}
	}

	if execErr == nil && cmd.MutatesQueue && l.Broadcaster != nil {
		// Publish on the resolved owner channel, not the caller's: a
		// shared/aliased channel's mutation must reach overlay
		// subscribers watching the owner (spec.md §3/§8).
		owner, resolveErr := l.Engine.ResolveOwner(ctx, channel)
		if resolveErr != nil {
			owner = channel
		}
		l.Broadcaster.Publish(owner)
	}
	if execErr == nil && cmd.TriggersReload {
		if err := l.Runtimes.ReloadChannel(ctx, channel); err != nil {
			logger.Error("reloading channel after config-changing command", "channel", channel.String(), "error", err)
		}
	}
}

// replyForError maps the queue engine's typed sentinel errors to a
// user-facing chat reply, per spec.md §7's error taxonomy. Errors not
// recognized here still get a generic reply rather than silence, since
// only ErrConfigMissing (handled earlier, before a command ever runs)
// is specified to fail silently.
func replyForError(err error) string {
	switch {
	case errors.Is(err, queue.ErrQueueClosed):
		return "the queue is closed right now."
	case errors.Is(err, queue.ErrQueueFull):
		return "the queue is full."
	case errors.Is(err, queue.ErrNotFollowing):
		return "you need to be following to do that."
	case errors.Is(err, queue.ErrInvalidBungieName):
		return "that doesn't look like a valid Bungie name (expected name#1234)."
	case errors.Is(err, queue.ErrDuplicateBungie):
		return "that Bungie name is already in the queue."
	case errors.Is(err, queue.ErrBanned):
		// Engine.Join wraps the ban reason/expiry onto ErrBanned
		// ("%w: %s" / "%w until %s"); SPEC_FULL.md §4 calls for
		// surfacing that reason verbatim rather than a fixed string.
		detail := strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(err.Error(), queue.ErrBanned.Error()), ":"))
		if detail == "" {
			return "you're banned from this queue."
		}
		return fmt.Sprintf("you're banned from this queue (%s).", detail)
	case errors.Is(err, queue.ErrAlreadyLast):
		return "you're already in the last group."
	case errors.Is(err, queue.ErrCannotLeaveLiveGroup):
		return "you can't leave the group that's currently live."
	case errors.Is(err, queue.ErrNotInQueue):
		return "you're not in the queue."
	case errors.Is(err, queue.ErrUnknownTarget):
		return "I don't know that user yet."
	case errors.Is(err, queue.ErrConfigMissing):
		return ""
	default:
		return "something went wrong running that command."
	}
}
