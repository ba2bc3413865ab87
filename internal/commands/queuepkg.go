// ABOUTME: Built-in "queue" command package — every command spec.md §6 lists under it
// ABOUTME: Executors are thin glue: parse Args, call into internal/queue.Engine, format the reply

package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/store"
)

// resolveTargetByDisplayName scans owner's current queue rows for a
// case-insensitive display-name match. Move/Prio/Remove-style
// commands take a name from chat, not a UserId, so this is the one
// place that bridges the two.
func resolveTargetByDisplayName(ev ExecCtx, owner identity.ChannelId, name string) (identity.UserId, string, error) {
	rows, err := ev.Store.GetQueueRows(ev.Ctx, owner)
	if err != nil {
		return identity.UserId{}, "", fmt.Errorf("reading queue rows for %s: %w", owner, err)
	}
	for _, r := range rows {
		if strings.EqualFold(r.DisplayName, name) {
			return r.UserID, r.DisplayName, nil
		}
	}
	return identity.UserId{}, "", store.ErrNotFound
}

func splitArgs(args string) []string {
	return strings.Fields(args)
}

// QueuePackage is the default "queue" package: joining, advancing,
// browsing and moderating a channel's play-session queue.
func QueuePackage() Package {
	return Package{
		Name: "queue",
		Commands: []PackageCommand{
			{DefaultAliases: []string{"join", "j", "q", "queue"}, Command: Command{
				Name:        "join",
				Description: "joins the queue, optionally providing your bungie name",
				Usage:       "!join [bungiename#1234]",
				Permission:  platform.PermFollower,
				MutatesQueue: true,
				Execute:     execJoin,
			}},
			{DefaultAliases: []string{"next"}, Command: Command{
				Name:         "next",
				Description:  "advances the queue by one group",
				Usage:        "!next",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execNext,
			}},
			{DefaultAliases: []string{"add"}, Command: Command{
				Name:         "add",
				Description:  "force-adds a named user to the queue, bypassing capacity and duplicate checks",
				Usage:        "!add <login>",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execAdd,
			}},
			{DefaultAliases: []string{"queue_len"}, Command: Command{
				Name:        "queue_len",
				Description: "reports how many people are waiting",
				Usage:       "!queue_len",
				Permission:  platform.PermEveryone,
				Execute:     execQueueLen,
			}},
			{DefaultAliases: []string{"queue_size"}, Command: Command{
				Name:        "queue_size",
				Description: "reports the queue's configured capacity",
				Usage:       "!queue_size",
				Permission:  platform.PermEveryone,
				Execute:     execQueueSize,
			}},
			{DefaultAliases: []string{"list"}, Command: Command{
				Name:        "list",
				Description: "lists everyone currently in the queue, in order",
				Usage:       "!list",
				Permission:  platform.PermEveryone,
				Execute:     execList,
			}},
			{DefaultAliases: []string{"random"}, Command: Command{
				Name:         "random",
				Description:  "toggles raffle mode (on/off)",
				Usage:        "!random <on|off>",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execRandom,
			}},
			{DefaultAliases: []string{"open"}, Command: Command{
				Name:         "open",
				Description:  "opens the queue for joins",
				Usage:        "!open",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execOpen,
			}},
			{DefaultAliases: []string{"close"}, Command: Command{
				Name:         "close",
				Description:  "closes the queue to new joins",
				Usage:        "!close",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execClose,
			}},
			{DefaultAliases: []string{"queue_share", "share"}, Command: Command{
				Name:         "queue_share",
				Description:  "shares this channel's queue with another channel, or stops sharing",
				Usage:        "!queue_share <channel|off>",
				Permission:   platform.PermBroadcaster,
				MutatesQueue: true,
				Execute:      execQueueShare,
			}},
			{DefaultAliases: []string{"leave"}, Command: Command{
				Name:         "leave",
				Description:  "removes you from the queue, unless you're already in the live group",
				Usage:        "!leave",
				Permission:   platform.PermEveryone,
				MutatesQueue: true,
				Execute:      execLeave,
			}},
			{DefaultAliases: []string{"move"}, Command: Command{
				Name:         "move",
				Description:  "pushes a named user back one group",
				Usage:        "!move <name>",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execMove,
			}},
			{DefaultAliases: []string{"remove"}, Command: Command{
				Name:         "remove",
				Description:  "removes a named user from the queue",
				Usage:        "!remove <name>",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execRemove,
			}},
			{DefaultAliases: []string{"prio", "bribe"}, Command: Command{
				Name:         "prio",
				Description:  "gives a named user priority, optionally for a number of runs",
				Usage:        "!prio <name> [runs]",
				Permission:   platform.PermModerator,
				MutatesQueue: true,
				Execute:      execPrio,
			}},
			{DefaultAliases: []string{"pos", "position"}, Command: Command{
				Name:        "pos",
				Description: "reports your current position in the queue",
				Usage:       "!pos",
				Permission:  platform.PermEveryone,
				Execute:     execPos,
			}},
			{DefaultAliases: []string{"register"}, Command: Command{
				Name:        "register",
				Description: "stores your bungie name without joining the queue",
				Usage:       "!register [bungiename#1234]",
				Permission:  platform.PermEveryone,
				Execute:     execRegister,
			}},
			{DefaultAliases: []string{"mod_register"}, Command: Command{
				Name:        "mod_register",
				Description: "registers a named user's bungie name on their behalf",
				Usage:       "!mod_register <login> <bungiename#1234>",
				Permission:  platform.PermModerator,
				Execute:     execModRegister,
			}},
		},
	}
}

func execJoin(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	return ev.Engine.Join(ev.Ctx, owner, *ev.Event.User, ev.Event.Follower, ev.Args)
}

func execNext(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	cfg, err := ev.Store.GetChannelConfig(ev.Ctx, owner)
	if err != nil {
		return "", err
	}
	if cfg.RandomQueue {
		return ev.Engine.Randomize(ev.Ctx, owner)
	}
	return ev.Engine.Next(ev.Ctx, owner)
}

func execAdd(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	login := strings.TrimSpace(ev.Args)
	if login == "" {
		return "", fmt.Errorf("usage: !add <login>")
	}
	reply, err := ev.Engine.ForceJoinByLogin(ev.Ctx, owner, ev.Event.Platform, login)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", login, reply), nil
}

func execQueueLen(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	rows, err := ev.Store.GetQueueRows(ev.Ctx, owner)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d waiting", len(rows)), nil
}

func execQueueSize(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	cfg, err := ev.Store.GetChannelConfig(ev.Ctx, owner)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("capacity: %d", cfg.Size), nil
}

func execList(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	rows, err := ev.Store.GetQueueRows(ev.Ctx, owner)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "the queue is empty", nil
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.DisplayName)
	}
	return strings.Join(names, ", "), nil
}

func execRandom(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	arg := strings.ToLower(strings.TrimSpace(ev.Args))
	var on bool
	switch arg {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return "", fmt.Errorf("usage: !random <on|off>")
	}
	cfg, err := ev.Store.GetChannelConfig(ev.Ctx, owner)
	if err != nil {
		return "", err
	}
	cfg.RandomQueue = on
	if err := ev.Store.SaveChannelConfig(ev.Ctx, owner, cfg); err != nil {
		return "", err
	}
	if on {
		return "raffle mode enabled", nil
	}
	return "raffle mode disabled", nil
}

func execOpen(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	if err := ev.Engine.ToggleQueue(ev.Ctx, owner, true); err != nil {
		return "", err
	}
	return "queue opened", nil
}

func execClose(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	if err := ev.Engine.ToggleQueue(ev.Ctx, owner, false); err != nil {
		return "", err
	}
	return "queue closed", nil
}

func execQueueShare(ev ExecCtx) (string, error) {
	arg := strings.ToLower(strings.TrimSpace(ev.Args))
	cfg, err := ev.Store.GetChannelConfig(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	if arg == "" || arg == "off" {
		cfg.QueueTarget = store.QueueTarget{}
		if err := ev.Store.SaveChannelConfig(ev.Ctx, ev.Caller, cfg); err != nil {
			return "", err
		}
		return "queue sharing disabled", nil
	}
	owner, err := identity.ParseChannelId(ev.Caller.Platform.String() + ":" + arg)
	if err != nil {
		return "", fmt.Errorf("usage: !queue_share <channel|off>")
	}
	cfg.QueueTarget = store.QueueTarget{Shared: true, Owner: owner}
	if err := ev.Store.SaveChannelConfig(ev.Ctx, ev.Caller, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("now sharing %s's queue", owner.Channel), nil
}

func execLeave(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	return ev.Engine.Leave(ev.Ctx, owner, ev.Event.User.Identity)
}

func execMove(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(ev.Args)
	if name == "" {
		return "", fmt.Errorf("usage: !move <name>")
	}
	target, display, err := resolveTargetByDisplayName(ev, owner, name)
	if err != nil {
		return "", err
	}
	reply, err := ev.Engine.Move(ev.Ctx, owner, target)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", display, reply), nil
}

func execRemove(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(ev.Args)
	if name == "" {
		return "", fmt.Errorf("usage: !remove <name>")
	}
	return ev.Engine.Remove(ev.Ctx, owner, name)
}

func execPrio(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	parts := splitArgs(ev.Args)
	if len(parts) == 0 {
		return "", fmt.Errorf("usage: !prio <name> [runs]")
	}
	target, display, err := resolveTargetByDisplayName(ev, owner, parts[0])
	if err != nil {
		return "", err
	}
	var runs *int
	if len(parts) > 1 {
		n, convErr := strconv.Atoi(parts[1])
		if convErr != nil {
			return "", fmt.Errorf("usage: !prio <name> [runs]")
		}
		runs = &n
	}
	reply, err := ev.Engine.Prio(ev.Ctx, owner, target, runs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %s", display, reply), nil
}

func execPos(ev ExecCtx) (string, error) {
	owner, err := ev.Engine.ResolveOwner(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	row, err := ev.Store.GetQueueRow(ev.Ctx, owner, ev.Event.User.Identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "you are not in the queue", nil
		}
		return "", err
	}
	return fmt.Sprintf("you are at position %d", row.Position), nil
}

func execRegister(ev ExecCtx) (string, error) {
	return ev.Engine.Register(ev.Ctx, *ev.Event.User, ev.Args)
}

func execModRegister(ev ExecCtx) (string, error) {
	parts := splitArgs(ev.Args)
	if len(parts) < 2 {
		return "", fmt.Errorf("usage: !mod_register <login> <bungiename#1234>")
	}
	return ev.Engine.ModRegister(ev.Ctx, ev.Event.Platform, parts[0], parts[1])
}
