// ABOUTME: Built-in "moderation" command package — alias management, package toggles, overlay connect
// ABOUTME: All three commands are broadcaster-only; alias/add_package mutate AliasConfig/ChannelConfig and connect creates a Session, all via Store

package commands

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/store"
)

// ModerationPackage is the default "moderation" package: the handful
// of broadcaster-only commands that reconfigure a channel's own
// command surface and overlay session, rather than its queue.
func ModerationPackage() Package {
	return Package{
		Name: "moderation",
		Commands: []PackageCommand{
			{DefaultAliases: []string{"alias"}, Command: Command{
				Name:        "alias",
				Description: "adds or removes a custom command alias",
				Usage:       "!alias add <alias> <command> | !alias remove <alias>",
				Permission:  platform.PermBroadcaster,
				TriggersReload: true,
				Execute:     execAlias,
			}},
			{DefaultAliases: []string{"add_package"}, Command: Command{
				Name:        "add_package",
				Description: "enables a built-in command package for this channel",
				Usage:       "!add_package <name>",
				Permission:  platform.PermBroadcaster,
				TriggersReload: true,
				Execute:     execAddPackage,
			}},
			{DefaultAliases: []string{"connect"}, Command: Command{
				Name:        "connect",
				Description: "issues a fresh overlay login session for this channel",
				Usage:       "!connect",
				Permission:  platform.PermBroadcaster,
				Execute:     execConnect,
			}},
		},
	}
}

func execAlias(ev ExecCtx) (string, error) {
	parts := splitArgs(ev.Args)
	if len(parts) < 2 {
		return "", fmt.Errorf("usage: !alias add <alias> <command> | !alias remove <alias>")
	}

	cfg, err := ev.Store.GetAliasConfig(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(parts[0]) {
	case "add":
		if len(parts) < 3 {
			return "", fmt.Errorf("usage: !alias add <alias> <command>")
		}
		alias, target := strings.ToLower(parts[1]), strings.ToLower(parts[2])
		cfg.Aliases[alias] = target
		delete(cfg.RemovedAliases, alias)
		if err := ev.Store.SaveAliasConfig(ev.Ctx, ev.Caller, cfg); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s now aliases %s", alias, target), nil

	case "remove":
		alias := strings.ToLower(parts[1])
		if _, custom := cfg.Aliases[alias]; custom {
			delete(cfg.Aliases, alias)
		} else {
			cfg.RemovedAliases[alias] = true
		}
		if err := ev.Store.SaveAliasConfig(ev.Ctx, ev.Caller, cfg); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s removed", alias), nil

	default:
		return "", fmt.Errorf("usage: !alias add <alias> <command> | !alias remove <alias>")
	}
}

func execAddPackage(ev ExecCtx) (string, error) {
	name := strings.ToLower(strings.TrimSpace(ev.Args))
	if name == "" {
		return "", fmt.Errorf("usage: !add_package <name>")
	}

	cfg, err := ev.Store.GetChannelConfig(ev.Ctx, ev.Caller)
	if err != nil {
		return "", err
	}
	for _, existing := range cfg.Packages {
		if existing == name {
			return fmt.Sprintf("%s is already enabled", name), nil
		}
	}
	cfg.Packages = append(cfg.Packages, name)
	if err := ev.Store.SaveChannelConfig(ev.Ctx, ev.Caller, cfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s enabled", name), nil
}

func execConnect(ev ExecCtx) (string, error) {
	sess := &store.Session{
		SessionID: uuid.NewString(),
		Channel:   ev.Caller,
		Login:     ev.Event.User.Login,
	}
	if err := ev.Store.CreateSession(ev.Ctx, sess); err != nil {
		return "", err
	}
	return fmt.Sprintf("overlay session ready: /overlay?session=%s", sess.SessionID), nil
}
