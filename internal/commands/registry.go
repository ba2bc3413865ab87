// ABOUTME: Command/Package/Registry types and the BuildForChannel alias compiler
// ABOUTME: Grounded on internal/packs/registry.go, collapsed to synchronous in-process dispatch

package commands

import (
	"context"
	"sync"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/queue"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
)

// ExecCtx carries everything a Command's executor needs: the inbound
// event, the caller channel, the parsed argument string, and handles
// to the collaborators a command might call into.
type ExecCtx struct {
	Ctx      context.Context
	Caller   identity.ChannelId
	Event    platform.ChatEvent
	Args     string
	Engine   *queue.Engine
	Store    store.Store
	Verifier verifier.Verifier
}

// Command is the capability-set shape spec.md §4.3/§9 calls for: a
// canonical name plus an executor function, not a type hierarchy.
type Command struct {
	Name        string
	Description string
	Usage       string
	Permission  platform.Permission
	// MutatesQueue marks commands whose successful execution should
	// trigger an SSE QueueUpdated broadcast (spec.md §4.8's "one SSE
	// event after commit" rule extended to chat-originated mutations).
	MutatesQueue bool
	// TriggersReload marks commands that change a channel's
	// alias/package configuration, which spec.md §4.4 requires to
	// take effect via reload_channel rather than waiting for the next
	// bootstrap.
	TriggersReload bool
	Execute        func(ExecCtx) (string, error)
}

// PackageCommand pairs a Command with the default aliases a package
// registers it under.
type PackageCommand struct {
	Command        Command
	DefaultAliases []string
}

// Package is a named, ordered group of commands (spec.md §4.3's
// "package→commands mapping").
type Package struct {
	Name     string
	Commands []PackageCommand
}

// Registry holds every known Package, keyed by name. A channel's
// ChannelConfig.Packages names which of these are active for it.
type Registry struct {
	mu       sync.RWMutex
	packages map[string]Package
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{packages: make(map[string]Package)}
}

// RegisterPackage adds or replaces a named package.
func (r *Registry) RegisterPackage(p Package) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packages[p.Name] = p
}

// Packages returns the packages named in names, in that order,
// skipping any name the registry doesn't recognize. names is matched
// case-insensitively per spec.md §3's "packages: ordered list... enabled
// package names (case-insensitive)".
func (r *Registry) Packages(names []string) []Package {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Package, 0, len(names))
	for _, name := range names {
		if p, ok := r.packages[normalizePackageName(name)]; ok {
			out = append(out, p)
		}
	}
	return out
}

func normalizePackageName(name string) string {
	// Package names are registered lowercase; callers may pass any case.
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// RegisterBuiltinPackages registers the queue and moderation packages
// every deployment ships with. Channel-specific ChannelConfig.Packages
// lists select amongst these (and any future custom packages) by name.
func RegisterBuiltinPackages(r *Registry) {
	r.RegisterPackage(QueuePackage())
	r.RegisterPackage(ModerationPackage())
}

// CommandMap is the compiled alias -> Command lookup a ChannelRuntime
// holds. It is a plain map value, cheaply copyable as a reference type
// (spec.md §9's "compiled maps should be cheaply clonable handles").
type CommandMap map[string]*Command

// BuildForChannel implements spec.md §4.3's three-step compiler. It is
// a pure function of its inputs: the same (active, aliases) always
// produces an equal CommandMap (spec.md §8 "alias compilation
// idempotence").
func BuildForChannel(active []Package, aliases store.AliasConfig) CommandMap {
	cm := make(CommandMap)

	for _, pkg := range active {
		for i := range pkg.Commands {
			pc := pkg.Commands[i]
			if aliases.DisabledCommands[pc.Command.Name] {
				continue
			}
			cmd := pc.Command // stable copy; &cmd is distinct per canonical command
			for _, alias := range pc.DefaultAliases {
				if aliases.RemovedAliases[alias] {
					continue
				}
				cm[alias] = &cmd
			}
		}
	}

	for alias, target := range aliases.Aliases {
		if cmd, ok := cm[target]; ok {
			cm[alias] = cmd
		}
	}

	return cm
}
