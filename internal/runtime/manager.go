// ABOUTME: Manager — per-channel ChannelRuntime map, start/stop/reload lifecycle
// ABOUTME: Grounded on internal/agent/manager.go's RWMutex-map Register/Unregister shape

package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/krapmatt/krapbott-gateway/internal/commands"
	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/store"
)

// ChannelRuntime is the live state a started channel holds: its
// compiled CommandMap plus cancel funcs for any auxiliary background
// tasks it owns (spec.md §4.4).
type ChannelRuntime struct {
	Commands commands.CommandMap
	cancel   []context.CancelFunc
}

// Manager owns every started channel's ChannelRuntime, behind a
// single RWMutex, exactly as agent.Manager owns connected agents.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[identity.ChannelId]*ChannelRuntime
	registry *commands.Registry
	store    store.Store
	logger   *slog.Logger
}

// NewManager returns a Manager compiling CommandMaps from registry
// against AliasConfig/ChannelConfig loaded via s.
func NewManager(registry *commands.Registry, s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runtimes: make(map[identity.ChannelId]*ChannelRuntime),
		registry: registry,
		store:    s,
		logger:   logger.With("component", "channel-runtime-manager"),
	}
}

// StartChannel loads id's AliasConfig and ChannelConfig, compiles a
// CommandMap, and stores the resulting ChannelRuntime. Starting an
// already-running channel replaces its runtime (equivalent to a
// reload of just the compiled map); any aux tasks the previous runtime
// owned carry over onto the new one rather than being dropped, since
// only StopChannel/ReloadChannel are meant to cancel them.
func (m *Manager) StartChannel(ctx context.Context, id identity.ChannelId) error {
	cfg, err := m.store.GetChannelConfig(ctx, id)
	if err != nil {
		return fmt.Errorf("loading channel config for %s: %w", id, err)
	}
	aliases, err := m.store.GetAliasConfig(ctx, id)
	if err != nil {
		return fmt.Errorf("loading alias config for %s: %w", id, err)
	}

	active := m.registry.Packages(cfg.Packages)
	cm := commands.BuildForChannel(active, aliases)

	m.mu.Lock()
	defer m.mu.Unlock()
	var carried []context.CancelFunc
	if prev, ok := m.runtimes[id]; ok {
		carried = prev.cancel
	}
	m.runtimes[id] = &ChannelRuntime{Commands: cm, cancel: carried}
	m.logger.Info("=== CHANNEL STARTED ===",
		"channel", id.String(),
		"packages", cfg.Packages,
		"commands", len(cm),
		"total_channels", len(m.runtimes),
	)
	return nil
}

// StopChannel removes id's runtime and cancels any auxiliary tasks it
// owned. Stopping a channel that was never started is a no-op.
func (m *Manager) StopChannel(id identity.ChannelId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt, ok := m.runtimes[id]
	if !ok {
		return
	}
	for _, cancel := range rt.cancel {
		cancel()
	}
	delete(m.runtimes, id)
	m.logger.Info("=== CHANNEL STOPPED ===",
		"channel", id.String(),
		"total_channels", len(m.runtimes),
	)
}

// ReloadChannel stops then restarts id, recompiling its CommandMap
// from the current AliasConfig/ChannelConfig (spec.md §4.4: called
// whenever aliases/packages/config change).
func (m *Manager) ReloadChannel(ctx context.Context, id identity.ChannelId) error {
	m.StopChannel(id)
	return m.StartChannel(ctx, id)
}

// StartChannelsFromConfig starts every channel named in cfgs at
// bootstrap. A single channel's failure is logged but does not stop
// the others from starting (spec.md §4.4).
func (m *Manager) StartChannelsFromConfig(ctx context.Context, cfgs map[identity.ChannelId]store.ChannelConfig) {
	for id := range cfgs {
		if err := m.StartChannel(ctx, id); err != nil {
			m.logger.Error("failed to start channel", "channel", id.String(), "error", err)
		}
	}
}

// Dispatch returns id's compiled CommandMap under a read lock, then
// releases the lock before the caller executes anything against it —
// a Go map value is already a reference, so this "clone" is really
// "take the handle and stop holding the lock across I/O" (spec.md §5/§9).
func (m *Manager) Dispatch(id identity.ChannelId) (commands.CommandMap, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.runtimes[id]
	if !ok {
		return nil, false
	}
	return rt.Commands, true
}

// AddAuxTask registers a cancel func for a background task owned by
// id's runtime, so StopChannel/ReloadChannel tears it down too. Has
// no effect if id has no running runtime (the task's caller is
// responsible for not leaking in that case).
func (m *Manager) AddAuxTask(id identity.ChannelId, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[id]; ok {
		rt.cancel = append(rt.cancel, cancel)
	}
}
