// ABOUTME: Bot orchestrator — wires store, token caches, adapters, runtime manager, event loop and web server
// ABOUTME: Grounded on internal/gateway/gateway.go's New/Run/Shutdown shape, stripped of gRPC/Tailscale/MCP/admin

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/krapmatt/krapbott-gateway/internal/commands"
	"github.com/krapmatt/krapbott-gateway/internal/config"
	"github.com/krapmatt/krapbott-gateway/internal/dedupe"
	"github.com/krapmatt/krapbott-gateway/internal/eventloop"
	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/platform/kick"
	"github.com/krapmatt/krapbott-gateway/internal/platform/twitch"
	"github.com/krapmatt/krapbott-gateway/internal/queue"
	"github.com/krapmatt/krapbott-gateway/internal/runtime"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/tokencache"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
	"github.com/krapmatt/krapbott-gateway/internal/web"
)

// Bot orchestrates every krapbott-gateway component: it owns the
// store, platform adapters, the per-channel runtime manager, the
// event loop consuming chat, and the overlay's HTTP server.
type Bot struct {
	config *config.Config
	logger *slog.Logger

	store       store.Store
	engine      *queue.Engine
	registry    *commands.Registry
	runtimes    *runtime.Manager
	adapters    map[identity.Platform]platform.Adapter
	dedupe      *dedupe.Cache
	bus         *web.EventBroadcaster
	loop        *eventloop.Loop
	webServer   *http.Server
	twitchToken *tokencache.TwitchAppToken

	cancelAdapters context.CancelFunc
}

// New wires every Bot component from cfg. The returned Bot is not yet
// running; call Run to start the event loop and web server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Bot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to store: %w", err)
	}

	v := verifier.NewHTTPVerifier(cfg.Verifier.APIKey)
	engine := queue.New(s, v, logger.With("component", "queue"))

	registry := commands.NewRegistry()
	commands.RegisterBuiltinPackages(registry)

	runtimes := runtime.NewManager(registry, s, logger.With("component", "runtime"))

	adapters := make(map[identity.Platform]platform.Adapter)
	var twitchAppToken *tokencache.TwitchAppToken
	if cfg.Platforms.Twitch.Enabled {
		twitchAppToken = tokencache.NewTwitchAppToken(cfg.Platforms.Twitch.ClientID, cfg.Platforms.Twitch.ClientSecret)
		adapters[identity.PlatformTwitch] = twitch.New(
			cfg.Platforms.Twitch.BotLogin,
			cfg.Platforms.Twitch.OAuthToken,
			cfg.Platforms.Twitch.Channels,
			logger.With("component", "twitch-adapter"),
		)
	}
	if cfg.Platforms.Kick.Enabled {
		kickTokens := tokencache.NewKickTokenCache(
			cfg.Platforms.Kick.ClientID,
			cfg.Platforms.Kick.ClientSecret,
			cfg.Platforms.Kick.TokenPath,
			logger.With("component", "kick-tokens"),
		)
		adapters[identity.PlatformKick] = kick.New(kickTokens, logger.With("component", "kick-adapter"))
	}

	dedupeCache := dedupe.New(5*time.Minute, 100_000)
	bus := web.NewEventBroadcaster(logger.With("component", "web-broadcaster"))

	loop := &eventloop.Loop{
		Runtimes:    runtimes,
		Store:       s,
		Engine:      engine,
		Verifier:    v,
		Adapters:    adapters,
		Dedupe:      dedupeCache,
		Broadcaster: bus,
		ClientID:    cfg.Platforms.Twitch.ClientID,
		AppToken:    twitchAppToken,
		Logger:      logger.With("component", "eventloop"),
	}

	bot := &Bot{
		config:      cfg,
		logger:      logger.With("component", "bot"),
		store:       s,
		engine:      engine,
		registry:    registry,
		runtimes:    runtimes,
		adapters:    adapters,
		dedupe:      dedupeCache,
		bus:         bus,
		loop:        loop,
		twitchToken: twitchAppToken,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/health/ready", bot.handleReady)
	webServer := web.NewServer(s, engine, bus, logger.With("component", "web-server"))
	webServer.RegisterRoutes(mux)

	bot.webServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return bot, nil
}

// Run loads every configured channel, starts each platform adapter,
// the event loop, and the web server, then blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	cfgs, err := b.store.LoadBotConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading channel configs: %w", err)
	}
	b.runtimes.StartChannelsFromConfig(ctx, cfgs)

	adapterCtx, cancel := context.WithCancel(ctx)
	b.cancelAdapters = cancel

	errCh := make(chan error, len(b.adapters)+2)
	for plat, adapter := range b.adapters {
		// Twitch already received its channel list at construction
		// time and joins it once its connection comes up; Kick's
		// Pusher adapter has no such bootstrap and needs an explicit
		// Join per configured channel.
		if plat == identity.PlatformKick {
			b.joinConfiguredChannels(adapterCtx, plat, adapter, cfgs)
		}
		go func(plat identity.Platform, a platform.Adapter) {
			if err := a.Run(adapterCtx); err != nil {
				errCh <- fmt.Errorf("%s adapter: %w", plat, err)
			}
		}(plat, adapter)
	}

	go func() {
		if err := b.loop.Run(adapterCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("event loop: %w", err)
		}
	}()

	ln, err := net.Listen("tcp", b.webServer.Addr)
	if err != nil {
		cancel()
		return fmt.Errorf("listening on %s: %w", b.webServer.Addr, err)
	}
	go func() {
		b.logger.Info("web server listening", "addr", ln.Addr().String())
		if err := b.webServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("web server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("context canceled, shutting down")
		return b.gracefulShutdown()
	case err := <-errCh:
		b.logger.Error("component failed", "error", err)
		_ = b.gracefulShutdown()
		return err
	}
}

func (b *Bot) joinConfiguredChannels(ctx context.Context, plat identity.Platform, adapter platform.Adapter, cfgs map[identity.ChannelId]store.ChannelConfig) {
	for id := range cfgs {
		if id.Platform != plat {
			continue
		}
		if err := adapter.Join(ctx, id.Channel); err != nil {
			b.logger.Error("joining channel", "channel", id.String(), "error", err)
		}
	}
}

func (b *Bot) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.Shutdown(ctx)
}

// Shutdown stops the web server, cancels every adapter/event-loop
// goroutine, and closes the store and in-memory caches.
func (b *Bot) Shutdown(ctx context.Context) error {
	var errs []error
	if err := b.webServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("web server shutdown: %w", err))
	}
	if b.cancelAdapters != nil {
		b.cancelAdapters()
	}
	b.dedupe.Close()
	b.bus.Close()
	if err := b.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports 200 once at least one platform adapter is
// configured, mirroring the teacher's "agents connected" readiness
// check against this system's adapter-configuration equivalent.
func (b *Bot) handleReady(w http.ResponseWriter, r *http.Request) {
	if len(b.adapters) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no platform adapters configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d platform adapters)", len(b.adapters))
}
