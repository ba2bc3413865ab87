package eventloop

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapmatt/krapbott-gateway/internal/commands"
	"github.com/krapmatt/krapbott-gateway/internal/dedupe"
	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
	"github.com/krapmatt/krapbott-gateway/internal/queue"
	"github.com/krapmatt/krapbott-gateway/internal/runtime"
	"github.com/krapmatt/krapbott-gateway/internal/store"
	"github.com/krapmatt/krapbott-gateway/internal/verifier"
)

// TestReplyForErrorSurfacesBanReason covers both shapes Engine.Join
// wraps onto ErrBanned (a permanent ban's reason, and a timed ban's
// expiry) and checks the chat reply carries the detail rather than a
// fixed string (spec.md §4.2 step 6: "reject with reason").
func TestReplyForErrorSurfacesBanReason(t *testing.T) {
	permanent := fmt.Errorf("%w: griefing", queue.ErrBanned)
	assert.Equal(t, "you're banned from this queue (griefing).", replyForError(permanent))

	timed := fmt.Errorf("%w until 2026-01-01T00:00:00Z", queue.ErrBanned)
	assert.Equal(t, "you're banned from this queue (until 2026-01-01T00:00:00Z).", replyForError(timed))

	assert.Equal(t, "you're banned from this queue.", replyForError(queue.ErrBanned))
}

type fakeAdapter struct {
	events chan platform.ChatEvent
	sent   chan string
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{events: make(chan platform.ChatEvent, 4), sent: make(chan string, 4)}
}

func (f *fakeAdapter) Send(_ context.Context, _ identity.ChannelId, text string) error {
	f.sent <- text
	return nil
}
func (f *fakeAdapter) Join(context.Context, string) error  { return nil }
func (f *fakeAdapter) Leave(context.Context, string) error { return nil }
func (f *fakeAdapter) Events() <-chan platform.ChatEvent   { return f.events }
func (f *fakeAdapter) Run(ctx context.Context) error       { <-ctx.Done(); return ctx.Err() }

type fakeBroadcaster struct {
	published chan identity.ChannelId
}

func (f *fakeBroadcaster) Publish(channel identity.ChannelId) { f.published <- channel }

func testRegistryWithPing(mutates bool) *commands.Registry {
	r := commands.NewRegistry()
	r.RegisterPackage(commands.Package{
		Name: "test",
		Commands: []commands.PackageCommand{
			{DefaultAliases: []string{"ping"}, Command: commands.Command{
				Name:         "ping",
				Permission:   platform.PermEveryone,
				MutatesQueue: mutates,
				Execute:      func(commands.ExecCtx) (string, error) { return "pong", nil },
			}},
		},
	})
	return r
}

func TestLoopDispatchesAndRepliesAndBroadcasts(t *testing.T) {
	s := store.NewMockStore()
	channel := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	require.NoError(t, s.SaveChannelConfig(context.Background(), channel, store.ChannelConfig{
		Open: true, Size: 10, TeamSize: 1, Packages: []string{"test"},
	}))

	mgr := runtime.NewManager(testRegistryWithPing(true), s, nil)
	require.NoError(t, mgr.StartChannel(context.Background(), channel))

	adapter := newFakeAdapter()
	broadcaster := &fakeBroadcaster{published: make(chan identity.ChannelId, 1)}
	v := verifier.NewMockVerifier(nil)

	loop := &Loop{
		Runtimes:    mgr,
		Store:       s,
		Engine:      queue.New(s, v, nil),
		Verifier:    v,
		Adapters:    map[identity.Platform]platform.Adapter{identity.PlatformTwitch: adapter},
		Dedupe:      dedupe.New(time.Minute, 100),
		Broadcaster: broadcaster,
	}
	defer loop.Dedupe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)

	adapter.events <- platform.ChatEvent{
		Platform:  identity.PlatformTwitch,
		Channel:   "streamer",
		MessageID: "msg-1",
		Message:   "!ping",
		User:      &platform.ChatUser{Permission: platform.PermEveryone},
	}

	select {
	case got := <-adapter.sent:
		assert.Equal(t, "pong", got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}

	select {
	case got := <-broadcaster.published:
		assert.Equal(t, channel, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}
}

func TestLoopIgnoresDuplicateMessageID(t *testing.T) {
	s := store.NewMockStore()
	channel := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	require.NoError(t, s.SaveChannelConfig(context.Background(), channel, store.ChannelConfig{
		Open: true, Size: 10, TeamSize: 1, Packages: []string{"test"},
	}))

	mgr := runtime.NewManager(testRegistryWithPing(false), s, nil)
	require.NoError(t, mgr.StartChannel(context.Background(), channel))

	adapter := newFakeAdapter()
	v := verifier.NewMockVerifier(nil)
	loop := &Loop{
		Runtimes: mgr,
		Store:    s,
		Engine:   queue.New(s, v, nil),
		Verifier: v,
		Adapters: map[identity.Platform]platform.Adapter{identity.PlatformTwitch: adapter},
		Dedupe:   dedupe.New(time.Minute, 100),
	}
	defer loop.Dedupe.Close()

	loop.Dedupe.Mark("twitch:streamer:msg-1")

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	adapter.events <- platform.ChatEvent{
		Platform: identity.PlatformTwitch, Channel: "streamer",
		MessageID: "msg-1", Message: "!ping",
		User: &platform.ChatUser{Permission: platform.PermEveryone},
	}

	select {
	case got := <-adapter.sent:
		t.Fatalf("expected no reply for a duplicate message id, got %q", got)
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
}

func TestLoopSilentlyDropsUnconfiguredChannel(t *testing.T) {
	s := store.NewMockStore()
	mgr := runtime.NewManager(testRegistryWithPing(false), s, nil)
	adapter := newFakeAdapter()
	v := verifier.NewMockVerifier(nil)
	loop := &Loop{
		Runtimes: mgr,
		Store:    s,
		Engine:   queue.New(s, v, nil),
		Verifier: v,
		Adapters: map[identity.Platform]platform.Adapter{identity.PlatformTwitch: adapter},
		Dedupe:   dedupe.New(time.Minute, 100),
	}
	defer loop.Dedupe.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	adapter.events <- platform.ChatEvent{
		Platform: identity.PlatformTwitch, Channel: "unknown",
		MessageID: "msg-1", Message: "!ping",
		User: &platform.ChatUser{Permission: platform.PermEveryone},
	}

	select {
	case got := <-adapter.sent:
		t.Fatalf("expected no reply for an unconfigured channel, got %q", got)
	case <-time.After(200 * time.Millisecond):
	}
	cancel()
}
