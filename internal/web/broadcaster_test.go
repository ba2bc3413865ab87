package web

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
)

func TestEventBroadcasterDeliversToSubscriber(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	channel := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, _ := b.Subscribe(ctx, channel)
	b.Publish(channel)

	select {
	case ev := <-events:
		assert.Equal(t, "queue_updated", ev.Type)
		assert.Equal(t, channel, ev.Channel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEventBroadcasterPublishConfigCarriesOpenState(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	channel := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "streamer"}
	events, _ := b.Subscribe(context.Background(), channel)
	b.PublishConfig(channel, true)

	select {
	case ev := <-events:
		assert.Equal(t, "config_updated", ev.Type)
		require.NotNil(t, ev.Open)
		assert.True(t, *ev.Open)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestEventBroadcasterIgnoresOtherChannels(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	subscribed := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "a"}
	other := identity.ChannelId{Platform: identity.PlatformTwitch, Channel: "b"}
	events, _ := b.Subscribe(context.Background(), subscribed)

	b.Publish(other)

	select {
	case ev := <-events:
		t.Fatalf("expected no event for a different channel, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBroadcasterUnsubscribeOnContextCancel(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()

	channel := identity.ChannelId{Platform: identity.PlatformKick, Channel: "streamer"}
	ctx, cancel := context.WithCancel(context.Background())
	events, _ := b.Subscribe(ctx, channel)
	cancel()

	require.Eventually(t, func() bool {
		_, ok := <-events
		return !ok
	}, time.Second, 10*time.Millisecond)
}
