// ABOUTME: EventBroadcaster — in-memory SSE fan-out, keyed by channel instead of conversation key
// ABOUTME: Grounded on internal/conversation/broadcaster.go, nearly verbatim subscribe/publish shape

package web

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
)

// subscriberBufferSize matches the teacher's chatHub-derived sizing.
const subscriberBufferSize = 64

// Event is the payload a subscriber receives. Type is one of
// "queue_updated" or "config_updated" (spec.md §4.8); Channel
// identifies which overlay it applies to. Open is only set on
// "config_updated" events raised by a queue open/close toggle.
type Event struct {
	Type    string             `json:"type"`
	Channel identity.ChannelId `json:"channel"`
	Open    *bool              `json:"open,omitempty"`
}

// EventBroadcaster provides in-memory pub/sub for queue-mutation
// events, so every open overlay for a channel learns about a mutation
// without polling (spec.md §4.8).
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[identity.ChannelId]map[string]chan Event
	logger      *slog.Logger
}

// NewEventBroadcaster returns a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[identity.ChannelId]map[string]chan Event),
		logger:      logger.With("component", "web-broadcaster"),
	}
}

// Subscribe registers a subscriber for channel's events. The
// subscription is automatically cleaned up when ctx is canceled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, channel identity.ChannelId) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[channel]; !ok {
		b.subscribers[channel] = make(map[string]chan Event)
	}
	b.subscribers[channel][subID] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.Unsubscribe(channel, subID)
	}()

	return ch, subID
}

// Publish sends a "queue_updated" event to every subscriber of channel.
// Non-blocking: a slow subscriber whose buffer is full simply misses
// this event.
func (b *EventBroadcaster) Publish(channel identity.ChannelId) {
	b.publish(Event{Type: "queue_updated", Channel: channel})
}

// PublishConfig sends a "config_updated" event carrying the queue's new
// open/closed state, raised by the open/close toggle (spec.md §4.8).
func (b *EventBroadcaster) PublishConfig(channel identity.ChannelId, open bool) {
	b.publish(Event{Type: "config_updated", Channel: channel, Open: &open})
}

func (b *EventBroadcaster) publish(event Event) {
	b.mu.RLock()
	subs, ok := b.subscribers[event.Channel]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	targets := make([]chan Event, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "channel", event.Channel.String())
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(channel identity.ChannelId, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[channel]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}
	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, channel)
	}
}

// Close shuts down the broadcaster, closing every subscriber channel.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, channel)
	}
}
