// ABOUTME: Kick Pusher-compatible WebSocket adapter + REST send with the 500-retry dance
// ABOUTME: One reconnecting goroutine per channel; fixed 3s backoff since Pusher reconnects are cheap

package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
)

const (
	pusherURL        = "wss://ws-us2.pusher.com/app/32cbd69e4b950bf97679?protocol=7&client=js&version=8.4.0&flash=false"
	reconnectDelay   = 3 * time.Second
	chatSendEndpoint = "https://api.kick.com/public/v1/chat"
	maxContentRunes  = 500
)

// AccessTokenSource supplies a fresh Kick API bearer token on demand.
type AccessTokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Adapter is the Kick platform.Adapter implementation.
type Adapter struct {
	tokens AccessTokenSource

	mu             sync.Mutex
	chatroomByName map[string]int64
	broadcasterID  map[string]int64 // channel slug -> broadcaster user id, cleared on 500

	events     chan platform.ChatEvent
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a Kick adapter that authorizes outbound sends through tokens.
func New(tokens AccessTokenSource, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		tokens:         tokens,
		chatroomByName: make(map[string]int64),
		broadcasterID:  make(map[string]int64),
		events:         make(chan platform.ChatEvent, 256),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		logger:         logger.With("component", "kick-adapter"),
	}
}

func (a *Adapter) Events() <-chan platform.ChatEvent { return a.events }

// Run blocks until ctx is done. The per-channel reconnecting reader
// goroutines are started by Join, not by Run.
func (a *Adapter) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Join starts a dedicated reconnecting WebSocket reader for the given
// channel slug. It returns immediately; the reader runs in the
// background until ctx (passed to the enclosing Run) is cancelled.
func (a *Adapter) Join(ctx context.Context, channel string) error {
	go a.readLoop(ctx, channel)
	return nil
}

func (a *Adapter) Leave(ctx context.Context, channel string) error {
	// The read goroutine exits on its own once ctx (shared with Run)
	// is cancelled; there is no per-channel cancellation in the Pusher
	// model (spec.md §5).
	a.mu.Lock()
	delete(a.chatroomByName, channel)
	a.mu.Unlock()
	return nil
}

// readLoop implements the "dial; wait for connection_established;
// subscribe; read until error; sleep 3s; retry" shape (spec.md §4.5).
func (a *Adapter) readLoop(ctx context.Context, channel string) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := a.connectOnce(ctx, channel); err != nil {
			a.logger.Warn("kick socket error, reconnecting", "channel", channel, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (a *Adapter) connectOnce(ctx context.Context, channel string) error {
	chatroomID, err := a.resolveChatroom(ctx, channel)
	if err != nil {
		return fmt.Errorf("resolving chatroom for %s: %w", channel, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, pusherURL, nil)
	if err != nil {
		return fmt.Errorf("dialing pusher: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := a.waitForConnectionEstablished(conn); err != nil {
		return err
	}
	if err := a.subscribe(conn, chatroomID); err != nil {
		return err
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading pusher frame: %w", err)
		}
		a.handleFrame(channel, raw)
	}
}

type pusherFrame struct {
	Event   string `json:"event"`
	Data    string `json:"data"`
	Channel string `json:"channel,omitempty"`
}

func (a *Adapter) waitForConnectionEstablished(conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("waiting for connection_established: %w", err)
	}
	var frame pusherFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("parsing initial pusher frame: %w", err)
	}
	if frame.Event != "pusher:connection_established" {
		// Treated as a normal connect per spec.md §5; proceed to subscribe anyway.
		return nil
	}
	return nil
}

func (a *Adapter) subscribe(conn *websocket.Conn, chatroomID int64) error {
	data, _ := json.Marshal(map[string]string{"channel": fmt.Sprintf("chatrooms.%d.v2", chatroomID)})
	frame := pusherFrame{Event: "pusher:subscribe", Data: string(data)}
	return conn.WriteJSON(frame)
}

func (a *Adapter) handleFrame(channel string, raw []byte) {
	var frame pusherFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	switch frame.Event {
	case "App\\Events\\ChatMessageEvent":
		a.handleChatMessage(channel, frame.Data)
	}
}

type kickBadge struct {
	Type string `json:"type"`
}

type kickChatMessage struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  struct {
		ID       int64       `json:"id"`
		Username string      `json:"username"`
		Identity struct {
			Badges []kickBadge `json:"badges"`
		} `json:"identity"`
	} `json:"sender"`
}

func (a *Adapter) handleChatMessage(channel, data string) {
	var msg kickChatMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		a.logger.Debug("failed to parse kick chat message", "error", err)
		return
	}

	display := msg.Sender.Username
	user := &platform.ChatUser{
		Identity:   identity.UserId{Platform: identity.PlatformKick, PlatformUserID: strconv.FormatInt(msg.Sender.ID, 10)},
		Login:      msg.Sender.Username,
		Display:    display,
		Permission: badgePermission(msg.Sender.Identity.Badges),
	}

	a.events <- platform.ChatEvent{
		Platform:  identity.PlatformKick,
		Channel:   channel,
		MessageID: msg.ID,
		Message:   msg.Content,
		User:      user,
	}
}

// badgePermission derives a Permission from Kick's badge objects,
// honoring the same priority order as Twitch (spec.md §4.5).
func badgePermission(badges []kickBadge) platform.Permission {
	set := make(map[string]bool, len(badges))
	for _, b := range badges {
		set[b.Type] = true
	}
	switch {
	case set["broadcaster"]:
		return platform.PermBroadcaster
	case set["moderator"]:
		return platform.PermModerator
	case set["vip"]:
		return platform.PermVIP
	case set["subscriber"]:
		return platform.PermSubscriber
	default:
		return platform.PermEveryone
	}
}

type kickChannelResponse struct {
	Chatroom struct {
		ID int64 `json:"id"`
	} `json:"chatroom"`
	User struct {
		ID int64 `json:"id"`
	} `json:"user"`
}

// resolveChatroom looks up a channel slug's chatroom id (caching it)
// and caches the broadcaster's user id for outbound sends.
func (a *Adapter) resolveChatroom(ctx context.Context, slug string) (int64, error) {
	a.mu.Lock()
	if id, ok := a.chatroomByName[slug]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	info, err := a.fetchChannel(ctx, slug)
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	a.chatroomByName[slug] = info.Chatroom.ID
	a.broadcasterID[slug] = info.User.ID
	a.mu.Unlock()
	return info.Chatroom.ID, nil
}

func (a *Adapter) fetchChannel(ctx context.Context, slug string) (*kickChannelResponse, error) {
	u := fmt.Sprintf("https://kick.com/api/v2/channels/%s", url.PathEscape(slug))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building channel lookup request: %w", err)
	}
	// Kick's unauthenticated channel endpoint gates on a browser-like UA + referer (spec.md §6).
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36")
	req.Header.Set("Referer", "https://kick.com/"+slug)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching kick channel %s: %w", slug, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("kick channel lookup for %s returned %d", slug, resp.StatusCode)
	}

	var out kickChannelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding kick channel response: %w", err)
	}
	return &out, nil
}

// Send posts a chat message, trimmed to 500 runes, retrying the
// specific 500 dance described in spec.md §4.5/§8 scenario 6: drop
// cached broadcaster id and retry as user payload, then retry once
// more as a bot payload.
func (a *Adapter) Send(ctx context.Context, channel identity.ChannelId, text string) error {
	slug := channel.Channel
	content := trimToRunes(text, maxContentRunes)

	a.mu.Lock()
	broadcasterID, haveBroadcaster := a.broadcasterID[slug]
	a.mu.Unlock()

	if haveBroadcaster {
		status, body, err := a.postChat(ctx, content, &broadcasterID)
		if err == nil && status < 500 {
			return statusToError(status, body)
		}
	}

	// Drop cache, re-resolve, retry once as user payload.
	a.mu.Lock()
	delete(a.broadcasterID, slug)
	a.mu.Unlock()

	if info, err := a.fetchChannel(ctx, slug); err == nil {
		a.mu.Lock()
		a.broadcasterID[slug] = info.User.ID
		a.mu.Unlock()

		status, body, err := a.postChat(ctx, content, &info.User.ID)
		if err != nil {
			return err
		}
		if status < 500 {
			return statusToError(status, body)
		}
	}

	// Final fallback: bot payload, no broadcaster id.
	status, body, err := a.postChat(ctx, content, nil)
	if err != nil {
		return err
	}
	return statusToError(status, body)
}

func (a *Adapter) postChat(ctx context.Context, content string, broadcasterID *int64) (int, string, error) {
	token, err := a.tokens.GetAccessToken(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("getting kick access token: %w", err)
	}

	payload := map[string]any{"content": content}
	if broadcasterID != nil {
		payload["type"] = "user"
		payload["broadcaster_user_id"] = *broadcasterID
	} else {
		payload["type"] = "bot"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("marshaling kick chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatSendEndpoint, jsonReader(body))
	if err != nil {
		return 0, "", fmt.Errorf("building kick chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("sending kick chat message: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := readAll(resp)
	return resp.StatusCode, respBody, nil
}

func statusToError(status int, body string) error {
	if status >= 400 {
		return fmt.Errorf("kick chat send failed: status %d: %s", status, body)
	}
	return nil
}

func trimToRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
