// ABOUTME: Twitch IRC adapter — static-credential login, badge-derived permissions, shared-chat suppression
// ABOUTME: Reconnects with exponential backoff capped at 2^6s, gives up after 25 failed attempts on its one shared connection

package twitch

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
)

const (
	ircAddr           = "irc.chat.twitch.tv:6697"
	maxReconnectTries = 25
	maxBackoffExp     = 6 // 2^6 seconds cap
)

// Adapter is the Twitch IRC platform.Adapter implementation.
type Adapter struct {
	botLogin   string
	oauthToken string

	mu       sync.Mutex
	conn     net.Conn
	joined   map[string]bool
	channels []string

	events chan platform.ChatEvent
	logger *slog.Logger
}

// New returns a Twitch adapter logging in with the given bot
// credentials. channels are joined once Run starts.
func New(botLogin, oauthToken string, channels []string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		botLogin:   botLogin,
		oauthToken: oauthToken,
		joined:     make(map[string]bool),
		channels:   channels,
		events:     make(chan platform.ChatEvent, 256),
		logger:     logger.With("component", "twitch-adapter"),
	}
}

func (a *Adapter) Events() <-chan platform.ChatEvent { return a.events }

// Run connects to Twitch IRC and reconnects with exponential backoff
// (2^n seconds, n capped at 6) up to 25 attempts, then gives up and
// logs the adapter as degraded (spec.md §7).
func (a *Adapter) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := a.connectAndRead(ctx); err != nil {
			attempt++
			a.logger.Warn("twitch connection dropped", "error", err, "attempt", attempt)
			if attempt >= maxReconnectTries {
				a.logger.Error("twitch adapter giving up after max reconnect attempts", "attempts", attempt)
				return fmt.Errorf("twitch adapter: giving up after %d attempts: %w", attempt, err)
			}
			backoffExp := attempt
			if backoffExp > maxBackoffExp {
				backoffExp = maxBackoffExp
			}
			delay := time.Duration(1<<uint(backoffExp)) * time.Second
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
	}
}

func (a *Adapter) connectAndRead(ctx context.Context) error {
	conn, err := tls.Dial("tcp", ircAddr, &tls.Config{})
	if err != nil {
		return fmt.Errorf("dialing twitch irc: %w", err)
	}
	defer conn.Close()

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()

	if err := a.login(conn); err != nil {
		return err
	}
	for _, ch := range a.channels {
		if err := a.joinLine(conn, ch); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	reader := bufio.NewReaderSize(conn, 8192)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("reading from twitch irc: %w", err)
		}
		a.handleLine(strings.TrimRight(line, "\r\n"))
	}
}

func (a *Adapter) login(conn net.Conn) error {
	lines := []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"PASS " + a.oauthToken,
		"NICK " + a.botLogin,
	}
	for _, l := range lines {
		if _, err := fmt.Fprintf(conn, "%s\r\n", l); err != nil {
			return fmt.Errorf("writing twitch login line: %w", err)
		}
	}
	return nil
}

func (a *Adapter) joinLine(conn net.Conn, channel string) error {
	_, err := fmt.Fprintf(conn, "JOIN #%s\r\n", channel)
	if err != nil {
		return fmt.Errorf("joining #%s: %w", channel, err)
	}
	a.mu.Lock()
	a.joined[channel] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) handleLine(line string) {
	if line == "" {
		return
	}
	msg, err := ircmsg.ParseLine(line)
	if err != nil {
		a.logger.Debug("failed to parse irc line", "error", err, "line", line)
		return
	}

	switch msg.Command {
	case "PING":
		a.respondPong(msg)
	case "PRIVMSG":
		a.handlePrivmsg(msg)
	}
}

func (a *Adapter) respondPong(msg ircmsg.Message) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return
	}
	arg := ""
	if len(msg.Params) > 0 {
		arg = msg.Params[0]
	}
	_, _ = fmt.Fprintf(conn, "PONG :%s\r\n", arg)
}

// handlePrivmsg normalizes a Twitch PRIVMSG into a ChatEvent, dropping
// shared-chat forwards where room-id and source-room-id both exist
// but differ (spec.md §4.5).
func (a *Adapter) handlePrivmsg(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	channel := strings.TrimPrefix(msg.Params[0], "#")
	text := msg.Params[1]

	roomID := tagValue(msg, "room-id")
	sourceRoomID := tagValue(msg, "source-room-id")
	if roomID != "" && sourceRoomID != "" && roomID != sourceRoomID {
		return
	}

	userID := tagValue(msg, "user-id")
	login := msg.Source
	if idx := strings.IndexByte(login, '!'); idx >= 0 {
		login = login[:idx]
	}
	display := tagValue(msg, "display-name")
	if display == "" {
		display = login
	}

	var user *platform.ChatUser
	if userID != "" {
		user = &platform.ChatUser{
			Identity:   identity.UserId{Platform: identity.PlatformTwitch, PlatformUserID: userID},
			Login:      login,
			Display:    display,
			Permission: badgePermission(tagValue(msg, "badges")),
		}
	}

	a.events <- platform.ChatEvent{
		Platform:      identity.PlatformTwitch,
		Channel:       channel,
		MessageID:     tagValue(msg, "id"),
		Message:       text,
		BroadcasterID: roomID,
		User:          user,
	}
}

// badgePermission derives a Permission from Twitch's "badges" tag
// value (e.g. "broadcaster/1,subscriber/12"), honoring the priority
// order broadcaster > lead_moderator > moderator > vip > subscriber >
// everyone (spec.md §4.5).
func badgePermission(badges string) platform.Permission {
	set := make(map[string]bool)
	for _, b := range strings.Split(badges, ",") {
		name, _, _ := strings.Cut(b, "/")
		if name != "" {
			set[name] = true
		}
	}
	switch {
	case set["broadcaster"]:
		return platform.PermBroadcaster
	case set["lead_moderator"]:
		return platform.PermLeadModerator
	case set["moderator"]:
		return platform.PermModerator
	case set["vip"]:
		return platform.PermVIP
	case set["subscriber"], set["founder"]:
		return platform.PermSubscriber
	default:
		return platform.PermEveryone
	}
}

func tagValue(msg ircmsg.Message, key string) string {
	if msg.Tags == nil {
		return ""
	}
	v, ok := msg.Tags[key]
	if !ok || !v.HasValue {
		return ""
	}
	return v.Value
}

func (a *Adapter) Join(ctx context.Context, channel string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("twitch adapter: not connected")
	}
	return a.joinLine(conn, channel)
}

func (a *Adapter) Leave(ctx context.Context, channel string) error {
	a.mu.Lock()
	conn := a.conn
	delete(a.joined, channel)
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("twitch adapter: not connected")
	}
	_, err := fmt.Fprintf(conn, "PART #%s\r\n", channel)
	return err
}

// Send truncates text defensively; Twitch doesn't document a hard
// limit but IRC lines have one.
func (a *Adapter) Send(ctx context.Context, channel identity.ChannelId, text string) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("twitch adapter: not connected")
	}
	if len(text) > 450 {
		text = text[:450]
	}
	_, err := fmt.Fprintf(conn, "PRIVMSG #%s :%s\r\n", channel.Channel, text)
	if err != nil {
		return fmt.Errorf("sending twitch message to %s: %w", channel, err)
	}
	return nil
}

// CheckFollower calls the Twitch Helix follower endpoint for
// broadcasterID/userID using appToken, fail-opening (returning true)
// on any transport error per spec.md §4.6/§9.
func CheckFollower(ctx context.Context, clientID, appToken, broadcasterID, userID string) (bool, error) {
	url := fmt.Sprintf("https://api.twitch.tv/helix/channels/followers?broadcaster_id=%s&user_id=%s", broadcasterID, userID)
	req, err := newAuthorizedRequest(ctx, url, clientID, appToken)
	if err != nil {
		return true, err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("follower check transport error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return true, fmt.Errorf("follower check returned %d", resp.StatusCode)
	}

	var body struct {
		Total int `json:"total"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return true, err
	}
	return body.Total > 0, nil
}
