// ABOUTME: Platform, ChannelId and UserId composite key types.
// ABOUTME: All three round-trip through String()/Parse* and bind directly to pgx query args.

package identity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Platform identifies which chat service a channel or user belongs to.
type Platform int

const (
	PlatformTwitch Platform = iota
	PlatformKick
	PlatformObs
)

func (p Platform) String() string {
	switch p {
	case PlatformTwitch:
		return "twitch"
	case PlatformKick:
		return "kick"
	case PlatformObs:
		return "obs"
	default:
		return fmt.Sprintf("platform(%d)", int(p))
	}
}

// ParsePlatform parses the lowercase platform name used in ChannelId/UserId strings.
func ParsePlatform(s string) (Platform, error) {
	switch s {
	case "twitch":
		return PlatformTwitch, nil
	case "kick":
		return PlatformKick, nil
	case "obs":
		return PlatformObs, nil
	default:
		return 0, fmt.Errorf("identity: unknown platform %q", s)
	}
}

// ChannelId identifies a single chat channel on a single platform.
// String form is "platform:channel", e.g. "twitch:somestreamer".
type ChannelId struct {
	Platform Platform
	Channel  string
}

// ParseChannelId parses the "platform:channel" wire form.
func ParseChannelId(s string) (ChannelId, error) {
	platform, rest, err := splitOnce(s)
	if err != nil {
		return ChannelId{}, fmt.Errorf("identity: parsing channel id %q: %w", s, err)
	}
	p, err := ParsePlatform(platform)
	if err != nil {
		return ChannelId{}, fmt.Errorf("identity: parsing channel id %q: %w", s, err)
	}
	if rest == "" {
		return ChannelId{}, fmt.Errorf("identity: parsing channel id %q: empty channel", s)
	}
	if strings.Contains(rest, ":") {
		return ChannelId{}, fmt.Errorf("identity: parsing channel id %q: channel contains ':'", s)
	}
	return ChannelId{Platform: p, Channel: strings.ToLower(rest)}, nil
}

func (c ChannelId) String() string {
	return c.Platform.String() + ":" + c.Channel
}

// Scan implements sql.Scanner so ChannelId can be read directly from pgx rows.
func (c *ChannelId) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseChannelId(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Value implements driver.Valuer so ChannelId can be passed directly as a query arg.
func (c ChannelId) Value() (driver.Value, error) {
	return c.String(), nil
}

// MarshalJSON renders ChannelId as its "platform:channel" wire form,
// so the overlay API returns the same compact string a pgx column holds.
func (c ChannelId) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON parses ChannelId from its "platform:channel" wire form.
func (c *ChannelId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseChannelId(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// UserId identifies a single user account on a single platform.
// String form is "platform:platform_user_id".
type UserId struct {
	Platform       Platform
	PlatformUserID string
}

// ParseUserId parses the "platform:id" wire form.
func ParseUserId(s string) (UserId, error) {
	platform, rest, err := splitOnce(s)
	if err != nil {
		return UserId{}, fmt.Errorf("identity: parsing user id %q: %w", s, err)
	}
	p, err := ParsePlatform(platform)
	if err != nil {
		return UserId{}, fmt.Errorf("identity: parsing user id %q: %w", s, err)
	}
	if rest == "" {
		return UserId{}, fmt.Errorf("identity: parsing user id %q: empty id", s)
	}
	if strings.Contains(rest, ":") {
		return UserId{}, fmt.Errorf("identity: parsing user id %q: id contains ':'", s)
	}
	return UserId{Platform: p, PlatformUserID: rest}, nil
}

func (u UserId) String() string {
	return u.Platform.String() + ":" + u.PlatformUserID
}

func (u *UserId) Scan(src any) error {
	s, err := scanString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseUserId(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

func (u UserId) Value() (driver.Value, error) {
	return u.String(), nil
}

// MarshalJSON renders UserId as its "platform:id" wire form.
func (u UserId) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

// UnmarshalJSON parses UserId from its "platform:id" wire form.
func (u *UserId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseUserId(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// splitOnce splits "platform:value" into its two segments. The value
// segment may not itself be empty-checked here; callers validate that.
func splitOnce(s string) (platform, rest string, err error) {
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing ':' separator")
	}
	return s[:idx], s[idx+1:], nil
}

func scanString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("identity: cannot scan %T", src)
	}
}
