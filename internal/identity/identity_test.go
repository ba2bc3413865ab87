package identity

import "testing"

func TestChannelId_RoundTrip(t *testing.T) {
	cases := []string{"twitch:somestreamer", "kick:otherstreamer", "obs:overlaychannel"}
	for _, s := range cases {
		c, err := ParseChannelId(s)
		if err != nil {
			t.Fatalf("ParseChannelId(%q) error: %v", s, err)
		}
		if got := c.String(); got != s {
			t.Errorf("round trip: got %q, want %q", got, s)
		}
	}
}

func TestChannelId_Errors(t *testing.T) {
	cases := []string{"", "twitch", "bogus:channel", "twitch:"}
	for _, s := range cases {
		if _, err := ParseChannelId(s); err == nil {
			t.Errorf("ParseChannelId(%q) expected error, got nil", s)
		}
	}
}

func TestChannelId_Lowercased(t *testing.T) {
	c, err := ParseChannelId("twitch:SomeStreamer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Channel != "somestreamer" {
		t.Errorf("Channel = %q, want lowercased", c.Channel)
	}
}

func TestUserId_RoundTrip(t *testing.T) {
	s := "twitch:123456"
	u, err := ParseUserId(s)
	if err != nil {
		t.Fatalf("ParseUserId error: %v", err)
	}
	if got := u.String(); got != s {
		t.Errorf("round trip: got %q, want %q", got, s)
	}
}

func TestUserId_ScanValue(t *testing.T) {
	var u UserId
	if err := u.Scan("kick:99"); err != nil {
		t.Fatalf("Scan error: %v", err)
	}
	if u.Platform != PlatformKick || u.PlatformUserID != "99" {
		t.Errorf("Scan result = %+v", u)
	}
	v, err := u.Value()
	if err != nil {
		t.Fatalf("Value error: %v", err)
	}
	if v != "kick:99" {
		t.Errorf("Value = %v, want kick:99", v)
	}
}

func TestParsePlatform(t *testing.T) {
	if _, err := ParsePlatform("bogus"); err == nil {
		t.Error("expected error for unknown platform")
	}
	p, err := ParsePlatform("twitch")
	if err != nil || p != PlatformTwitch {
		t.Errorf("ParsePlatform(twitch) = %v, %v", p, err)
	}
}
