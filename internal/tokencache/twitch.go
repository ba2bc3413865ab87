// ABOUTME: Twitch app token cache (client-credentials grant)
// ABOUTME: Double-checked RWMutex: read-lock fast path, write-lock slow path on expiry

package tokencache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const twitchTokenURL = "https://id.twitch.tv/oauth2/token"

// TwitchAppToken caches a Twitch client-credentials app access token,
// refreshing it lazily on expiry. It is safe for concurrent use.
type TwitchAppToken struct {
	mu     sync.RWMutex
	access string
	expiry time.Time

	clientID     string
	clientSecret string
	httpClient   *http.Client
}

// NewTwitchAppToken returns a token cache for the given app credentials.
func NewTwitchAppToken(clientID, clientSecret string) *TwitchAppToken {
	return &TwitchAppToken{
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Get returns a valid app access token, refreshing it if the cached
// one is missing or expired.
func (t *TwitchAppToken) Get(ctx context.Context) (string, error) {
	t.mu.RLock()
	if t.access != "" && time.Now().Before(t.expiry) {
		access := t.access
		t.mu.RUnlock()
		return access, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Re-check: another goroutine may have refreshed while we waited
	// for the write lock.
	if t.access != "" && time.Now().Before(t.expiry) {
		return t.access, nil
	}

	access, expiresIn, err := t.requestToken(ctx)
	if err != nil {
		return "", err
	}
	t.access = access
	t.expiry = time.Now().Add(time.Duration(expiresIn) * time.Second)
	return t.access, nil
}

type twitchTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (t *TwitchAppToken) requestToken(ctx context.Context) (string, int, error) {
	form := url.Values{
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
		"grant_type":    {"client_credentials"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, twitchTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("building twitch token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("requesting twitch app token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", 0, fmt.Errorf("twitch token endpoint returned %d", resp.StatusCode)
	}

	var out twitchTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, fmt.Errorf("decoding twitch token response: %w", err)
	}
	return out.AccessToken, out.ExpiresIn, nil
}
