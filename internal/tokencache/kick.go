// ABOUTME: Kick OAuth token cache: authorization-code + PKCE, persisted refresh token
// ABOUTME: get_access_token falls back to a stale-but-present token with a warning rather than failing outright

package tokencache

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	kickAuthorizeURL = "https://id.kick.com/oauth/authorize"
	kickTokenURL     = "https://id.kick.com/oauth/token"

	// kickExpirySkew is subtracted from expires_at when deciding
	// whether the cached token is still fresh (spec.md §4.7).
	kickExpirySkew = 30 * time.Second
)

type pendingAuth struct {
	verifier string
	redirect string
}

// KickTokenCache caches a Kick user access token obtained via
// authorization-code + PKCE and persists the refresh+access token
// pair to disk so the gateway doesn't need re-authorization on
// restart.
type KickTokenCache struct {
	mu           sync.RWMutex
	path         string
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	pending sync.Map // state string -> pendingAuth

	clientID, clientSecret string
	httpClient             *http.Client
	logger                 *slog.Logger
}

// NewKickTokenCache returns a cache that persists tokens to path,
// loading any previously-saved tokens immediately.
func NewKickTokenCache(clientID, clientSecret, path string, logger *slog.Logger) *KickTokenCache {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KickTokenCache{
		path:         path,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       logger.With("component", "kick-token-cache"),
	}
	if err := k.load(); err != nil {
		k.logger.Warn("no persisted kick tokens loaded", "error", err)
	}
	return k
}

type persistedTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (k *KickTokenCache) load() error {
	data, err := os.ReadFile(k.path)
	if err != nil {
		return err
	}
	var p persistedTokens
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parsing persisted kick tokens: %w", err)
	}
	k.mu.Lock()
	k.accessToken = p.AccessToken
	k.refreshToken = p.RefreshToken
	k.mu.Unlock()
	return nil
}

func (k *KickTokenCache) persist() error {
	if err := os.MkdirAll(filepath.Dir(k.path), 0o750); err != nil {
		return fmt.Errorf("creating kick token directory: %w", err)
	}
	blob, err := json.Marshal(persistedTokens{AccessToken: k.accessToken, RefreshToken: k.refreshToken})
	if err != nil {
		return fmt.Errorf("marshaling kick tokens: %w", err)
	}
	if err := os.WriteFile(k.path, blob, 0o600); err != nil {
		return fmt.Errorf("writing kick token file: %w", err)
	}
	return nil
}

// BuildAuthorizeURL generates a fresh PKCE verifier+state pair, stores
// it in the pending map, and returns the authorize URL to send the
// broadcaster to.
func (k *KickTokenCache) BuildAuthorizeURL(redirect, scope string) (string, error) {
	state, err := randomURLSafe(16)
	if err != nil {
		return "", fmt.Errorf("generating state: %w", err)
	}
	verifier, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("generating verifier: %w", err)
	}

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	k.pending.Store(state, pendingAuth{verifier: verifier, redirect: redirect})

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {k.clientID},
		"redirect_uri":          {redirect},
		"scope":                 {scope},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return kickAuthorizeURL + "?" + q.Encode(), nil
}

// ExchangeCode completes the PKCE flow: pops the pending verifier for
// state, exchanges the authorization code for tokens, and persists
// them to disk.
func (k *KickTokenCache) ExchangeCode(ctx context.Context, code, state string) error {
	v, ok := k.pending.LoadAndDelete(state)
	if !ok {
		return fmt.Errorf("kick oauth: unknown or expired state %q", state)
	}
	pending := v.(pendingAuth)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {k.clientID},
		"client_secret": {k.clientSecret},
		"redirect_uri":  {pending.redirect},
		"code":          {code},
		"code_verifier": {pending.verifier},
	}

	tok, err := k.requestToken(ctx, form)
	if err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = tok.AccessToken
	k.refreshToken = tok.RefreshToken
	k.expiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return k.persist()
}

// GetAccessToken returns a usable access token: the cached one if
// still fresh, else a freshly refreshed one, else the last-known
// token with a logged warning, else an error.
func (k *KickTokenCache) GetAccessToken(ctx context.Context) (string, error) {
	k.mu.RLock()
	access, refresh, expiry := k.accessToken, k.refreshToken, k.expiresAt
	k.mu.RUnlock()

	if access != "" && time.Now().Before(expiry.Add(-kickExpirySkew)) {
		return access, nil
	}

	if refresh != "" {
		if newAccess, err := k.refresh(ctx, refresh); err == nil {
			return newAccess, nil
		} else {
			k.logger.Warn("kick token refresh failed", "error", err)
		}
	}

	if access != "" {
		k.logger.Warn("returning stale kick access token; refresh unavailable")
		return access, nil
	}

	return "", fmt.Errorf("kick token cache: no access token available and refresh failed")
}

func (k *KickTokenCache) refresh(ctx context.Context, refreshToken string) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {k.clientID},
		"client_secret": {k.clientSecret},
		"refresh_token": {refreshToken},
	}

	tok, err := k.requestToken(ctx, form)
	if err != nil {
		return "", err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		k.refreshToken = tok.RefreshToken
	}
	k.expiresAt = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	if err := k.persist(); err != nil {
		k.logger.Warn("failed to persist refreshed kick tokens", "error", err)
	}
	return k.accessToken, nil
}

type kickTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (k *KickTokenCache) requestToken(ctx context.Context, form url.Values) (*kickTokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, kickTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building kick token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := k.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting kick token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("kick token endpoint returned %d", resp.StatusCode)
	}

	var out kickTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding kick token response: %w", err)
	}
	return &out, nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
