// ABOUTME: Self-refreshing cache for Battle.net client-credential tokens
// ABOUTME: Serializes refresh so concurrent callers trigger at most one exchange

package armory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNotConfigured means no Battle.net client id/secret was configured.
var ErrNotConfigured = errors.New("battle.net credentials not configured")

// DefaultTokenURL is the Battle.net OAuth token endpoint.
const DefaultTokenURL = "https://oauth.battle.net/token"

// expiryMargin shortens each token's effective lifetime so a token is never
// handed out when it could expire mid-request.
const expiryMargin = 60 * time.Second

// cachedToken is one immutable refresh result. Readers load it atomically;
// only the refresh path swaps it.
type cachedToken struct {
	value     string
	expiresAt time.Time
}

// valid reports whether the token is still usable at the given instant.
func (t *cachedToken) valid(now time.Time) bool {
	return t != nil && now.Before(t.expiresAt)
}

// TokenSource caches one bearer token and refreshes it lazily on expiry.
// A nil *TokenSource is a valid "not configured" source.
type TokenSource struct {
	clientID     string
	clientSecret string
	tokenURL     string
	client       *http.Client
	logger       *slog.Logger

	current atomic.Pointer[cachedToken]

	// refreshMu makes the expired path a critical section: at most one
	// credential exchange is in flight regardless of how many callers race.
	refreshMu sync.Mutex

	// now is swappable for tests
	now func() time.Time
}

// NewTokenSource creates a TokenSource for the given client credentials.
// Returns nil if either credential is empty, which callers treat as
// "armory features disabled".
func NewTokenSource(clientID, clientSecret, tokenURL string, logger *slog.Logger) *TokenSource {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenSource{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger.With("component", "armory"),
		now:          time.Now,
	}
}

// Configured reports whether the source can issue tokens.
func (ts *TokenSource) Configured() bool {
	return ts != nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token returns a valid bearer token, refreshing it if the cached one has
// expired. The fast path is a lock-free read; the refresh path re-checks
// under the lock because another caller may have refreshed while this one
// waited. A failed refresh leaves any prior token untouched.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if ts == nil {
		return "", ErrNotConfigured
	}

	if t := ts.current.Load(); t.valid(ts.now()) {
		return t.value, nil
	}

	ts.refreshMu.Lock()
	defer ts.refreshMu.Unlock()

	// Re-check: a waiter that queued behind the refresher finds the fresh
	// token here instead of refreshing again.
	if t := ts.current.Load(); t.valid(ts.now()) {
		return t.value, nil
	}

	token, err := ts.refresh(ctx)
	if err != nil {
		return "", err
	}
	return token, nil
}

// refresh performs one client-credentials exchange. Must be called with
// refreshMu held.
func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("creating token request: %w", err)
	}
	req.SetBasicAuth(ts.clientID, ts.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{Endpoint: "oauth", Status: resp.StatusCode}
	}

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parsing oauth response: %w", err)
	}

	// Expire early; a reported lifetime at or under the margin counts as
	// already expired rather than negative.
	lifetime := time.Duration(parsed.ExpiresIn)*time.Second - expiryMargin
	if lifetime < 0 {
		lifetime = 0
	}

	now := ts.now()
	ts.current.Store(&cachedToken{
		value:     parsed.AccessToken,
		expiresAt: now.Add(lifetime),
	})
	ts.logger.Debug("refreshed battle.net token", "expires_in", parsed.ExpiresIn)

	return parsed.AccessToken, nil
}
