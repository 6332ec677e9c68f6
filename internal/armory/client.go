// ABOUTME: WoW Classic character profile client
// ABOUTME: Fetches name, level, race and class for a named character

package armory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UpstreamError is a non-2xx response from a Battle.net endpoint.
type UpstreamError struct {
	Endpoint string
	Status   int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("battle.net %s returned status %d", e.Endpoint, e.Status)
}

// CharacterNotFoundError means the named character does not exist on the
// configured realm. Semantic, not a fault: callers report it differently
// from transient upstream failures.
type CharacterNotFoundError struct {
	Name string
}

func (e *CharacterNotFoundError) Error() string {
	return fmt.Sprintf("character %q not found", e.Name)
}

// CharacterProfile is the slice of the profile API response the bot uses.
type CharacterProfile struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
	Race  struct {
		Name string `json:"name"`
	} `json:"race"`
	Class struct {
		Name string `json:"name"`
	} `json:"character_class"`
}

// Description renders the race/class pair, e.g. "Orc Warrior".
func (p *CharacterProfile) Description() string {
	return p.Race.Name + " " + p.Class.Name
}

// Client fetches character profiles. A nil *Client means armory features
// are disabled.
type Client struct {
	apiBase   string
	realm     string
	namespace string
	locale    string
	tokens    *TokenSource
	client    *http.Client
}

// ClientConfig carries the profile API coordinates.
type ClientConfig struct {
	APIBase   string // e.g. https://us.api.blizzard.com
	Realm     string // realm slug, e.g. nightslayer
	Namespace string // e.g. profile-classicann-us
	Locale    string // e.g. en_US
}

// NewClient creates a profile client on top of a token source. Returns nil
// when the token source is nil so the disabled state propagates.
func NewClient(cfg ClientConfig, tokens *TokenSource) *Client {
	if tokens == nil {
		return nil
	}
	return &Client{
		apiBase:   strings.TrimSuffix(cfg.APIBase, "/"),
		realm:     cfg.Realm,
		namespace: cfg.Namespace,
		locale:    cfg.Locale,
		tokens:    tokens,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether the client can issue lookups.
func (c *Client) Configured() bool {
	return c != nil
}

// Character fetches the profile for a named character. Token errors pass
// through verbatim; a 404 becomes CharacterNotFoundError.
func (c *Client) Character(ctx context.Context, name string) (*CharacterProfile, error) {
	if c == nil {
		return nil, ErrNotConfigured
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/profile/wow/character/%s/%s?namespace=%s&locale=%s",
		c.apiBase,
		url.PathEscape(c.realm),
		url.PathEscape(strings.ToLower(name)),
		url.QueryEscape(c.namespace),
		url.QueryEscape(c.locale),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, &CharacterNotFoundError{Name: name}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Endpoint: "profile", Status: resp.StatusCode}
	}

	var profile CharacterProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("parsing profile response: %w", err)
	}
	return &profile, nil
}
