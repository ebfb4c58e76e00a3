// Package oauth2 talks to the identity provider's token endpoint: the client-credentials
// grant for management API tokens (cached, refreshed ahead of expiry) and the
// resource-owner password grant used by login.
package oauth2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	bustrack "github.com/chimerakang/bustrack-api"
)

// TokenStore shares management tokens between processes. Get returns (nil, nil) on a miss.
type TokenStore interface {
	Get(ctx context.Context, key string) (*bustrack.OAuth2Token, error)
	Set(ctx context.Context, key string, token *bustrack.OAuth2Token, ttl time.Duration) error
}

// Exchanger implements bustrack.OAuth2TokenExchanger against an HTTP token endpoint.
type Exchanger struct {
	clientID      string
	clientSecret  string
	tokenURL      string
	audience      string
	refreshBuffer time.Duration
	httpClient    *http.Client
	store         TokenStore
	logger        *slog.Logger

	mu    sync.RWMutex
	token *bustrack.OAuth2Token

	sf singleflight.Group
}

var _ bustrack.OAuth2TokenExchanger = (*Exchanger)(nil)

// Option configures the Exchanger.
type Option func(*Exchanger)

// WithHTTPClient sets a custom HTTP client for token requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) { e.httpClient = c }
}

// WithRefreshBuffer sets how long before expiry to refresh the token.
func WithRefreshBuffer(d time.Duration) Option {
	return func(e *Exchanger) { e.refreshBuffer = d }
}

// WithAudience sets the audience parameter sent with every grant.
func WithAudience(aud string) Option {
	return func(e *Exchanger) { e.audience = aud }
}

// WithStore shares cached tokens through an external store.
func WithStore(s TokenStore) Option {
	return func(e *Exchanger) { e.store = s }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Exchanger) { e.logger = l }
}

// New creates a token exchanger for the given client.
func New(clientID, clientSecret, tokenURL string, opts ...Option) *Exchanger {
	e := &Exchanger{
		clientID:      clientID,
		clientSecret:  clientSecret,
		tokenURL:      tokenURL,
		refreshBuffer: 5 * time.Minute,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// tokenResponse is the raw JSON response from the token endpoint.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int32  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// TokenError is a rejection from the token endpoint.
type TokenError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *TokenError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("oauth2: token endpoint returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("oauth2: token endpoint returned %d: %s", e.StatusCode, e.Code)
}

// Description returns the provider's human-readable reason.
func (e *TokenError) Description() string { return e.Message }

// post submits a grant and decodes the token response.
func (e *Exchanger) post(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth2: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth2: token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("oauth2: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var raw struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		_ = json.Unmarshal(body, &raw)
		if raw.Error == "" {
			raw.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &TokenError{StatusCode: resp.StatusCode, Code: raw.Error, Message: raw.ErrorDescription}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("oauth2: decode response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("oauth2: empty access_token in response")
	}
	return &tr, nil
}

// ExchangeToken requests a new access token using client credentials.
func (e *Exchanger) ExchangeToken(ctx context.Context, scopes []string) (*bustrack.OAuth2Token, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {e.clientID},
		"client_secret": {e.clientSecret},
	}
	if e.audience != "" {
		form.Set("audience", e.audience)
	}
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	tr, err := e.post(ctx, form)
	if err != nil {
		return nil, err
	}
	return &bustrack.OAuth2Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		ExpiresIn:   tr.ExpiresIn,
		ExpiresAt:   time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:       tr.Scope,
	}, nil
}

// PasswordGrant exchanges a username and password for tokens.
func (e *Exchanger) PasswordGrant(ctx context.Context, username, password, scope string) (*bustrack.TokenSet, error) {
	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {e.clientID},
		"client_secret": {e.clientSecret},
		"username":      {username},
		"password":      {password},
	}
	if e.audience != "" {
		form.Set("audience", e.audience)
	}
	if scope != "" {
		form.Set("scope", scope)
	}

	tr, err := e.post(ctx, form)
	if err != nil {
		return nil, err
	}
	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &bustrack.TokenSet{
		AccessToken:  tr.AccessToken,
		IDToken:      tr.IDToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    tr.ExpiresIn,
		Scope:        tr.Scope,
	}, nil
}

func (e *Exchanger) storeKey() string {
	return "bustrack:oauth2:" + e.clientID + ":" + e.audience
}

func (e *Exchanger) fresh(t *bustrack.OAuth2Token) bool {
	return t != nil && time.Now().Before(t.ExpiresAt.Add(-e.refreshBuffer))
}

// GetCachedToken returns a valid cached token, or fetches a new one if expired or missing.
func (e *Exchanger) GetCachedToken(ctx context.Context) (string, error) {
	e.mu.RLock()
	if e.fresh(e.token) {
		defer e.mu.RUnlock()
		return e.token.AccessToken, nil
	}
	e.mu.RUnlock()

	// concurrent refreshes collapse into one upstream call
	result, err, _ := e.sf.Do("token", func() (any, error) {
		if e.store != nil {
			t, err := e.store.Get(ctx, e.storeKey())
			if err != nil {
				e.logger.WarnContext(ctx, "token store read failed", "error", err)
			} else if e.fresh(t) {
				return t, nil
			}
		}
		t, err := e.ExchangeToken(ctx, nil)
		if err != nil {
			return nil, err
		}
		if e.store != nil {
			if ttl := time.Until(t.ExpiresAt) - e.refreshBuffer; ttl > 0 {
				if err := e.store.Set(ctx, e.storeKey(), t, ttl); err != nil {
					e.logger.WarnContext(ctx, "token store write failed", "error", err)
				}
			}
		}
		return t, nil
	})
	if err != nil {
		return "", fmt.Errorf("oauth2: token exchange failed: %w", err)
	}

	token := result.(*bustrack.OAuth2Token)
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()

	return token.AccessToken, nil
}

// Invalidate drops the in-memory token so the next call refetches it.
func (e *Exchanger) Invalidate() {
	e.mu.Lock()
	e.token = nil
	e.mu.Unlock()
}
