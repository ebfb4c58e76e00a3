// Package auth0 implements bustrack.IdentityProvider against an Auth0 tenant: the
// Management API v2 for account lifecycle and the Authentication API for login and
// password reset mail.
package auth0

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goauth0 "github.com/auth0/go-auth0"
	"github.com/auth0/go-auth0/authentication"
	"github.com/auth0/go-auth0/authentication/database"
	"github.com/auth0/go-auth0/management"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/metrics"
)

// DefaultConnection is the database connection used for username/password accounts.
const DefaultConnection = "Username-Password-Authentication"

// PasswordGranter performs the resource-owner password grant.
type PasswordGranter interface {
	PasswordGrant(ctx context.Context, username, password, scope string) (*bustrack.TokenSet, error)
}

// ProviderError is a non-success reply from the provider.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth0: status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("auth0: status %d: %s", e.StatusCode, e.Message)
}

// Description returns the provider's message, shown to clients verbatim.
func (e *ProviderError) Description() string { return e.Message }

// statusError is satisfied by both management.Error and authentication errors.
type statusError interface {
	error
	Status() int
}

// providerError converts an SDK error, whose text reads "409 Conflict: message",
// into a ProviderError. Other errors are returned wrapped.
func providerError(op string, err error) error {
	var se statusError
	if !errors.As(err, &se) {
		return fmt.Errorf("auth0: %s: %w", op, err)
	}
	pe := &ProviderError{StatusCode: se.Status(), Message: se.Error()}
	if head, msg, ok := strings.Cut(pe.Message, ": "); ok {
		pe.Message = msg
		if _, code, ok := strings.Cut(head, " "); ok {
			pe.Code = code
		}
	}
	if pe.Message == "" {
		pe.Message = http.StatusText(pe.StatusCode)
	}
	return pe
}

// Client talks to one Auth0 tenant.
type Client struct {
	domain     string
	clientID   string
	connection string
	scope      string
	tokens     bustrack.OAuth2TokenExchanger
	login      PasswordGranter
	auth       *authentication.Authentication
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

var _ bustrack.IdentityProvider = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithConnection sets the database connection name.
func WithConnection(name string) Option {
	return func(cl *Client) {
		if name != "" {
			cl.connection = name
		}
	}
}

// WithScope sets the scope requested at login.
func WithScope(scope string) Option {
	return func(cl *Client) { cl.scope = scope }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithMetrics records upstream call counts and latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// New creates a client. baseURL is the tenant origin (https://<domain>); tokens supplies
// management API tokens and login performs password grants.
func New(ctx context.Context, baseURL, clientID, clientSecret string, tokens bustrack.OAuth2TokenExchanger, login PasswordGranter, opts ...Option) (*Client, error) {
	c := &Client{
		domain:     strings.TrimSuffix(baseURL, "/"),
		clientID:   clientID,
		connection: DefaultConnection,
		scope:      "openid email profile",
		tokens:     tokens,
		login:      login,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}

	// ID tokens are never validated through this client; HS256 keeps construction offline.
	auth, err := authentication.New(ctx, c.domain,
		authentication.WithClientID(clientID),
		authentication.WithClientSecret(clientSecret),
		authentication.WithIDTokenSigningAlg("HS256"),
		authentication.WithClient(c.sdkClient()),
	)
	if err != nil {
		return nil, fmt.Errorf("auth0: authentication client: %w", err)
	}
	c.auth = auth
	return c, nil
}

// sdkClient returns a copy of the configured HTTP client; the SDK wraps the
// transport of the client it is given.
func (c *Client) sdkClient() *http.Client {
	return &http.Client{Transport: c.httpClient.Transport, Timeout: c.httpClient.Timeout}
}

// CreateUser creates a database-connection account. It is not retried.
func (c *Client) CreateUser(ctx context.Context, in bustrack.NewIdentity) (*bustrack.Identity, error) {
	u := &management.User{
		Connection:    goauth0.String(c.connection),
		Email:         goauth0.String(in.Email),
		Password:      goauth0.String(in.Password),
		EmailVerified: goauth0.Bool(in.EmailVerified),
	}
	if in.Name != "" {
		u.Name = goauth0.String(in.Name)
	}
	err := c.management(ctx, "create_user", func(m *management.Management) error {
		return m.User.Create(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return &bustrack.Identity{
		ID:            u.GetID(),
		Email:         u.GetEmail(),
		Name:          u.GetName(),
		EmailVerified: u.GetEmailVerified(),
	}, nil
}

// AddOrganizationMember attaches an account to an organization.
func (c *Client) AddOrganizationMember(ctx context.Context, orgID, identityID string) error {
	return c.management(ctx, "add_org_member", func(m *management.Management) error {
		return m.Organization.AddMembers(ctx, orgID, []string{identityID})
	})
}

// DeleteUser removes an account.
func (c *Client) DeleteUser(ctx context.Context, identityID string) error {
	return c.management(ctx, "delete_user", func(m *management.Management) error {
		return m.User.Delete(ctx, identityID)
	})
}

// SetPassword replaces an account's password.
func (c *Client) SetPassword(ctx context.Context, identityID, password string) error {
	u := &management.User{
		Connection: goauth0.String(c.connection),
		Password:   goauth0.String(password),
	}
	return c.management(ctx, "set_password", func(m *management.Management) error {
		return m.User.Update(ctx, identityID, u)
	})
}

// PasswordGrant exchanges credentials for tokens.
func (c *Client) PasswordGrant(ctx context.Context, email, password string) (*bustrack.TokenSet, error) {
	start := time.Now()
	ts, err := c.login.PasswordGrant(ctx, email, password, c.scope)
	c.metrics.ObserveUpstream("auth0", "password_grant", err, time.Since(start))
	return ts, err
}

// SendPasswordReset asks the provider to mail a change-password link.
func (c *Client) SendPasswordReset(ctx context.Context, email string) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveUpstream("auth0", "password_reset", err, time.Since(start)) }()

	_, err = c.auth.Database.ChangePassword(ctx, database.ChangePasswordRequest{
		ClientID:   c.clientID,
		Email:      email,
		Connection: c.connection,
	})
	if err != nil {
		return providerError("password_reset", err)
	}
	return nil
}

// management runs call against a Management API client holding the cached
// client-credentials token.
func (c *Client) management(ctx context.Context, op string, call func(*management.Management) error) (err error) {
	start := time.Now()
	defer func() { c.metrics.ObserveUpstream("auth0", op, err, time.Since(start)) }()

	token, err := c.tokens.GetCachedToken(ctx)
	if err != nil {
		return fmt.Errorf("auth0: management token: %w", err)
	}
	m, err := management.New(c.domain,
		management.WithStaticToken(token),
		management.WithClient(c.sdkClient()),
		management.WithNoRetries(),
	)
	if err != nil {
		return fmt.Errorf("auth0: management client: %w", err)
	}

	if err = call(m); err == nil {
		return nil
	}
	err = providerError(op, err)

	var pe *ProviderError
	if errors.As(err, &pe) {
		c.logger.DebugContext(ctx, "auth0 call rejected", "op", op, "status", pe.StatusCode, "code", pe.Code)
		if pe.StatusCode == http.StatusUnauthorized {
			// the cached token was revoked or rotated; the next call fetches a new one
			if inv, ok := c.tokens.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
		}
	}
	return err
}
