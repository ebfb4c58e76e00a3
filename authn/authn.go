// Package authn resolves bearer tokens to directory users.
package authn

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/metrics"
)

// Failure reasons recorded in metrics.
const (
	ReasonMissingToken   = "missing_token"
	ReasonInvalidToken   = "invalid_token"
	ReasonUnknownSubject = "unknown_subject"
	ReasonInactive       = "inactive"
	ReasonLookup         = "lookup_error"
)

const (
	msgInvalidCredentials = "Could not validate credentials"
	msgUserNotFound       = "User not found"
	msgInactive           = "Inactive user"
)

// Authenticator verifies a token and loads the directory user its subject refers to.
type Authenticator struct {
	verifier bustrack.TokenVerifier
	dir      bustrack.Directory
	mode     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// Option configures the Authenticator.
type Option func(*Authenticator)

// WithMode labels metrics with the verification mode ("verified" or "compat").
func WithMode(mode string) Option {
	return func(a *Authenticator) { a.mode = mode }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = l }
}

// WithMetrics records authentication outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authenticator) { a.metrics = m }
}

// New creates an Authenticator.
func New(verifier bustrack.TokenVerifier, dir bustrack.Directory, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier: verifier,
		dir:      dir,
		mode:     "verified",
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// FromServices creates an Authenticator over the aggregate's verifier and directory.
func FromServices(s *bustrack.Services, opts ...Option) *Authenticator {
	return New(s.Verifier(), s.Directory(), append([]Option{WithLogger(s.Logger())}, opts...)...)
}

func (a *Authenticator) fail(reason, message string, err error) error {
	a.metrics.RecordAuthFailure(a.mode, reason)
	a.logger.Debug("authentication failed", "mode", a.mode, "reason", reason, "error", err)
	return apperr.Unauthorized("authn.Authenticate", message, err)
}

// Authenticate verifies token and resolves its subject through the directory. Every
// failure, including an unknown or inactive subject, is apperr.ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*bustrack.User, *bustrack.Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, a.fail(ReasonMissingToken, "Not authenticated", nil)
	}

	claims, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, nil, a.fail(ReasonInvalidToken, msgInvalidCredentials, err)
	}
	if claims.Subject == "" {
		return nil, nil, a.fail(ReasonInvalidToken, msgInvalidCredentials, errors.New("token has no subject"))
	}

	u, err := a.dir.GetByExternalID(ctx, claims.Subject)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return nil, nil, a.fail(ReasonUnknownSubject, msgUserNotFound, nil)
	case err != nil:
		a.logger.Error("directory lookup during authentication", "error", err)
		return nil, nil, a.fail(ReasonLookup, msgInvalidCredentials, nil)
	case !u.Active():
		return nil, nil, a.fail(ReasonInactive, msgInactive, nil)
	}

	a.metrics.RecordAuthSuccess(a.mode)
	return u, claims, nil
}
