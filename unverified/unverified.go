// Package unverified decodes bearer tokens WITHOUT checking their signature.
//
// It exists for deployments that still accept tokens the way the service historically
// did. Anyone can mint a token this verifier accepts, so it must only be enabled
// explicitly (AUTH_MODE=compat) and never on an internet-facing deployment.
package unverified

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/jwks"
)

// Verifier implements bustrack.TokenVerifier by decoding claims only. Expiry and
// subject are still enforced.
type Verifier struct {
	roleClaim string
	now       func() time.Time
	logger    *slog.Logger
}

var _ bustrack.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithRoleClaim names a custom claim holding the caller's role.
func WithRoleClaim(name string) Option {
	return func(v *Verifier) { v.roleClaim = name }
}

// WithLogger sets the logger that receives the startup warning.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a decode-only verifier and logs a warning.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(v)
	}
	v.logger.Warn("token signatures are NOT verified; compatibility auth mode is enabled",
		"auth_mode", "compat")
	return v
}

// Verify decodes the token and checks expiry and subject.
func (v *Verifier) Verify(_ context.Context, tokenString string) (*bustrack.Claims, error) {
	return Decode(tokenString, v.roleClaim, v.now())
}

// Decode parses a JWT without verifying its signature, rejecting malformed tokens,
// tokens without a subject and tokens expired at now. A missing exp is accepted.
func Decode(tokenString, roleClaim string, now time.Time) (*bustrack.Claims, error) {
	m := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, m); err != nil {
		return nil, fmt.Errorf("unverified: %w", err)
	}

	claims := jwks.ToClaims(m, roleClaim)
	if claims.Subject == "" {
		return nil, errors.New("unverified: token has no subject")
	}
	if !claims.ExpiresAt.IsZero() && !now.Before(claims.ExpiresAt) {
		return nil, fmt.Errorf("unverified: %w", jwt.ErrTokenExpired)
	}
	return claims, nil
}
