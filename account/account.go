// Package account orchestrates the multi-step account flows that span the identity
// provider and the local directory: registration, login, provisioning, deletion and
// password management.
//
// Remote side effects are never retried. Best-effort steps report their outcome as a
// bustrack.StepResult so callers can tell full success from partial success.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/audit"
	"github.com/chimerakang/bustrack-api/metrics"
)

// Client-facing messages.
const (
	MsgPasswordMismatch   = "Passwords do not match"
	MsgUserExists         = "User already exists"
	MsgInvalidCredentials = "Invalid credentials"
	MsgUserNotFound       = "User not found"
	MsgNotInSystem        = "User not found in system"
	MsgResetSent          = "If an account exists for this email, a password reset link has been sent"
)

// Service runs account flows against a directory and an identity provider.
type Service struct {
	dir       bustrack.Directory
	idp       bustrack.IdentityProvider
	roleClaim string
	expiresIn time.Duration
	now       func() time.Time
	logger    *slog.Logger
	audit     *audit.Logger
	metrics   *metrics.Metrics
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAudit emits an audit event for every flow.
func WithAudit(a *audit.Logger) Option {
	return func(s *Service) { s.audit = a }
}

// WithMetrics records flow outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source used to check id token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRoleClaim sets the id token claim the role is read from.
func WithRoleClaim(name string) Option {
	return func(s *Service) { s.roleClaim = name }
}

// WithDefaultExpiry is the expires_in reported when the provider omits it.
func WithDefaultExpiry(d time.Duration) Option {
	return func(s *Service) { s.expiresIn = d }
}

// New creates an account service.
func New(dir bustrack.Directory, idp bustrack.IdentityProvider, opts ...Option) *Service {
	s := &Service{
		dir:    dir,
		idp:    idp,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FromServices creates an account service over the aggregate's directory and provider.
func FromServices(svcs *bustrack.Services, opts ...Option) *Service {
	return New(svcs.Directory(), svcs.Identity(), append([]Option{WithLogger(svcs.Logger())}, opts...)...)
}

func (s *Service) record(ctx context.Context, e audit.Event) {
	s.metrics.RecordAccountOp(e.Action, e.Result)
	s.audit.Emit(ctx, e)
}

func (s *Service) recordFailure(ctx context.Context, action, userID, email string, err error) {
	s.record(ctx, audit.Event{Action: action, Result: audit.ResultFailure, UserID: userID, Email: email, Error: err.Error()})
}

// describe returns the provider's client-facing text, or fallback when err carries none.
func describe(err error, fallback string) string {
	var d interface{ Description() string }
	if errors.As(err, &d) {
		if msg := strings.TrimSpace(d.Description()); msg != "" {
			return msg
		}
	}
	return fallback
}

// ensureNewEmail fails with ErrConflict when the directory already holds email.
func (s *Service) ensureNewEmail(ctx context.Context, op, email string) error {
	_, err := s.dir.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return apperr.Conflict(op, MsgUserExists, "A user with this email already exists")
	case errors.Is(err, apperr.ErrNotFound):
		return nil
	default:
		return err
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func optional(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}

// Summary is the client projection of a directory user returned by login.
type Summary struct {
	ID             string        `json:"id"`
	Email          string        `json:"email"`
	Name           string        `json:"name"`
	Role           bustrack.Role `json:"role"`
	OrganizationID *string       `json:"organization_id"`
}

// Summarize projects u.
func Summarize(u *bustrack.User) Summary {
	return Summary{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role, OrganizationID: u.OrganizationID}
}
