// Package bustrack is the backend of a bus-tracking SaaS: identity-provider backed registration
// and login, role-based access control, a user directory over a managed database, and
// placeholder fleet endpoints.
//
// The root package holds the domain types and the collaborator interfaces. Concrete
// implementations are injected via Option functions, so nothing is constructed as a
// process-wide singleton:
//
//	svcs, err := bustrack.NewServices(
//	    bustrack.WithTokenVerifier(verifier),
//	    bustrack.WithDirectory(dir),
//	    bustrack.WithIdentityProvider(idp),
//	    bustrack.WithCloser(pool),
//	)
package bustrack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// Services aggregates the collaborators a request handler needs.
type Services struct {
	logger   *slog.Logger
	verifier TokenVerifier
	dir      Directory
	idp      IdentityProvider
	tokens   OAuth2TokenExchanger
	closers  []io.Closer
}

// Option configures Services.
type Option func(*Services)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Services) { s.logger = l }
}

// WithTokenVerifier sets the bearer token verifier.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(s *Services) { s.verifier = v }
}

// WithDirectory sets the user directory.
func WithDirectory(d Directory) Option {
	return func(s *Services) { s.dir = d }
}

// WithIdentityProvider sets the identity provider client.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(s *Services) { s.idp = p }
}

// WithOAuth2Exchanger sets the management token exchanger.
func WithOAuth2Exchanger(e OAuth2TokenExchanger) Option {
	return func(s *Services) { s.tokens = e }
}

// WithCloser registers an extra resource (pool, broker connection) released by Close.
func WithCloser(c io.Closer) Option {
	return func(s *Services) {
		if c != nil {
			s.closers = append(s.closers, c)
		}
	}
}

// NewServices assembles the service aggregate. Verifier, directory and identity provider
// are required.
func NewServices(opts ...Option) (*Services, error) {
	s := &Services{}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	var missing []string
	if s.verifier == nil {
		missing = append(missing, "token verifier")
	}
	if s.dir == nil {
		missing = append(missing, "directory")
	}
	if s.idp == nil {
		missing = append(missing, "identity provider")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("bustrack: missing required services: %v", missing)
	}
	return s, nil
}

// Logger returns the configured logger.
func (s *Services) Logger() *slog.Logger { return s.logger }

// Verifier returns the token verifier.
func (s *Services) Verifier() TokenVerifier { return s.verifier }

// Directory returns the user directory.
func (s *Services) Directory() Directory { return s.dir }

// Identity returns the identity provider client.
func (s *Services) Identity() IdentityProvider { return s.idp }

// OAuth2 returns the management token exchanger, or nil if not configured.
func (s *Services) OAuth2() OAuth2TokenExchanger { return s.tokens }

// HealthCheck reports whether the backing stores are reachable. Components that
// implement Ping(ctx) error are probed.
func (s *Services) HealthCheck(ctx context.Context) error {
	type pinger interface {
		Ping(ctx context.Context) error
	}
	for _, svc := range []any{s.dir, s.tokens} {
		if p, ok := svc.(pinger); ok && p != nil {
			if err := p.Ping(ctx); err != nil {
				return fmt.Errorf("bustrack: health check: %w", err)
			}
		}
	}
	return nil
}

// Close releases all resources. Any injected service that implements io.Closer is
// closed, followed by the extra closers in reverse registration order.
func (s *Services) Close() error {
	var errs []error
	for _, svc := range []any{s.verifier, s.dir, s.idp, s.tokens} {
		if cl, ok := svc.(io.Closer); ok && cl != nil {
			if err := cl.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
