// Package server wires the gin engine, routes and the HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/account"
	"github.com/chimerakang/bustrack-api/audit"
	"github.com/chimerakang/bustrack-api/authn"
	"github.com/chimerakang/bustrack-api/config"
	"github.com/chimerakang/bustrack-api/envelope"
	"github.com/chimerakang/bustrack-api/handler"
	"github.com/chimerakang/bustrack-api/metrics"
	"github.com/chimerakang/bustrack-api/middleware/ginmw"
)

// Server is the HTTP front of the API.
type Server struct {
	cfg    *config.Settings
	engine *gin.Engine
	http   *http.Server
	logger *slog.Logger
}

type options struct {
	audit   *audit.Logger
	metrics *metrics.Metrics
}

// Option configures the Server.
type Option func(*options)

// WithAudit routes account events to an audit logger.
func WithAudit(a *audit.Logger) Option {
	return func(o *options) { o.audit = a }
}

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds the engine and routes.
func New(cfg *config.Settings, svcs *bustrack.Services, opts ...Option) *Server {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	envelope.UseJSONFieldNames()

	logger := svcs.Logger()
	accounts := account.FromServices(svcs,
		account.WithAudit(o.audit),
		account.WithMetrics(o.metrics),
		account.WithRoleClaim(cfg.Identity.RoleClaim),
		account.WithDefaultExpiry(cfg.Tokens.AccessTokenTTL),
	)
	authenticator := authn.FromServices(svcs,
		authn.WithMode(string(cfg.Identity.Mode)),
		authn.WithMetrics(o.metrics),
	)
	h := handler.New(svcs, accounts, handler.Info{
		Name:        cfg.App.Name,
		Version:     cfg.App.Version,
		Environment: cfg.App.Env,
		AuthMode:    string(cfg.Identity.Mode),
	})

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(
		ginmw.RequestID(),
		ginmw.AccessLog(logger, o.metrics),
		envelope.Recovery(logger, cfg.App.Debug),
		cors.New(corsConfig(cfg.CORS)),
		envelope.Errors(logger, cfg.App.Debug),
	)
	engine.NoRoute(envelope.NoRoute)
	engine.NoMethod(envelope.NoMethod)

	routes(engine, cfg.Server.APIPrefix, h, ginmw.Auth(authenticator))
	if o.metrics != nil && cfg.Metrics.Enabled {
		engine.GET("/metrics", gin.WrapH(o.metrics.Handler()))
	}

	return &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger,
		http: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           engine,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		},
	}
}

func corsConfig(c config.CORS) cors.Config {
	cc := cors.DefaultConfig()
	if len(c.AllowOrigins) == 0 || slices.Contains(c.AllowOrigins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.AllowOrigins
		cc.AllowCredentials = c.AllowCredentials
	}
	if len(c.AllowMethods) > 0 {
		cc.AllowMethods = c.AllowMethods
	}
	if len(c.AllowHeaders) > 0 {
		cc.AllowHeaders = c.AllowHeaders
	}
	cc.ExposeHeaders = []string{ginmw.HeaderRequestID}
	cc.MaxAge = 12 * time.Hour
	return cc
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	if s.cfg.Identity.Mode == config.ModeCompat {
		s.logger.Warn("AUTH_MODE=compat: bearer token signatures are NOT verified")
	}
	s.logger.Info("http server listening", "addr", s.cfg.Server.Addr, "prefix", s.cfg.Server.APIPrefix,
		"auth_mode", s.cfg.Identity.Mode)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
