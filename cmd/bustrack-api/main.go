// Command bustrack-api serves the bus-tracking HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/audit"
	"github.com/chimerakang/bustrack-api/audit/amqpsink"
	"github.com/chimerakang/bustrack-api/auth0"
	"github.com/chimerakang/bustrack-api/config"
	"github.com/chimerakang/bustrack-api/directory"
	"github.com/chimerakang/bustrack-api/directory/postgres"
	"github.com/chimerakang/bustrack-api/directory/postgrest"
	"github.com/chimerakang/bustrack-api/jwks"
	"github.com/chimerakang/bustrack-api/metrics"
	"github.com/chimerakang/bustrack-api/oauth2"
	"github.com/chimerakang/bustrack-api/oauth2/redisstore"
	"github.com/chimerakang/bustrack-api/server"
	"github.com/chimerakang/bustrack-api/unverified"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("bustrack-api exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New(cfg.Metrics.Enabled)
	httpClient := &http.Client{Timeout: cfg.Upstream.Timeout}

	var closers []bustrack.Option

	mgmtOpts := []oauth2.Option{
		oauth2.WithHTTPClient(httpClient),
		oauth2.WithAudience(cfg.Identity.ManagementAudience()),
		oauth2.WithRefreshBuffer(cfg.Identity.TokenRefreshBuffer),
		oauth2.WithLogger(logger),
	}
	if cfg.Redis.URL != "" {
		store, err := redisstore.Open(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		mgmtOpts = append(mgmtOpts, oauth2.WithStore(store))
		closers = append(closers, bustrack.WithCloser(store))
		logger.Info("management tokens shared through redis")
	}
	tokenURL := cfg.Identity.BaseURL() + "/oauth/token"
	management := oauth2.New(cfg.Identity.ClientID, cfg.Identity.ClientSecret, tokenURL, mgmtOpts...)
	login := oauth2.New(cfg.Identity.ClientID, cfg.Identity.ClientSecret, tokenURL,
		oauth2.WithHTTPClient(httpClient),
		oauth2.WithAudience(cfg.Identity.Audience),
		oauth2.WithLogger(logger),
	)

	idp, err := auth0.New(ctx, cfg.Identity.BaseURL(), cfg.Identity.ClientID, cfg.Identity.ClientSecret, management, login,
		auth0.WithHTTPClient(httpClient),
		auth0.WithConnection(cfg.Identity.Connection),
		auth0.WithScope(cfg.Identity.Scope),
		auth0.WithLogger(logger),
		auth0.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg.Database, httpClient)
	if err != nil {
		return err
	}
	dir := directory.New(backend, directory.WithLogger(logger), directory.WithMetrics(m))

	svcs, err := bustrack.NewServices(append([]bustrack.Option{
		bustrack.WithLogger(logger),
		bustrack.WithTokenVerifier(newVerifier(cfg, httpClient, logger)),
		bustrack.WithDirectory(dir),
		bustrack.WithIdentityProvider(idp),
		bustrack.WithOAuth2Exchanger(management),
	}, closers...)...)
	if err != nil {
		_ = dir.Close()
		return err
	}
	defer func() {
		if err := svcs.Close(); err != nil {
			logger.Warn("closing services", "error", err)
		}
	}()

	auditOpts := []audit.Option{audit.WithSlogHandler(logger)}
	if cfg.AMQP.URL != "" {
		sink, err := amqpsink.Dial(cfg.AMQP.URL, amqpsink.WithExchange(cfg.AMQP.Exchange), amqpsink.WithLogger(logger))
		if err != nil {
			return err
		}
		defer sink.Close()
		auditOpts = append(auditOpts, audit.WithHandler(sink.Handler()))
		logger.Info("audit events published", "exchange", cfg.AMQP.Exchange)
	}
	auditLog := audit.New(256, auditOpts...)
	defer auditLog.Close()

	if !cfg.App.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := server.New(cfg, svcs, server.WithAudit(auditLog), server.WithMetrics(m))

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newLogger(c config.Log) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func newVerifier(cfg *config.Settings, httpClient *http.Client, logger *slog.Logger) bustrack.TokenVerifier {
	if cfg.Identity.Mode == config.ModeCompat {
		logger.Warn("token signatures are not checked; compat mode must not run in production")
		return unverified.NewVerifier(
			unverified.WithRoleClaim(cfg.Identity.RoleClaim),
			unverified.WithLogger(logger),
		)
	}
	return jwks.NewVerifier(cfg.Identity.JWKSURL(),
		jwks.WithAudience(cfg.Identity.Audience),
		jwks.WithIssuer(cfg.Identity.Issuer()),
		jwks.WithRoleClaim(cfg.Identity.RoleClaim),
		jwks.WithRefreshInterval(cfg.Identity.JWKSCacheTTL),
		jwks.WithHTTPClient(httpClient),
		jwks.WithLogger(logger),
	)
}

func openBackend(ctx context.Context, db config.Database, httpClient *http.Client) (directory.Backend, error) {
	switch db.Backend() {
	case "postgres":
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		b, err := postgres.Open(openCtx, db.URL, db.Table)
		if err != nil {
			return nil, fmt.Errorf("open directory: %w", err)
		}
		return b, nil
	case "postgrest":
		return postgrest.New(db.RestURL, db.ServiceKey,
			postgrest.WithTable(db.Table),
			postgrest.WithHTTPClient(httpClient),
		), nil
	}
	return nil, errors.New("no directory backend configured")
}
