// Package config loads process settings from defaults, an optional YAML file and the
// environment. Environment variable names follow the deployment's existing names
// (AUTH0_DOMAIN, SUPABASE_URL, ...).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AuthMode selects how bearer tokens are checked.
type AuthMode string

const (
	// ModeVerified checks signature, expiry, audience and issuer against the provider JWKS.
	ModeVerified AuthMode = "verified"

	// ModeCompat decodes tokens without checking the signature. Never use it in production.
	ModeCompat AuthMode = "compat"
)

// Settings is the full process configuration. It is built once in main and passed down.
type Settings struct {
	App      App      `mapstructure:"app"`
	Server   Server   `mapstructure:"server"`
	Identity Identity `mapstructure:"identity"`
	Tokens   Tokens   `mapstructure:"tokens"`
	Database Database `mapstructure:"database"`
	Upstream Upstream `mapstructure:"upstream"`
	CORS     CORS     `mapstructure:"cors"`
	Redis    Redis    `mapstructure:"redis"`
	AMQP     AMQP     `mapstructure:"amqp"`
	Metrics  Metrics  `mapstructure:"metrics"`
	Log      Log      `mapstructure:"log"`
}

// App holds service identification.
type App struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`

	// Debug exposes internal error text in failure envelopes. Trusted deployments only.
	Debug bool `mapstructure:"debug"`
}

// Server holds HTTP listener settings.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	APIPrefix       string        `mapstructure:"api_prefix"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Identity holds identity provider settings.
type Identity struct {
	Domain       string `mapstructure:"domain"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Audience     string `mapstructure:"audience"`
	Connection   string `mapstructure:"connection"`
	Scope        string `mapstructure:"scope"`

	// RoleClaim is the custom claim carrying the role, if the tenant emits one.
	RoleClaim string `mapstructure:"role_claim"`

	Mode               AuthMode      `mapstructure:"mode"`
	JWKSCacheTTL       time.Duration `mapstructure:"jwks_cache_ttl"`
	TokenRefreshBuffer time.Duration `mapstructure:"token_refresh_buffer"`
}

// BaseURL returns the provider's https origin.
func (i Identity) BaseURL() string {
	return "https://" + strings.TrimSuffix(i.Domain, "/")
}

// Issuer returns the expected "iss" claim.
func (i Identity) Issuer() string { return i.BaseURL() + "/" }

// JWKSURL returns the provider's key set location.
func (i Identity) JWKSURL() string { return i.BaseURL() + "/.well-known/jwks.json" }

// ManagementAudience returns the audience of the management API.
func (i Identity) ManagementAudience() string { return i.BaseURL() + "/api/v2/" }

// Tokens holds access token defaults.
type Tokens struct {
	// AccessTokenTTL is reported when the provider omits expires_in.
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

// Database holds directory storage settings. URL selects a direct Postgres connection;
// otherwise RestURL and ServiceKey select the managed database REST API.
type Database struct {
	URL        string `mapstructure:"url"`
	RestURL    string `mapstructure:"rest_url"`
	ServiceKey string `mapstructure:"service_key"`
	Table      string `mapstructure:"table"`
}

// Backend returns "postgres" or "postgrest".
func (d Database) Backend() string {
	if d.URL != "" {
		return "postgres"
	}
	return "postgrest"
}

// Upstream holds outbound HTTP client settings.
type Upstream struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// CORS holds cross-origin settings.
type CORS struct {
	AllowOrigins     []string `mapstructure:"allow_origins"`
	AllowMethods     []string `mapstructure:"allow_methods"`
	AllowHeaders     []string `mapstructure:"allow_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Redis holds the optional management token store.
type Redis struct {
	URL string `mapstructure:"url"`
}

// AMQP holds the optional audit event sink.
type AMQP struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// Metrics toggles prometheus collection.
type Metrics struct {
	Enabled bool `mapstructure:"enabled"`
}

// Log holds logger settings.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SlogLevel maps Level to a slog level; unknown values are info.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// envBindings maps setting keys to the environment variables that feed them.
var envBindings = map[string][]string{
	"app.name":                      {"PROJECT_NAME"},
	"app.version":                   {"VERSION"},
	"app.env":                       {"APP_ENV"},
	"app.debug":                     {"DEBUG"},
	"server.addr":                   {"SERVER_ADDR"},
	"server.api_prefix":             {"API_V1_STR"},
	"server.read_timeout":           {"SERVER_READ_TIMEOUT"},
	"server.write_timeout":          {"SERVER_WRITE_TIMEOUT"},
	"server.idle_timeout":           {"SERVER_IDLE_TIMEOUT"},
	"server.shutdown_timeout":       {"SHUTDOWN_TIMEOUT"},
	"identity.domain":               {"AUTH0_DOMAIN"},
	"identity.client_id":            {"AUTH0_CLIENT_ID"},
	"identity.client_secret":        {"AUTH0_CLIENT_SECRET"},
	"identity.audience":             {"API_AUDIENCE", "AUTH0_AUDIENCE"},
	"identity.connection":           {"AUTH0_CONNECTION"},
	"identity.scope":                {"AUTH0_SCOPE"},
	"identity.role_claim":           {"AUTH0_ROLE_CLAIM"},
	"identity.mode":                 {"AUTH_MODE"},
	"identity.jwks_cache_ttl":       {"JWKS_CACHE_TTL"},
	"identity.token_refresh_buffer": {"TOKEN_REFRESH_BUFFER"},
	"tokens.access_token_ttl":       {"ACCESS_TOKEN_TTL"},
	"database.url":                  {"DATABASE_URL"},
	"database.rest_url":             {"SUPABASE_URL"},
	"database.service_key":          {"SUPABASE_SERVICE_ROLE_KEY", "SUPABASE_KEY"},
	"database.table":                {"USERS_TABLE"},
	"upstream.timeout":              {"UPSTREAM_TIMEOUT"},
	"cors.allow_origins":            {"ALLOWED_ORIGINS"},
	"cors.allow_methods":            {"ALLOWED_METHODS"},
	"cors.allow_headers":            {"ALLOWED_HEADERS"},
	"cors.allow_credentials":        {"ALLOW_CREDENTIALS"},
	"redis.url":                     {"REDIS_URL"},
	"amqp.url":                      {"AMQP_URL"},
	"amqp.exchange":                 {"AMQP_EXCHANGE"},
	"metrics.enabled":               {"METRICS_ENABLED"},
	"log.level":                     {"LOG_LEVEL"},
	"log.format":                    {"LOG_FORMAT"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app", map[string]any{
		"name":    "Bus Tracking SaaS API",
		"version": "1.0.0",
		"env":     "development",
		"debug":   false,
	})
	v.SetDefault("server", map[string]any{
		"addr":             ":8000",
		"api_prefix":       "/api/v1",
		"read_timeout":     "15s",
		"write_timeout":    "30s",
		"idle_timeout":     "60s",
		"shutdown_timeout": "15s",
	})
	v.SetDefault("identity.connection", "Username-Password-Authentication")
	v.SetDefault("identity.scope", "openid email profile")
	v.SetDefault("identity.mode", string(ModeVerified))
	v.SetDefault("identity.jwks_cache_ttl", "1h")
	v.SetDefault("identity.token_refresh_buffer", "5m")
	v.SetDefault("tokens.access_token_ttl", "30m")
	v.SetDefault("database.table", "users")
	v.SetDefault("upstream.timeout", "10s")
	v.SetDefault("cors", map[string]any{
		"allow_origins":     []string{"http://localhost:3000", "http://localhost:8080", "http://localhost:5173"},
		"allow_methods":     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		"allow_headers":     []string{"*"},
		"allow_credentials": true,
	})
	v.SetDefault("amqp.exchange", "bustrack.audit")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("log", map[string]any{
		"level":  "info",
		"format": "json",
	})
}

// Load reads settings. path names an optional YAML file; an empty path falls back to
// the BUSTRACK_CONFIG environment variable and then to defaults plus environment only.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	if err := v.BindEnv("config_file", "BUSTRACK_CONFIG"); err != nil {
		return nil, fmt.Errorf("config: bind config_file: %w", err)
	}

	if path == "" {
		path = v.GetString("config_file")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	s.normalize()

	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) normalize() {
	s.Identity.Domain = strings.TrimSuffix(strings.TrimPrefix(s.Identity.Domain, "https://"), "/")
	s.Identity.Mode = AuthMode(strings.ToLower(string(s.Identity.Mode)))
	s.Server.APIPrefix = "/" + strings.Trim(s.Server.APIPrefix, "/")
	s.Database.RestURL = strings.TrimSuffix(s.Database.RestURL, "/")
}

// Validate checks that the settings are complete. It reports every problem at once.
func Validate(s *Settings) error {
	if s == nil {
		return errors.New("config: settings cannot be nil")
	}
	var errs []error
	if s.Identity.Domain == "" {
		errs = append(errs, errors.New("AUTH0_DOMAIN is required"))
	}
	if s.Identity.ClientID == "" {
		errs = append(errs, errors.New("AUTH0_CLIENT_ID is required"))
	}
	if s.Identity.ClientSecret == "" {
		errs = append(errs, errors.New("AUTH0_CLIENT_SECRET is required"))
	}
	if s.Identity.Audience == "" {
		errs = append(errs, errors.New("API_AUDIENCE is required"))
	}
	switch s.Identity.Mode {
	case ModeVerified, ModeCompat:
	default:
		errs = append(errs, fmt.Errorf("AUTH_MODE must be %q or %q, got %q", ModeVerified, ModeCompat, s.Identity.Mode))
	}
	if s.Database.URL == "" {
		if s.Database.RestURL == "" {
			errs = append(errs, errors.New("one of DATABASE_URL or SUPABASE_URL is required"))
		} else if s.Database.ServiceKey == "" {
			errs = append(errs, errors.New("SUPABASE_SERVICE_ROLE_KEY is required with SUPABASE_URL"))
		}
	}
	if s.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT must be positive"))
	}
	if s.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if s.Identity.TokenRefreshBuffer < 0 {
		errs = append(errs, errors.New("TOKEN_REFRESH_BUFFER must be non-negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid settings: %w", errors.Join(errs...))
	}
	return nil
}
