// Package jwks verifies provider-issued access tokens against the provider's published
// JSON Web Key Set (RFC 7517).
//
// RSA keys are cached by kid and refreshed on a fixed interval or when a token names an
// unknown kid. Tokens must be RS256, unexpired, and carry the configured audience and
// issuer.
package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	bustrack "github.com/chimerakang/bustrack-api"
)

// ErrKeyNotFound is returned when no cached or freshly fetched key matches the token's kid.
var ErrKeyNotFound = errors.New("jwks: signing key not found")

// Verifier implements bustrack.TokenVerifier using JWKS public keys.
type Verifier struct {
	jwksURL         string
	audience        string
	issuer          string
	roleClaim       string
	httpClient      *http.Client
	refreshInterval time.Duration
	logger          *slog.Logger

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey // kid -> public key
	lastFetch time.Time
}

var _ bustrack.TokenVerifier = (*Verifier)(nil)

// Option configures the Verifier.
type Option func(*Verifier)

// WithHTTPClient sets a custom HTTP client for fetching JWKS.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.httpClient = c }
}

// WithRefreshInterval sets how often cached keys are refreshed.
// Default: 1 hour.
func WithRefreshInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.refreshInterval = d
		}
	}
}

// WithAudience requires the "aud" claim to contain aud.
func WithAudience(aud string) Option {
	return func(v *Verifier) { v.audience = aud }
}

// WithIssuer requires the "iss" claim to equal iss.
func WithIssuer(iss string) Option {
	return func(v *Verifier) { v.issuer = iss }
}

// WithRoleClaim names a custom claim holding the caller's role.
func WithRoleClaim(name string) Option {
	return func(v *Verifier) { v.roleClaim = name }
}

// WithLogger sets the logger used for refresh failures.
func WithLogger(l *slog.Logger) Option {
	return func(v *Verifier) { v.logger = l }
}

// NewVerifier creates a JWKS-backed token verifier.
func NewVerifier(jwksURL string, opts ...Option) *Verifier {
	v := &Verifier{
		jwksURL:         jwksURL,
		httpClient:      http.DefaultClient,
		refreshInterval: time.Hour,
		logger:          slog.Default(),
		keys:            make(map[string]*rsa.PublicKey),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify validates a JWT and returns the extracted claims.
func (v *Verifier) Verify(ctx context.Context, tokenString string) (*bustrack.Claims, error) {
	popts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	}
	if v.audience != "" {
		popts = append(popts, jwt.WithAudience(v.audience))
	}
	if v.issuer != "" {
		popts = append(popts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.NewParser(popts...).Parse(tokenString, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		return v.getKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("jwks: invalid token claims")
	}

	claims := ToClaims(mapClaims, v.roleClaim)
	if claims.Subject == "" {
		return nil, errors.New("jwks: token has no subject")
	}
	return claims, nil
}

// getKey returns the RSA public key for the given kid, fetching or refreshing as needed.
func (v *Verifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.RLock()
	key, found := v.lookup(kid)
	stale := time.Since(v.lastFetch) > v.refreshInterval
	v.mu.RUnlock()

	if found && !stale {
		return key, nil
	}

	if err := v.refresh(ctx); err != nil {
		if found {
			v.logger.WarnContext(ctx, "jwks refresh failed, using cached key", "kid", kid, "error", err)
			return key, nil
		}
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if key, ok := v.lookup(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// lookup must be called with mu held. An empty kid matches any key when the set
// holds exactly one.
func (v *Verifier) lookup(kid string) (*rsa.PublicKey, bool) {
	if key, ok := v.keys[kid]; ok {
		return key, true
	}
	if kid == "" && len(v.keys) == 1 {
		for _, k := range v.keys {
			return k, true
		}
	}
	return nil, false
}

// refresh fetches the JWKS and replaces the cache.
func (v *Verifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return fmt.Errorf("jwks: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("jwks: fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks: fetch returned status %d", resp.StatusCode)
	}

	var set keySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.rsaPublicKey()
		if err != nil {
			v.logger.DebugContext(ctx, "skipping malformed jwk", "kid", k.Kid, "error", err)
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("jwks: no valid RSA signing keys found")
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = time.Now()
	v.mu.Unlock()
	return nil
}

type keySet struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (k *jsonWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	if len(n) == 0 || len(e) == 0 {
		return nil, errors.New("empty modulus or exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(new(big.Int).SetBytes(e).Int64()),
	}, nil
}

var registered = map[string]bool{
	"sub": true, "email": true, "iss": true, "aud": true,
	"exp": true, "iat": true, "nbf": true, "jti": true,
	"azp": true, "scope": true, "gty": true,
}

// ToClaims converts decoded JWT claims. roleClaim, when set, names the claim holding the
// role; otherwise a plain "role" claim is used if present.
func ToClaims(m jwt.MapClaims, roleClaim string) *bustrack.Claims {
	c := &bustrack.Claims{Extra: make(map[string]any)}

	c.Subject, _ = m["sub"].(string)
	c.Email, _ = m["email"].(string)
	c.Issuer, _ = m["iss"].(string)
	if aud, err := m.GetAudience(); err == nil {
		c.Audience = aud
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}

	if roleClaim == "" {
		roleClaim = "role"
	}
	switch r := m[roleClaim].(type) {
	case string:
		c.Role = r
	case []any:
		if len(r) > 0 {
			c.Role, _ = r[0].(string)
		}
	}

	for k, v := range m {
		if !registered[k] && k != roleClaim {
			c.Extra[k] = v
		}
	}
	return c
}
