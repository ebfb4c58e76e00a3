// Package redisstore shares management API tokens between API replicas through Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/oauth2"
)

// Store implements oauth2.TokenStore.
type Store struct {
	client redis.UniversalClient
}

var _ oauth2.TokenStore = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// Open connects to redisURL and checks the connection.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}
	return &Store{client: client}, nil
}

type storedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int32     `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
	Scope       string    `json:"scope,omitempty"`
}

// Get returns the stored token, or nil when the key is absent.
func (s *Store) Get(ctx context.Context, key string) (*bustrack.OAuth2Token, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return &bustrack.OAuth2Token{
		AccessToken: st.AccessToken,
		TokenType:   st.TokenType,
		ExpiresIn:   st.ExpiresIn,
		ExpiresAt:   st.ExpiresAt,
		Scope:       st.Scope,
	}, nil
}

// Set stores the token with the given time to live.
func (s *Store) Set(ctx context.Context, key string, t *bustrack.OAuth2Token, ttl time.Duration) error {
	raw, err := json.Marshal(storedToken{
		AccessToken: t.AccessToken,
		TokenType:   t.TokenType,
		ExpiresIn:   t.ExpiresIn,
		ExpiresAt:   t.ExpiresAt,
		Scope:       t.Scope,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode: %w", err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
