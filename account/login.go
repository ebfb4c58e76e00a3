package account

import (
	"context"
	"errors"
	"time"

	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/audit"
	"github.com/chimerakang/bustrack-api/unverified"
)

// LoginResult is the result of a successful login.
type LoginResult struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token,omitempty"`
	TokenType    string  `json:"token_type"`
	ExpiresIn    int32   `json:"expires_in"`
	User         Summary `json:"user"`
}

// Login exchanges credentials at the provider and resolves the account's directory row.
//
// The id token is decoded without signature verification: it was received directly from
// the provider's token endpoint over TLS.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	const op = "account.Login"
	email = normalizeEmail(email)

	tokens, err := s.idp.PasswordGrant(ctx, email, password)
	if err != nil {
		msg := describe(err, MsgInvalidCredentials)
		s.recordFailure(ctx, audit.ActionLogin, "", email, err)
		return nil, apperr.Upstream(op, msg, err, msg)
	}

	raw := tokens.IDToken
	if raw == "" {
		raw = tokens.AccessToken
	}
	claims, err := unverified.Decode(raw, s.roleClaim, s.now())
	if err != nil {
		s.recordFailure(ctx, audit.ActionLogin, "", email, err)
		return nil, apperr.Upstream(op, MsgInvalidCredentials, err, "Identity token could not be decoded")
	}

	u, err := s.dir.GetByExternalID(ctx, claims.Subject)
	if err != nil {
		s.recordFailure(ctx, audit.ActionLogin, "", email, err)
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.NotFound(op, MsgUserNotFound, MsgNotInSystem)
		}
		return nil, err
	}
	if !u.Active() {
		err := apperr.Forbidden(op, "User account is "+string(u.Status))
		s.recordFailure(ctx, audit.ActionLogin, u.ID, email, err)
		return nil, err
	}

	s.record(ctx, audit.Event{Action: audit.ActionLogin, Result: audit.ResultSuccess, UserID: u.ID, Email: u.Email})

	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresIn := tokens.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = int32(s.expiresIn / time.Second)
	}
	return &LoginResult{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    expiresIn,
		User:         Summarize(u),
	}, nil
}
