package bustrack

import "context"

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/chimerakang/bustrack-api TokenVerifier,Directory,IdentityProvider,OAuth2TokenExchanger

// TokenVerifier verifies bearer tokens and extracts claims.
// Implementations: jwks/ (signature-checked via JWKS), unverified/ (compatibility mode), fake/ (testing).
type TokenVerifier interface {
	// Verify validates the token and returns the extracted claims.
	Verify(ctx context.Context, token string) (*Claims, error)
}

// Directory is the local user directory.
// Implementations: directory.Service over a postgres, postgrest or in-memory backend.
type Directory interface {
	// Create inserts a new user and returns the stored row.
	Create(ctx context.Context, u *User) (*User, error)

	// Get returns a user by directory ID.
	Get(ctx context.Context, id string) (*User, error)

	// GetByExternalID returns the user linked to an identity provider account.
	GetByExternalID(ctx context.Context, externalID string) (*User, error)

	// GetByEmail returns the user with the given email.
	GetByEmail(ctx context.Context, email string) (*User, error)

	// List returns one page of users matching the filter plus the total match count.
	List(ctx context.Context, f UserFilter) (*UserPage, error)

	// Update applies a patch and returns the updated row.
	Update(ctx context.Context, id string, p UserPatch) (*User, error)

	// Deactivate soft-deletes a user by moving it to the inactive status.
	Deactivate(ctx context.Context, id string) error

	// AssignRole replaces the role of a user.
	AssignRole(ctx context.Context, id string, role Role) (*User, error)
}

// IdentityProvider is the remote identity service that owns credentials.
// Implementations: auth0/ (management + authentication APIs), fake/ (testing).
type IdentityProvider interface {
	// CreateUser creates a remote account. Not idempotent; callers must not retry blindly.
	CreateUser(ctx context.Context, in NewIdentity) (*Identity, error)

	// AddOrganizationMember attaches a remote account to an organization.
	AddOrganizationMember(ctx context.Context, orgID, identityID string) error

	// PasswordGrant exchanges a username and password for tokens.
	PasswordGrant(ctx context.Context, email, password string) (*TokenSet, error)

	// DeleteUser removes a remote account.
	DeleteUser(ctx context.Context, identityID string) error

	// SetPassword replaces the password of a remote account.
	SetPassword(ctx context.Context, identityID, password string) error

	// SendPasswordReset asks the provider to mail a reset link.
	SendPasswordReset(ctx context.Context, email string) error
}

// OAuth2TokenExchanger exchanges OAuth2 client credentials for access tokens.
// Implementations should handle token caching and automatic refresh.
type OAuth2TokenExchanger interface {
	// ExchangeToken requests a new access token using client credentials.
	ExchangeToken(ctx context.Context, scopes []string) (*OAuth2Token, error)

	// GetCachedToken returns a valid cached token, or fetches a new one if expired.
	GetCachedToken(ctx context.Context) (string, error)
}
