package bustrack

import "time"

// Role is the access tier of a directory user.
type Role string

const (
	RoleStudent  Role = "student"  // base tier, assigned on self-registration
	RoleEmployee Role = "employee" // staff tier
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

// DefaultRole is assigned to self-registered users.
const DefaultRole = RoleStudent

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleEmployee, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Status is the lifecycle state of a directory user.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusSuspended:
		return true
	}
	return false
}

// User is a row of the local directory. ExternalID is a back-reference to
// the identity provider's account and is owned by the provider.
type User struct {
	ID             string    `json:"id"`
	ExternalID     string    `json:"external_id,omitempty"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Phone          string    `json:"phone"`
	Location       string    `json:"location"`
	Role           Role      `json:"role"`
	Status         Status    `json:"status"`
	OrganizationID *string   `json:"organization_id"`
	CreatedBy      *string   `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Active reports whether the user may authenticate.
func (u *User) Active() bool {
	return u.Status == "" || u.Status == StatusActive
}

// UserPatch holds the mutable fields of a user. Nil fields are left untouched.
type UserPatch struct {
	Name     *string
	Phone    *string
	Location *string
	Role     *Role
	Status   *Status
}

// Empty reports whether the patch changes nothing.
func (p UserPatch) Empty() bool {
	return p.Name == nil && p.Phone == nil && p.Location == nil && p.Role == nil && p.Status == nil
}

// UserFilter selects and paginates directory users.
type UserFilter struct {
	Role    Role
	Status  Status
	Search  string // case-insensitive substring over name and email
	Page    int
	PerPage int
}

// Offset returns the zero-based index of the first row of the page.
func (f UserFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// UserPage is one page of a filtered listing.
type UserPage struct {
	Users   []*User `json:"users"`
	Total   int     `json:"total"`
	Page    int     `json:"page"`
	PerPage int     `json:"per_page"`
}

// Claims represents the claims extracted from a bearer token.
type Claims struct {
	Subject   string
	Email     string
	Role      string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Extra     map[string]any
}

// Identity is an account held by the identity provider.
type Identity struct {
	ID            string
	Email         string
	Name          string
	EmailVerified bool
}

// NewIdentity describes an account to create at the identity provider.
type NewIdentity struct {
	Email         string
	Password      string
	Name          string
	EmailVerified bool
}

// TokenSet is the result of a resource-owner password grant.
type TokenSet struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	TokenType    string // "Bearer"
	ExpiresIn    int32
	Scope        string
}

// OAuth2Token represents a client-credentials access token.
type OAuth2Token struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int32
	ExpiresAt   time.Time
	Scope       string
}

// Outcome records how a secondary step of a multi-step operation ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// StepResult is the recorded state of a best-effort step, so callers can
// tell full success from partial success.
type StepResult struct {
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// Completed returns a successful step result.
func Completed() StepResult { return StepResult{Outcome: OutcomeCompleted} }

// Skipped returns a step result for a step that did not apply.
func Skipped() StepResult { return StepResult{Outcome: OutcomeSkipped} }

// Failed returns a step result carrying err's text.
func Failed(err error) StepResult {
	r := StepResult{Outcome: OutcomeFailed}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}
