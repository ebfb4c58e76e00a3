// Package fake provides in-memory implementations of the directory backend, identity
// provider and token verifier for testing.
//
// Use fake.New() in unit tests to avoid network calls and external dependencies:
//
//	env := fake.New(fake.WithAccount("u1", "admin@bus.test", "Secret123!", bustrack.RoleAdmin))
//	svcs := env.Services()
package fake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/directory"
)

// Operation names for failure injection and call counting.
const (
	OpCreateUser    = "create_user"
	OpAddOrgMember  = "add_org_member"
	OpPasswordGrant = "password_grant"
	OpDeleteUser    = "delete_user"
	OpSetPassword   = "set_password"
	OpPasswordReset = "password_reset"
	OpInsert        = "insert"
	OpFind          = "find"
	OpUpdate        = "update"
)

// signingKey signs tokens issued by the fake provider.
var signingKey = []byte("bustrack-fake-signing-key")

// Issuer is the "iss" of fake tokens.
const Issuer = "https://fake.bustrack.test/"

// ProviderError mimics a provider rejection with a client-facing description.
type ProviderError struct{ Message string }

func (e *ProviderError) Error() string       { return "fake provider: " + e.Message }
func (e *ProviderError) Description() string { return e.Message }

type identity struct {
	bustrack.Identity
	password string
	orgs     []string
}

type state struct {
	mu         sync.RWMutex
	users      map[string]*bustrack.User // directory id -> row
	identities map[string]*identity      // identity id -> account
	failures   map[string]error          // op -> injected error
	calls      map[string]int            // op -> count
	resets     []string                  // emails that received reset mail
	nextID     int
	now        func() time.Time
}

// Option configures the fake environment.
type Option func(*state)

// WithUser adds a directory row.
func WithUser(u bustrack.User) Option {
	return func(s *state) {
		if u.Status == "" {
			u.Status = bustrack.StatusActive
		}
		if u.Role == "" {
			u.Role = bustrack.DefaultRole
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = s.tick()
			u.UpdatedAt = u.CreatedAt
		}
		s.users[u.ID] = &u
	}
}

// WithIdentity adds a provider account.
func WithIdentity(id, email, password string) Option {
	return func(s *state) {
		s.identities[id] = &identity{
			Identity: bustrack.Identity{ID: id, Email: email, Name: email},
			password: password,
		}
	}
}

// WithAccount adds a provider account "auth0|<id>" and a linked active directory row.
func WithAccount(id, email, password string, role bustrack.Role) Option {
	return func(s *state) {
		ext := "auth0|" + id
		WithIdentity(ext, email, password)(s)
		WithUser(bustrack.User{ID: id, ExternalID: ext, Email: email, Name: email, Role: role})(s)
	}
}

// WithFailure makes every call of op return err.
func WithFailure(op string, err error) Option {
	return func(s *state) { s.failures[op] = err }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *state) { s.now = now }
}

func newState(opts ...Option) *state {
	s := &state{
		users:      make(map[string]*bustrack.User),
		identities: make(map[string]*identity),
		failures:   make(map[string]error),
		calls:      make(map[string]int),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// tick returns strictly increasing timestamps so insertion order is stable.
func (s *state) tick() time.Time {
	s.nextID++
	return s.now().Add(time.Duration(s.nextID) * time.Millisecond)
}

// enter counts a call and returns the injected failure, if any. Caller holds mu.
func (s *state) enter(op string) error {
	s.calls[op]++
	return s.failures[op]
}

// Env bundles the fakes sharing one state.
type Env struct {
	s        *state
	Backend  *DirectoryBackend
	Provider *IdentityProvider
	Verifier *Verifier
}

// New creates fakes sharing one in-memory state.
func New(opts ...Option) *Env {
	s := newState(opts...)
	return &Env{
		s:        s,
		Backend:  &DirectoryBackend{s: s},
		Provider: &IdentityProvider{s: s},
		Verifier: &Verifier{s: s},
	}
}

// Directory returns a directory service over the fake backend.
func (e *Env) Directory() *directory.Service {
	return directory.New(e.Backend, directory.WithClock(e.s.now))
}

// Services returns a service aggregate wired to the fakes.
func (e *Env) Services(opts ...bustrack.Option) *bustrack.Services {
	base := []bustrack.Option{
		bustrack.WithTokenVerifier(e.Verifier),
		bustrack.WithDirectory(e.Directory()),
		bustrack.WithIdentityProvider(e.Provider),
	}
	svcs, _ := bustrack.NewServices(append(base, opts...)...)
	return svcs
}

// Calls returns how many times op was invoked.
func (e *Env) Calls(op string) int {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	return e.s.calls[op]
}

// Fail injects (or, with nil, clears) a failure for op.
func (e *Env) Fail(op string, err error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if err == nil {
		delete(e.s.failures, op)
		return
	}
	e.s.failures[op] = err
}

// Users returns a snapshot of all directory rows.
func (e *Env) Users() []bustrack.User {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	out := make([]bustrack.User, 0, len(e.s.users))
	for _, u := range e.s.users {
		out = append(out, *u)
	}
	return out
}

// HasIdentity reports whether a provider account exists.
func (e *Env) HasIdentity(id string) bool {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	_, ok := e.s.identities[id]
	return ok
}

// Organizations returns the organizations an identity was attached to.
func (e *Env) Organizations(id string) []string {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	if ident, ok := e.s.identities[id]; ok {
		return append([]string(nil), ident.orgs...)
	}
	return nil
}

// ResetMails returns the emails that were sent password reset mail.
func (e *Env) ResetMails() []string {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	return append([]string(nil), e.s.resets...)
}

// Token issues an access token for an identity, as the provider would.
func (e *Env) Token(identityID string) string {
	e.s.mu.RLock()
	defer e.s.mu.RUnlock()
	email := ""
	if ident, ok := e.s.identities[identityID]; ok {
		email = ident.Email
	}
	return e.s.sign(identityID, email, time.Hour)
}

func (s *state) sign(sub, email string, ttl time.Duration) string {
	now := s.now()
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": email,
		"iss":   Issuer,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}).SignedString(signingKey)
	return tok
}

// --- directory.Backend ---

// DirectoryBackend implements directory.Backend in memory.
type DirectoryBackend struct{ s *state }

var _ directory.Backend = (*DirectoryBackend)(nil)

func clone(u *bustrack.User) *bustrack.User {
	c := *u
	return &c
}

// Insert stores a row, enforcing unique email and external id.
func (b *DirectoryBackend) Insert(_ context.Context, u *bustrack.User) (*bustrack.User, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.enter(OpInsert); err != nil {
		return nil, err
	}
	for _, existing := range b.s.users {
		if existing.ID == u.ID || strings.EqualFold(existing.Email, u.Email) ||
			(u.ExternalID != "" && existing.ExternalID == u.ExternalID) {
			return nil, fmt.Errorf("%w: users", directory.ErrDuplicate)
		}
	}
	row := clone(u)
	b.s.users[row.ID] = row
	return clone(row), nil
}

// FindOne returns the row whose field equals value.
func (b *DirectoryBackend) FindOne(_ context.Context, field directory.Field, value string) (*bustrack.User, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.enter(OpFind); err != nil {
		return nil, err
	}
	for _, u := range b.s.users {
		var match bool
		switch field {
		case directory.ByID:
			match = u.ID == value
		case directory.ByExternalID:
			match = u.ExternalID != "" && u.ExternalID == value
		case directory.ByEmail:
			match = strings.EqualFold(u.Email, value)
		default:
			return nil, fmt.Errorf("fake: unsupported lookup field %q", field)
		}
		if match {
			return clone(u), nil
		}
	}
	return nil, directory.ErrNoRows
}

func matches(u *bustrack.User, q directory.Query) bool {
	if q.Role != "" && u.Role != q.Role {
		return false
	}
	if q.Status != "" && u.Status != q.Status {
		return false
	}
	if q.Search != "" {
		needle := strings.ToLower(q.Search)
		if !strings.Contains(strings.ToLower(u.Name), needle) && !strings.Contains(strings.ToLower(u.Email), needle) {
			return false
		}
	}
	return true
}

func (b *DirectoryBackend) filtered(q directory.Query) []*bustrack.User {
	var out []*bustrack.User
	for _, u := range b.s.users {
		if matches(u, q) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Find returns one window of matching rows, newest first.
func (b *DirectoryBackend) Find(_ context.Context, q directory.Query) ([]*bustrack.User, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.enter(OpFind); err != nil {
		return nil, err
	}
	all := b.filtered(q)
	if q.Offset < 0 || q.Offset >= len(all) {
		return []*bustrack.User{}, nil
	}
	end := len(all)
	if q.Limit > 0 && q.Limit < end-q.Offset {
		end = q.Offset + q.Limit
	}
	out := make([]*bustrack.User, 0, end-q.Offset)
	for _, u := range all[q.Offset:end] {
		out = append(out, clone(u))
	}
	return out, nil
}

// Count returns the number of matching rows.
func (b *DirectoryBackend) Count(_ context.Context, q directory.Query) (int, error) {
	b.s.mu.RLock()
	defer b.s.mu.RUnlock()
	return len(b.filtered(q)), nil
}

// Update applies a patch.
func (b *DirectoryBackend) Update(_ context.Context, id string, p bustrack.UserPatch, updatedAt time.Time) (*bustrack.User, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	if err := b.s.enter(OpUpdate); err != nil {
		return nil, err
	}
	u, ok := b.s.users[id]
	if !ok {
		return nil, directory.ErrNoRows
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Phone != nil {
		u.Phone = *p.Phone
	}
	if p.Location != nil {
		u.Location = *p.Location
	}
	if p.Role != nil {
		u.Role = *p.Role
	}
	if p.Status != nil {
		u.Status = *p.Status
	}
	u.UpdatedAt = updatedAt
	return clone(u), nil
}

// --- bustrack.IdentityProvider ---

// IdentityProvider implements bustrack.IdentityProvider in memory.
type IdentityProvider struct{ s *state }

var _ bustrack.IdentityProvider = (*IdentityProvider)(nil)

// CreateUser creates an account; duplicate emails are rejected like the real provider.
func (p *IdentityProvider) CreateUser(_ context.Context, in bustrack.NewIdentity) (*bustrack.Identity, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.enter(OpCreateUser); err != nil {
		return nil, err
	}
	for _, ident := range p.s.identities {
		if strings.EqualFold(ident.Email, in.Email) {
			return nil, &ProviderError{Message: "The user already exists."}
		}
	}
	p.s.nextID++
	id := fmt.Sprintf("auth0|fake%04d", p.s.nextID)
	p.s.identities[id] = &identity{
		Identity: bustrack.Identity{ID: id, Email: in.Email, Name: in.Name, EmailVerified: in.EmailVerified},
		password: in.Password,
	}
	out := p.s.identities[id].Identity
	return &out, nil
}

// AddOrganizationMember records an organization membership.
func (p *IdentityProvider) AddOrganizationMember(_ context.Context, orgID, identityID string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.enter(OpAddOrgMember); err != nil {
		return err
	}
	ident, ok := p.s.identities[identityID]
	if !ok {
		return &ProviderError{Message: "The user does not exist."}
	}
	ident.orgs = append(ident.orgs, orgID)
	return nil
}

// PasswordGrant checks credentials and issues signed tokens whose subject is the identity id.
func (p *IdentityProvider) PasswordGrant(_ context.Context, email, password string) (*bustrack.TokenSet, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.enter(OpPasswordGrant); err != nil {
		return nil, err
	}
	for _, ident := range p.s.identities {
		if strings.EqualFold(ident.Email, email) && ident.password == password {
			return &bustrack.TokenSet{
				AccessToken: p.s.sign(ident.ID, ident.Email, time.Hour),
				IDToken:     p.s.sign(ident.ID, ident.Email, time.Hour),
				TokenType:   "Bearer",
				ExpiresIn:   int32(time.Hour / time.Second),
				Scope:       "openid email profile",
			}, nil
		}
	}
	return nil, &ProviderError{Message: "Wrong email or password."}
}

// DeleteUser removes an account.
func (p *IdentityProvider) DeleteUser(_ context.Context, identityID string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.enter(OpDeleteUser); err != nil {
		return err
	}
	if _, ok := p.s.identities[identityID]; !ok {
		return &ProviderError{Message: "The user does not exist."}
	}
	delete(p.s.identities, identityID)
	return nil
}

// SetPassword replaces an account's password.
func (p *IdentityProvider) SetPassword(_ context.Context, identityID, password string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.enter(OpSetPassword); err != nil {
		return err
	}
	ident, ok := p.s.identities[identityID]
	if !ok {
		return &ProviderError{Message: "The user does not exist."}
	}
	ident.password = password
	return nil
}

// SendPasswordReset records the reset mail for known accounts.
func (p *IdentityProvider) SendPasswordReset(_ context.Context, email string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if err := p.s.enter(OpPasswordReset); err != nil {
		return err
	}
	for _, ident := range p.s.identities {
		if strings.EqualFold(ident.Email, email) {
			p.s.resets = append(p.s.resets, email)
			return nil
		}
	}
	return nil
}

// --- bustrack.TokenVerifier ---

// Verifier accepts tokens issued by the fake provider. For convenience a bare identity
// id is also accepted as a token.
type Verifier struct{ s *state }

var _ bustrack.TokenVerifier = (*Verifier)(nil)

// Verify validates a fake token.
func (v *Verifier) Verify(_ context.Context, token string) (*bustrack.Claims, error) {
	v.s.mu.RLock()
	ident, ok := v.s.identities[token]
	now := v.s.now()
	v.s.mu.RUnlock()

	if ok {
		return &bustrack.Claims{
			Subject:   ident.ID,
			Email:     ident.Email,
			Issuer:    Issuer,
			IssuedAt:  now,
			ExpiresAt: now.Add(time.Hour),
		}, nil
	}

	m := jwt.MapClaims{}
	_, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	).ParseWithClaims(token, m, func(*jwt.Token) (any, error) { return signingKey, nil })
	if err != nil {
		return nil, fmt.Errorf("fake: %w", err)
	}
	c := &bustrack.Claims{Issuer: Issuer}
	c.Subject, _ = m["sub"].(string)
	c.Email, _ = m["email"].(string)
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	if c.Subject == "" {
		return nil, errors.New("fake: token has no subject")
	}
	return c, nil
}
