package account_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/account"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/audit"
	"github.com/chimerakang/bustrack-api/fake"
	"github.com/chimerakang/bustrack-api/mocks"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

type auditTrail struct {
	mu     sync.Mutex
	events []audit.Event
}

func (a *auditTrail) handle(e audit.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditTrail) results(action string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		if e.Action == action {
			out = append(out, e.Result)
		}
	}
	return out
}

func newService(t *testing.T, opts ...fake.Option) (*account.Service, *fake.Env, *auditTrail) {
	t.Helper()
	env := fake.New(opts...)
	trail := &auditTrail{}
	logger := audit.New(16, audit.WithHandler(trail.handle))
	t.Cleanup(func() { logger.Close() })
	return account.FromServices(env.Services(), account.WithAudit(logger)), env, trail
}

func register(email string) account.RegisterInput {
	return account.RegisterInput{
		Email:           email,
		Password:        "Secret123!",
		ConfirmPassword: "Secret123!",
		Name:            "Alice",
		Phone:           "0912345678",
		Location:        "Taipei",
	}
}

func TestRegister(t *testing.T) {
	svc, env, _ := newService(t)

	reg, err := svc.Register(context.Background(), register("a@b.com"))
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", reg.Email)
	assert.Equal(t, bustrack.RoleStudent, reg.Role)
	assert.Nil(t, reg.OrganizationID)
	assert.Equal(t, bustrack.OutcomeSkipped, reg.OrganizationAttach.Outcome)

	users := env.Users()
	require.Len(t, users, 1)
	assert.Equal(t, reg.UserID, users[0].ID)
	assert.True(t, env.HasIdentity(users[0].ExternalID))
}

func TestRegister_PasswordMismatch_NoRemoteCall(t *testing.T) {
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockDirectory(ctrl)
	idp := mocks.NewMockIdentityProvider(ctrl)

	svc := account.New(dir, idp)
	in := register("a@b.com")
	in.ConfirmPassword = "Different1!"

	_, err := svc.Register(context.Background(), in)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.ErrValidation, ae.Kind)
	assert.Equal(t, "Passwords do not match", ae.Message)
	assert.Equal(t, []string{"Passwords do not match"}, ae.Details)
}

func TestRegister_DuplicateEmail_BeforeRemoteCall(t *testing.T) {
	svc, env, trail := newService(t, fake.WithUser(bustrack.User{ID: "u1", Email: "a@b.com"}))

	_, err := svc.Register(context.Background(), register("A@B.com"))
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Zero(t, env.Calls(fake.OpCreateUser))
	assert.Eventually(t, func() bool { return len(trail.results(audit.ActionRegister)) == 1 }, timeout, tick)
}

func TestRegister_ProviderFailure(t *testing.T) {
	svc, env, _ := newService(t, fake.WithFailure(fake.OpCreateUser, &fake.ProviderError{Message: "PasswordStrengthError: Password is too weak"}))

	_, err := svc.Register(context.Background(), register("a@b.com"))
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.ErrUpstream, ae.Kind)
	assert.Equal(t, []string{"PasswordStrengthError: Password is too weak"}, ae.Details)
	assert.Empty(t, env.Users())
	assert.Equal(t, 1, env.Calls(fake.OpCreateUser), "account creation is not retried")
}

func TestRegister_OrganizationAttach(t *testing.T) {
	t.Run("completed", func(t *testing.T) {
		svc, env, _ := newService(t)
		in := register("a@b.com")
		in.OrganizationID = "org_1"

		reg, err := svc.Register(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, bustrack.OutcomeCompleted, reg.OrganizationAttach.Outcome)
		require.NotNil(t, reg.OrganizationID)
		assert.Equal(t, "org_1", *reg.OrganizationID)
		assert.Equal(t, []string{"org_1"}, env.Organizations(env.Users()[0].ExternalID))
	})

	t.Run("failed is partial success", func(t *testing.T) {
		svc, env, trail := newService(t, fake.WithFailure(fake.OpAddOrgMember, errors.New("organization not found")))
		in := register("a@b.com")
		in.OrganizationID = "org_missing"

		reg, err := svc.Register(context.Background(), in)
		require.NoError(t, err)
		assert.Equal(t, bustrack.OutcomeFailed, reg.OrganizationAttach.Outcome)
		assert.Contains(t, reg.OrganizationAttach.Error, "organization not found")
		assert.Nil(t, reg.OrganizationID, "organization id is not stored after a failed attach")
		assert.Len(t, env.Users(), 1)
		assert.Eventually(t, func() bool {
			r := trail.results(audit.ActionRegister)
			return len(r) == 1 && r[0] == audit.ResultPartial
		}, timeout, tick)
	})
}

func TestRegister_InsertFailureRemovesIdentity(t *testing.T) {
	svc, env, _ := newService(t, fake.WithFailure(fake.OpInsert, errors.New("connection reset")))

	_, err := svc.Register(context.Background(), register("a@b.com"))
	assert.ErrorIs(t, err, apperr.ErrInternal)
	assert.Equal(t, 1, env.Calls(fake.OpDeleteUser))
}

func TestRegisterThenLogin(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, register("a@b.com"))
	require.NoError(t, err)

	res, err := svc.Login(ctx, "a@b.com", "Secret123!")
	require.NoError(t, err)
	assert.NotEmpty(t, res.AccessToken)
	assert.Empty(t, res.RefreshToken)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, reg.UserID, res.User.ID)
	assert.Equal(t, bustrack.RoleStudent, res.User.Role)
}

func TestLogin_WrongPassword(t *testing.T) {
	svc, _, _ := newService(t, fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent))

	_, err := svc.Login(context.Background(), "a@b.com", "nope")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.ErrUpstream, ae.Kind)
	assert.Equal(t, "Wrong email or password.", ae.Message)
}

func TestLogin_DefaultMessage(t *testing.T) {
	svc, _, _ := newService(t, fake.WithFailure(fake.OpPasswordGrant, errors.New("dial tcp: timeout")))

	_, err := svc.Login(context.Background(), "a@b.com", "x")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "Invalid credentials", ae.Message)
}

func TestLogin_NotInDirectory(t *testing.T) {
	svc, _, _ := newService(t, fake.WithIdentity("auth0|orphan", "o@b.com", "Secret123!"))

	_, err := svc.Login(context.Background(), "o@b.com", "Secret123!")
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, apperr.ErrNotFound, ae.Kind)
	assert.Equal(t, []string{"User not found in system"}, ae.Details)
}

func TestLogin_Inactive(t *testing.T) {
	svc, env, _ := newService(t, fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent))
	require.NoError(t, env.Directory().Deactivate(context.Background(), "u1"))

	_, err := svc.Login(context.Background(), "a@b.com", "Secret123!")
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestLogin_UndecodableToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockDirectory(ctrl)
	idp := mocks.NewMockIdentityProvider(ctrl)
	idp.EXPECT().PasswordGrant(gomock.Any(), "a@b.com", "pw").
		Return(&bustrack.TokenSet{AccessToken: "opaque", IDToken: "not-a-jwt"}, nil)

	_, err := account.New(dir, idp).Login(context.Background(), "a@b.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrUpstream)
}

func TestProvision(t *testing.T) {
	svc, env, _ := newService(t)
	ctx := context.Background()

	p, err := svc.Provision(ctx, account.ProvisionInput{
		Email:    "driver@b.com",
		Password: "Secret123!",
		Name:     "Dee",
		Role:     bustrack.RoleDriver,
	}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, bustrack.OutcomeCompleted, p.IdentityLink.Outcome)
	assert.Equal(t, bustrack.RoleDriver, p.User.Role)
	require.NotNil(t, p.User.CreatedBy)
	assert.Equal(t, "admin-1", *p.User.CreatedBy)
	assert.True(t, env.HasIdentity(p.User.ExternalID))

	noPw, err := svc.Provision(ctx, account.ProvisionInput{Email: "clerk@b.com", Name: "C"}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, bustrack.OutcomeSkipped, noPw.IdentityLink.Outcome)
	assert.Equal(t, bustrack.RoleStudent, noPw.User.Role)

	_, err = svc.Provision(ctx, account.ProvisionInput{Email: "x@b.com", Role: "captain"}, "admin-1")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestProvision_IdentityLinkFailure(t *testing.T) {
	svc, _, _ := newService(t, fake.WithFailure(fake.OpCreateUser, errors.New("rate limited")))

	p, err := svc.Provision(context.Background(), account.ProvisionInput{Email: "d@b.com", Password: "Secret123!"}, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, bustrack.OutcomeFailed, p.IdentityLink.Outcome)
	assert.Empty(t, p.User.ExternalID)
}

func TestDeleteAccount(t *testing.T) {
	svc, env, _ := newService(t, fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent))

	d, err := svc.DeleteAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, bustrack.OutcomeCompleted, d.Local.Outcome)
	assert.Equal(t, bustrack.OutcomeCompleted, d.Remote.Outcome)
	assert.False(t, env.HasIdentity("auth0|u1"))

	u, err := env.Directory().Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, bustrack.StatusInactive, u.Status)
}

func TestDeleteAccount_RemoteFailureIsPartial(t *testing.T) {
	svc, env, trail := newService(t,
		fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent),
		fake.WithFailure(fake.OpDeleteUser, errors.New("provider unavailable")),
	)

	d, err := svc.DeleteAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, bustrack.OutcomeCompleted, d.Local.Outcome)
	assert.Equal(t, bustrack.OutcomeFailed, d.Remote.Outcome)
	assert.True(t, env.HasIdentity("auth0|u1"))
	assert.Eventually(t, func() bool {
		r := trail.results(audit.ActionDelete)
		return len(r) == 1 && r[0] == audit.ResultPartial
	}, timeout, tick)
}

func TestDeleteAccount_LocalFailureAborts(t *testing.T) {
	svc, env, _ := newService(t,
		fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent),
		fake.WithFailure(fake.OpUpdate, errors.New("read-only transaction")),
	)

	_, err := svc.DeleteAccount(context.Background(), "u1")
	require.Error(t, err)
	assert.Zero(t, env.Calls(fake.OpDeleteUser))
}

func TestChangePassword(t *testing.T) {
	svc, env, _ := newService(t, fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent))
	ctx := context.Background()

	err := svc.ChangePassword(ctx, "u1", account.ChangePasswordInput{OldPassword: "Secret123!", NewPassword: "N3wSecret!", ConfirmNewPassword: "N3wSecret!"})
	require.NoError(t, err)

	_, err = env.Provider.PasswordGrant(ctx, "a@b.com", "N3wSecret!")
	assert.NoError(t, err)

	err = svc.ChangePassword(ctx, "u1", account.ChangePasswordInput{OldPassword: "wrong", NewPassword: "Another1!", ConfirmNewPassword: "Another1!"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	err = svc.ChangePassword(ctx, "u1", account.ChangePasswordInput{OldPassword: "N3wSecret!", NewPassword: "a", ConfirmNewPassword: "b"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestForgotPassword_SameMessage(t *testing.T) {
	svc, env, _ := newService(t, fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent))
	ctx := context.Background()

	known, err := svc.ForgotPassword(ctx, "a@b.com")
	require.NoError(t, err)
	unknown, err := svc.ForgotPassword(ctx, "ghost@b.com")
	require.NoError(t, err)
	assert.Equal(t, known, unknown)
	assert.Equal(t, []string{"a@b.com"}, env.ResetMails())
}

func TestAssignRoleAndDeactivate(t *testing.T) {
	svc, _, trail := newService(t, fake.WithAccount("u1", "a@b.com", "Secret123!", bustrack.RoleStudent))
	ctx := context.Background()

	u, err := svc.AssignRole(ctx, "u1", bustrack.RoleEmployee)
	require.NoError(t, err)
	assert.Equal(t, bustrack.RoleEmployee, u.Role)

	require.NoError(t, svc.Deactivate(ctx, "u1"))
	assert.ErrorIs(t, svc.Deactivate(ctx, "ghost"), apperr.ErrNotFound)
	assert.Eventually(t, func() bool { return len(trail.results(audit.ActionDeactivate)) == 2 }, timeout, tick)
}

func TestLogin_DefaultExpiry(t *testing.T) {
	ctrl := gomock.NewController(t)
	dir := mocks.NewMockDirectory(ctrl)
	idp := mocks.NewMockIdentityProvider(ctrl)

	env := fake.New(fake.WithIdentity("auth0|x", "x@b.com", "pw"))
	tokens, err := env.Provider.PasswordGrant(context.Background(), "x@b.com", "pw")
	require.NoError(t, err)
	tokens.ExpiresIn = 0
	tokens.RefreshToken = "rt-offline"

	idp.EXPECT().PasswordGrant(gomock.Any(), "x@b.com", "pw").Return(tokens, nil)
	dir.EXPECT().GetByExternalID(gomock.Any(), "auth0|x").
		Return(&bustrack.User{ID: "u1", Email: "x@b.com", Status: bustrack.StatusActive}, nil)

	res, err := account.New(dir, idp, account.WithDefaultExpiry(30*time.Minute)).Login(context.Background(), "x@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, int32(1800), res.ExpiresIn)
	assert.Equal(t, "rt-offline", res.RefreshToken)
}
