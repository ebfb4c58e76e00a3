// Package mocks holds gomock doubles for the root interfaces: TokenVerifier, Directory,
// IdentityProvider and OAuth2TokenExchanger.
package mocks

import (
	context "context"
	reflect "reflect"

	bustrack "github.com/chimerakang/bustrack-api"
	gomock "go.uber.org/mock/gomock"
)

// MockTokenVerifier is a mock of TokenVerifier interface.
type MockTokenVerifier struct {
	ctrl     *gomock.Controller
	recorder *MockTokenVerifierMockRecorder
	isgomock struct{}
}

// MockTokenVerifierMockRecorder is the mock recorder for MockTokenVerifier.
type MockTokenVerifierMockRecorder struct {
	mock *MockTokenVerifier
}

// NewMockTokenVerifier creates a new mock instance.
func NewMockTokenVerifier(ctrl *gomock.Controller) *MockTokenVerifier {
	mock := &MockTokenVerifier{ctrl: ctrl}
	mock.recorder = &MockTokenVerifierMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockTokenVerifier) EXPECT() *MockTokenVerifierMockRecorder {
	return m.recorder
}

// Verify mocks base method.
func (m *MockTokenVerifier) Verify(ctx context.Context, token string) (*bustrack.Claims, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Verify", ctx, token)
	ret0, _ := ret[0].(*bustrack.Claims)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Verify indicates an expected call of Verify.
func (mr *MockTokenVerifierMockRecorder) Verify(ctx, token any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Verify", reflect.TypeOf((*MockTokenVerifier)(nil).Verify), ctx, token)
}

// MockDirectory is a mock of Directory interface.
type MockDirectory struct {
	ctrl     *gomock.Controller
	recorder *MockDirectoryMockRecorder
	isgomock struct{}
}

// MockDirectoryMockRecorder is the mock recorder for MockDirectory.
type MockDirectoryMockRecorder struct {
	mock *MockDirectory
}

// NewMockDirectory creates a new mock instance.
func NewMockDirectory(ctrl *gomock.Controller) *MockDirectory {
	mock := &MockDirectory{ctrl: ctrl}
	mock.recorder = &MockDirectoryMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockDirectory) EXPECT() *MockDirectoryMockRecorder {
	return m.recorder
}

// AssignRole mocks base method.
func (m *MockDirectory) AssignRole(ctx context.Context, id string, role bustrack.Role) (*bustrack.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AssignRole", ctx, id, role)
	ret0, _ := ret[0].(*bustrack.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// AssignRole indicates an expected call of AssignRole.
func (mr *MockDirectoryMockRecorder) AssignRole(ctx, id, role any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AssignRole", reflect.TypeOf((*MockDirectory)(nil).AssignRole), ctx, id, role)
}

// Create mocks base method.
func (m *MockDirectory) Create(ctx context.Context, u *bustrack.User) (*bustrack.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Create", ctx, u)
	ret0, _ := ret[0].(*bustrack.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Create indicates an expected call of Create.
func (mr *MockDirectoryMockRecorder) Create(ctx, u any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Create", reflect.TypeOf((*MockDirectory)(nil).Create), ctx, u)
}

// Deactivate mocks base method.
func (m *MockDirectory) Deactivate(ctx context.Context, id string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Deactivate", ctx, id)
	ret0, _ := ret[0].(error)
	return ret0
}

// Deactivate indicates an expected call of Deactivate.
func (mr *MockDirectoryMockRecorder) Deactivate(ctx, id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Deactivate", reflect.TypeOf((*MockDirectory)(nil).Deactivate), ctx, id)
}

// Get mocks base method.
func (m *MockDirectory) Get(ctx context.Context, id string) (*bustrack.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Get", ctx, id)
	ret0, _ := ret[0].(*bustrack.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Get indicates an expected call of Get.
func (mr *MockDirectoryMockRecorder) Get(ctx, id any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Get", reflect.TypeOf((*MockDirectory)(nil).Get), ctx, id)
}

// GetByEmail mocks base method.
func (m *MockDirectory) GetByEmail(ctx context.Context, email string) (*bustrack.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetByEmail", ctx, email)
	ret0, _ := ret[0].(*bustrack.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetByEmail indicates an expected call of GetByEmail.
func (mr *MockDirectoryMockRecorder) GetByEmail(ctx, email any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetByEmail", reflect.TypeOf((*MockDirectory)(nil).GetByEmail), ctx, email)
}

// GetByExternalID mocks base method.
func (m *MockDirectory) GetByExternalID(ctx context.Context, externalID string) (*bustrack.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetByExternalID", ctx, externalID)
	ret0, _ := ret[0].(*bustrack.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetByExternalID indicates an expected call of GetByExternalID.
func (mr *MockDirectoryMockRecorder) GetByExternalID(ctx, externalID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetByExternalID", reflect.TypeOf((*MockDirectory)(nil).GetByExternalID), ctx, externalID)
}

// List mocks base method.
func (m *MockDirectory) List(ctx context.Context, f bustrack.UserFilter) (*bustrack.UserPage, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "List", ctx, f)
	ret0, _ := ret[0].(*bustrack.UserPage)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// List indicates an expected call of List.
func (mr *MockDirectoryMockRecorder) List(ctx, f any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "List", reflect.TypeOf((*MockDirectory)(nil).List), ctx, f)
}

// Update mocks base method.
func (m *MockDirectory) Update(ctx context.Context, id string, p bustrack.UserPatch) (*bustrack.User, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Update", ctx, id, p)
	ret0, _ := ret[0].(*bustrack.User)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// Update indicates an expected call of Update.
func (mr *MockDirectoryMockRecorder) Update(ctx, id, p any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Update", reflect.TypeOf((*MockDirectory)(nil).Update), ctx, id, p)
}

// MockIdentityProvider is a mock of IdentityProvider interface.
type MockIdentityProvider struct {
	ctrl     *gomock.Controller
	recorder *MockIdentityProviderMockRecorder
	isgomock struct{}
}

// MockIdentityProviderMockRecorder is the mock recorder for MockIdentityProvider.
type MockIdentityProviderMockRecorder struct {
	mock *MockIdentityProvider
}

// NewMockIdentityProvider creates a new mock instance.
func NewMockIdentityProvider(ctrl *gomock.Controller) *MockIdentityProvider {
	mock := &MockIdentityProvider{ctrl: ctrl}
	mock.recorder = &MockIdentityProviderMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockIdentityProvider) EXPECT() *MockIdentityProviderMockRecorder {
	return m.recorder
}

// AddOrganizationMember mocks base method.
func (m *MockIdentityProvider) AddOrganizationMember(ctx context.Context, orgID string, identityID string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "AddOrganizationMember", ctx, orgID, identityID)
	ret0, _ := ret[0].(error)
	return ret0
}

// AddOrganizationMember indicates an expected call of AddOrganizationMember.
func (mr *MockIdentityProviderMockRecorder) AddOrganizationMember(ctx, orgID, identityID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AddOrganizationMember", reflect.TypeOf((*MockIdentityProvider)(nil).AddOrganizationMember), ctx, orgID, identityID)
}

// CreateUser mocks base method.
func (m *MockIdentityProvider) CreateUser(ctx context.Context, in bustrack.NewIdentity) (*bustrack.Identity, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "CreateUser", ctx, in)
	ret0, _ := ret[0].(*bustrack.Identity)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// CreateUser indicates an expected call of CreateUser.
func (mr *MockIdentityProviderMockRecorder) CreateUser(ctx, in any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "CreateUser", reflect.TypeOf((*MockIdentityProvider)(nil).CreateUser), ctx, in)
}

// DeleteUser mocks base method.
func (m *MockIdentityProvider) DeleteUser(ctx context.Context, identityID string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "DeleteUser", ctx, identityID)
	ret0, _ := ret[0].(error)
	return ret0
}

// DeleteUser indicates an expected call of DeleteUser.
func (mr *MockIdentityProviderMockRecorder) DeleteUser(ctx, identityID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "DeleteUser", reflect.TypeOf((*MockIdentityProvider)(nil).DeleteUser), ctx, identityID)
}

// PasswordGrant mocks base method.
func (m *MockIdentityProvider) PasswordGrant(ctx context.Context, email string, password string) (*bustrack.TokenSet, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "PasswordGrant", ctx, email, password)
	ret0, _ := ret[0].(*bustrack.TokenSet)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// PasswordGrant indicates an expected call of PasswordGrant.
func (mr *MockIdentityProviderMockRecorder) PasswordGrant(ctx, email, password any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "PasswordGrant", reflect.TypeOf((*MockIdentityProvider)(nil).PasswordGrant), ctx, email, password)
}

// SendPasswordReset mocks base method.
func (m *MockIdentityProvider) SendPasswordReset(ctx context.Context, email string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SendPasswordReset", ctx, email)
	ret0, _ := ret[0].(error)
	return ret0
}

// SendPasswordReset indicates an expected call of SendPasswordReset.
func (mr *MockIdentityProviderMockRecorder) SendPasswordReset(ctx, email any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SendPasswordReset", reflect.TypeOf((*MockIdentityProvider)(nil).SendPasswordReset), ctx, email)
}

// SetPassword mocks base method.
func (m *MockIdentityProvider) SetPassword(ctx context.Context, identityID string, password string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SetPassword", ctx, identityID, password)
	ret0, _ := ret[0].(error)
	return ret0
}

// SetPassword indicates an expected call of SetPassword.
func (mr *MockIdentityProviderMockRecorder) SetPassword(ctx, identityID, password any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetPassword", reflect.TypeOf((*MockIdentityProvider)(nil).SetPassword), ctx, identityID, password)
}

// MockOAuth2TokenExchanger is a mock of OAuth2TokenExchanger interface.
type MockOAuth2TokenExchanger struct {
	ctrl     *gomock.Controller
	recorder *MockOAuth2TokenExchangerMockRecorder
	isgomock struct{}
}

// MockOAuth2TokenExchangerMockRecorder is the mock recorder for MockOAuth2TokenExchanger.
type MockOAuth2TokenExchangerMockRecorder struct {
	mock *MockOAuth2TokenExchanger
}

// NewMockOAuth2TokenExchanger creates a new mock instance.
func NewMockOAuth2TokenExchanger(ctrl *gomock.Controller) *MockOAuth2TokenExchanger {
	mock := &MockOAuth2TokenExchanger{ctrl: ctrl}
	mock.recorder = &MockOAuth2TokenExchangerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockOAuth2TokenExchanger) EXPECT() *MockOAuth2TokenExchangerMockRecorder {
	return m.recorder
}

// ExchangeToken mocks base method.
func (m *MockOAuth2TokenExchanger) ExchangeToken(ctx context.Context, scopes []string) (*bustrack.OAuth2Token, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ExchangeToken", ctx, scopes)
	ret0, _ := ret[0].(*bustrack.OAuth2Token)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ExchangeToken indicates an expected call of ExchangeToken.
func (mr *MockOAuth2TokenExchangerMockRecorder) ExchangeToken(ctx, scopes any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ExchangeToken", reflect.TypeOf((*MockOAuth2TokenExchanger)(nil).ExchangeToken), ctx, scopes)
}

// GetCachedToken mocks base method.
func (m *MockOAuth2TokenExchanger) GetCachedToken(ctx context.Context) (string, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "GetCachedToken", ctx)
	ret0, _ := ret[0].(string)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// GetCachedToken indicates an expected call of GetCachedToken.
func (mr *MockOAuth2TokenExchangerMockRecorder) GetCachedToken(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "GetCachedToken", reflect.TypeOf((*MockOAuth2TokenExchanger)(nil).GetCachedToken), ctx)
}
