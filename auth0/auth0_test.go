package auth0_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/auth0"
)

type staticTokens struct {
	token       string
	invalidated atomic.Int32
}

func (s *staticTokens) ExchangeToken(context.Context, []string) (*bustrack.OAuth2Token, error) {
	return &bustrack.OAuth2Token{AccessToken: s.token}, nil
}

func (s *staticTokens) GetCachedToken(context.Context) (string, error) { return s.token, nil }

func (s *staticTokens) Invalidate() { s.invalidated.Add(1) }

type grantFunc func(ctx context.Context, username, password, scope string) (*bustrack.TokenSet, error)

func (f grantFunc) PasswordGrant(ctx context.Context, username, password, scope string) (*bustrack.TokenSet, error) {
	return f(ctx, username, password, scope)
}

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newProvider(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, auth: r.Header.Get("Authorization")}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newClient(t *testing.T, server *httptest.Server, tokens *staticTokens, login auth0.PasswordGranter, opts ...auth0.Option) *auth0.Client {
	t.Helper()
	opts = append([]auth0.Option{auth0.WithHTTPClient(server.Client())}, opts...)
	c, err := auth0.New(context.Background(), server.URL, "client-id", "client-secret", tokens, login, opts...)
	require.NoError(t, err)
	return c
}

func TestCreateUser(t *testing.T) {
	server, calls := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"user_id": "auth0|abc123",
			"email":   "a@b.com",
			"name":    "Ada",
		})
	})
	c := newClient(t, server, &staticTokens{token: "mgmt"}, nil)

	id, err := c.CreateUser(context.Background(), bustrack.NewIdentity{Email: "a@b.com", Password: "Secret123!", Name: "Ada"})
	require.NoError(t, err)
	assert.Equal(t, "auth0|abc123", id.ID)

	require.Len(t, *calls, 1)
	got := (*calls)[0]
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/api/v2/users", got.path)
	assert.Equal(t, "Bearer mgmt", got.auth)
	assert.Equal(t, auth0.DefaultConnection, got.body["connection"])
	assert.Equal(t, "Secret123!", got.body["password"])
	assert.Equal(t, false, got.body["email_verified"])
}

func TestCreateUser_ProviderMessageSurvives(t *testing.T) {
	server, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"statusCode": 409,
			"error":      "Conflict",
			"message":    "The user already exists.",
			"errorCode":  "auth0_idp_error",
		})
	})
	c := newClient(t, server, &staticTokens{token: "mgmt"}, nil)

	_, err := c.CreateUser(context.Background(), bustrack.NewIdentity{Email: "a@b.com", Password: "x"})

	var pe *auth0.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusConflict, pe.StatusCode)
	assert.Equal(t, "Conflict", pe.Code)
	assert.Equal(t, "The user already exists.", pe.Description())
}

func TestAddOrganizationMember(t *testing.T) {
	server, calls := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newClient(t, server, &staticTokens{token: "mgmt"}, nil)

	require.NoError(t, c.AddOrganizationMember(context.Background(), "org_42", "auth0|abc"))

	got := (*calls)[0]
	assert.Equal(t, "/api/v2/organizations/org_42/members", got.path)
	assert.Equal(t, []any{"auth0|abc"}, got.body["members"])
}

func TestDeleteAndSetPassword(t *testing.T) {
	server, calls := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"user_id": "auth0|abc"})
	})
	c := newClient(t, server, &staticTokens{token: "mgmt"}, nil, auth0.WithConnection("bus-db"))

	require.NoError(t, c.SetPassword(context.Background(), "auth0|abc", "NewSecret1!"))
	require.NoError(t, c.DeleteUser(context.Background(), "auth0|abc"))

	require.Len(t, *calls, 2)
	assert.Equal(t, http.MethodPatch, (*calls)[0].method)
	assert.Equal(t, "/api/v2/users/auth0|abc", (*calls)[0].path)
	assert.Equal(t, "NewSecret1!", (*calls)[0].body["password"])
	assert.Equal(t, "bus-db", (*calls)[0].body["connection"])
	assert.Equal(t, http.MethodDelete, (*calls)[1].method)
}

func TestSendPasswordReset_UsesAuthenticationAPI(t *testing.T) {
	server, calls := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`"We've just sent you an email to reset your password."`))
	})
	c := newClient(t, server, &staticTokens{token: "mgmt"}, nil)

	require.NoError(t, c.SendPasswordReset(context.Background(), "a@b.com"))

	got := (*calls)[0]
	assert.Equal(t, "/dbconnections/change_password", got.path)
	assert.Empty(t, got.auth, "reset mail must not carry the management token")
	assert.Equal(t, "client-id", got.body["client_id"])
	assert.Equal(t, "a@b.com", got.body["email"])
}

func TestManagementUnauthorizedInvalidatesToken(t *testing.T) {
	server, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"statusCode": 401, "error": "Unauthorized", "message": "Expired token"})
	})
	tokens := &staticTokens{token: "stale"}
	c := newClient(t, server, tokens, nil)

	err := c.DeleteUser(context.Background(), "auth0|abc")
	require.Error(t, err)
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestNonJSONErrorKeepsStatus(t *testing.T) {
	server, _ := newProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable\n"))
	})
	c := newClient(t, server, &staticTokens{token: "mgmt"}, nil)

	err := c.AddOrganizationMember(context.Background(), "org", "id")

	var pe *auth0.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
	assert.NotEmpty(t, pe.Description())
}

func TestPasswordGrant_Delegates(t *testing.T) {
	var gotScope string
	login := grantFunc(func(_ context.Context, username, password, scope string) (*bustrack.TokenSet, error) {
		gotScope = scope
		return &bustrack.TokenSet{AccessToken: "at-" + username}, nil
	})
	c, err := auth0.New(context.Background(), "https://tenant.example", "client-id", "client-secret", &staticTokens{}, login,
		auth0.WithScope("openid email"))
	require.NoError(t, err)

	ts, err := c.PasswordGrant(context.Background(), "a@b.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "at-a@b.com", ts.AccessToken)
	assert.Equal(t, "openid email", gotScope)
}
