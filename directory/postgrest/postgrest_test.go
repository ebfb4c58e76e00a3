package postgrest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/directory"
	"github.com/chimerakang/bustrack-api/directory/postgrest"
)

type captured struct {
	method string
	path   string
	query  url.Values
	header http.Header
	body   map[string]any
}

func newServer(t *testing.T, reply func(w http.ResponseWriter, r *http.Request)) (*postgrest.Backend, *captured) {
	t.Helper()
	var last captured
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last = captured{method: r.Method, path: r.URL.Path, query: r.URL.Query(), header: r.Header.Clone()}
		_ = json.NewDecoder(r.Body).Decode(&last.body)
		w.Header().Set("Content-Type", "application/json")
		reply(w, r)
	}))
	t.Cleanup(server.Close)
	return postgrest.New(server.URL+"/", "service-key"), &last
}

func rowJSON(id, email string) map[string]any {
	return map[string]any{
		"id": id, "auth0_id": "auth0|" + id, "email": email, "name": "Ada", "phone": nil,
		"location": "Lagos", "role": "student", "status": "active", "organization_id": nil,
		"created_by": nil, "created_at": "2026-01-02T03:04:05Z", "updated_at": "2026-01-02T03:04:05Z",
	}
}

func TestFindOne_ByEmail(t *testing.T) {
	id := uuid.NewString()
	b, last := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{rowJSON(id, "a@b.com")})
	})

	u, err := b.FindOne(context.Background(), directory.ByEmail, "A_B@b.com")
	require.NoError(t, err)

	assert.Equal(t, id, u.ID)
	assert.Equal(t, "auth0|"+id, u.ExternalID)
	assert.Equal(t, "", u.Phone)
	assert.Nil(t, u.OrganizationID)
	assert.Equal(t, "/rest/v1/users", last.path)
	assert.Equal(t, `ilike.A\_B@b.com`, last.query.Get("email"))
	assert.Equal(t, "1", last.query.Get("limit"))
	assert.Equal(t, "service-key", last.header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", last.header.Get("Authorization"))
}

func TestFindOne_NoRows(t *testing.T) {
	b, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("[]"))
	})

	_, err := b.FindOne(context.Background(), directory.ByExternalID, "auth0|missing")
	assert.ErrorIs(t, err, directory.ErrNoRows)
}

func TestFindOne_MalformedIDSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	b, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	_, err := b.FindOne(context.Background(), directory.ByID, "42")
	assert.ErrorIs(t, err, directory.ErrNoRows)
	assert.Zero(t, calls.Load())
}

func TestFind_FilterAndWindow(t *testing.T) {
	b, last := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]any{rowJSON(uuid.NewString(), "x@y.z")})
	})

	users, err := b.Find(context.Background(), directory.Query{
		Role: bustrack.RoleAdmin, Status: bustrack.StatusActive, Search: `o'neil, "jr"`, Limit: 20, Offset: 40,
	})
	require.NoError(t, err)
	assert.Len(t, users, 1)

	assert.Equal(t, "eq.admin", last.query.Get("role"))
	assert.Equal(t, "eq.active", last.query.Get("status"))
	assert.Equal(t, `(name.ilike."*o'neil, \"jr\"*",email.ilike."*o'neil, \"jr\"*")`, last.query.Get("or"))
	assert.Equal(t, "20", last.query.Get("limit"))
	assert.Equal(t, "40", last.query.Get("offset"))
	assert.Equal(t, "created_at.desc.nullslast,id.asc.nullslast", last.query.Get("order"))
}

func TestCount_ExactContentRange(t *testing.T) {
	b, last := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-0/57")
		_, _ = w.Write([]byte(`[{"id":"x"}]`))
	})

	n, err := b.Count(context.Background(), directory.Query{Role: bustrack.RoleStudent, Limit: 5, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 57, n)
	assert.Equal(t, "count=exact", last.header.Get("Prefer"))
	assert.Equal(t, "eq.student", last.query.Get("role"))
	assert.Empty(t, last.query.Get("offset"), "count ignores the window")
}

func TestInsert_DuplicateMapsToErrDuplicate(t *testing.T) {
	b, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"code":    "23505",
			"message": `duplicate key value violates unique constraint "users_email_key"`,
		})
	})

	_, err := b.Insert(context.Background(), &bustrack.User{ID: uuid.NewString(), Email: "a@b.com"})
	assert.ErrorIs(t, err, directory.ErrDuplicate)
}

func TestInsert_SendsRepresentationPreference(t *testing.T) {
	id := uuid.NewString()
	b, last := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode([]any{rowJSON(id, "a@b.com")})
	})

	u, err := b.Insert(context.Background(), &bustrack.User{
		ID: id, ExternalID: "auth0|" + id, Email: "a@b.com", Role: bustrack.RoleStudent, Status: bustrack.StatusActive,
	})
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, http.MethodPost, last.method)
	assert.Equal(t, "return=representation", last.header.Get("Prefer"))
	assert.Equal(t, "auth0|"+id, last.body["auth0_id"])
}

func TestUpdate_PatchesOnlySetFields(t *testing.T) {
	id := uuid.NewString()
	b, last := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		row := rowJSON(id, "a@b.com")
		row["status"] = "inactive"
		_ = json.NewEncoder(w).Encode([]any{row})
	})

	inactive := bustrack.StatusInactive
	u, err := b.Update(context.Background(), id, bustrack.UserPatch{Status: &inactive}, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, bustrack.StatusInactive, u.Status)
	assert.Equal(t, http.MethodPatch, last.method)
	assert.Equal(t, "eq."+id, last.query.Get("id"))
	assert.Equal(t, "inactive", last.body["status"])
	assert.Equal(t, "2026-05-01T00:00:00Z", last.body["updated_at"])
	assert.NotContains(t, last.body, "name")
}

func TestUpstreamErrorSurfaces(t *testing.T) {
	b, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"code": "PGRST301", "message": "Invalid API key"})
	})

	_, err := b.Find(context.Background(), directory.Query{Limit: 1})

	var pe *postgrest.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "PGRST301", pe.Code)
	assert.Equal(t, "Invalid API key", pe.Message)
	assert.NotErrorIs(t, err, directory.ErrDuplicate)
}

func TestCount_MissingTotalIsZero(t *testing.T) {
	b, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "*/0")
		_, _ = w.Write([]byte("[]"))
	})

	n, err := b.Count(context.Background(), directory.Query{Search: "nobody"})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCanceledContextStopsRequest(t *testing.T) {
	var calls atomic.Int32
	b, _ := newServer(t, func(w http.ResponseWriter, r *http.Request) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.FindOne(ctx, directory.ByEmail, "a@b.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}
