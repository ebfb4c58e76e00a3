package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chimerakang/bustrack-api/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
	UseJSONFieldNames()
}

func fixedClock(t *testing.T) {
	t.Helper()
	prev := now
	now = func() time.Time { return time.Date(2026, 5, 6, 7, 8, 9, 0, time.FixedZone("X", 8*3600)) }
	t.Cleanup(func() { now = prev })
}

func TestOK(t *testing.T) {
	fixedClock(t)
	env := OK("done", map[string]int{"n": 1})

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"done","data":{"n":1},"timestamp":"2026-05-05T23:08:09Z"}`, string(raw))
}

func TestFail(t *testing.T) {
	fixedClock(t)
	raw, err := json.Marshal(Fail("nope"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"message":"nope","errors":["nope"],"timestamp":"2026-05-05T23:08:09Z"}`, string(raw))
}

type described struct{}

func (described) Description() string { return "Wrong email or password." }

func TestFromError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		debug   bool
		status  int
		message string
		errs    []string
	}{
		{"validation kind", apperr.Validation("op", "Passwords do not match", "Passwords do not match"), false, 422, "Passwords do not match", []string{"Passwords do not match"}},
		{"unauthorized", apperr.Unauthorized("op", "Could not validate credentials", nil), false, 401, "Could not validate credentials", []string{"Could not validate credentials"}},
		{"forbidden", apperr.Forbidden("op", "Access denied. Required role: admin"), false, 403, "Access denied. Required role: admin", nil},
		{"not found", apperr.NotFound("op", "User not found", "User with this ID does not exist"), false, 404, "User not found", []string{"User with this ID does not exist"}},
		{"conflict", apperr.Conflict("op", "User already exists"), false, 409, "User already exists", nil},
		{"upstream keeps 200", apperr.Upstream("op", "Registration failed", errors.New("x"), "The user already exists."), false, 200, "Registration failed", []string{"The user already exists."}},
		{"internal hides cause", apperr.Internal("op", errors.New("pq: password authentication failed")), false, 500, "Internal server error", []string{"Internal server error"}},
		{"internal debug shows cause", apperr.Internal("op", errors.New("boom")), true, 500, "Internal server error", nil},
		{"plain error", errors.New("boom"), false, 500, "Internal server error", []string{"Internal server error"}},
		{"wrapped sentinel", fmt.Errorf("lookup: %w", apperr.ErrNotFound), false, 404, "Not Found", nil},
		{"http error string", &HTTPError{Status: 418, Detail: "teapot"}, false, 418, "teapot", []string{"teapot"}},
		{"http error provider map", &HTTPError{Status: 401, Detail: map[string]any{"error": "invalid_grant", "error_description": "Wrong email or password."}}, false, 401, "Wrong email or password.", nil},
		{"http error message map", &HTTPError{Status: 400, Detail: map[string]any{"message": "bad thing"}}, false, 400, "bad thing", nil},
		{"http error shapeless map", &HTTPError{Status: 400, Detail: map[string]any{"code": 1}}, false, 400, "Something went wrong", nil},
		{"http error describer", &HTTPError{Status: 403, Detail: described{}}, false, 403, "Wrong email or password.", nil},
		{"empty body", io.EOF, false, 422, "Validation error", []string{"body: field required"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, env := FromError(tt.err, tt.debug)
			assert.Equal(t, tt.status, status)
			assert.False(t, env.Success)
			assert.Equal(t, tt.message, env.Message)
			assert.Nil(t, env.Data)
			assert.NotEmpty(t, env.Errors)
			if tt.errs != nil {
				assert.Equal(t, tt.errs, env.Errors)
			}
		})
	}
}

func TestFromError_DebugExposesCause(t *testing.T) {
	_, env := FromError(apperr.Internal("op", errors.New("boom")), true)
	assert.Contains(t, env.Errors[0], "boom")
}

type registerBody struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Phone    string `json:"phone" binding:"required,min=10,max=15"`
	Role     string `json:"role" binding:"omitempty,oneof=student admin"`
}

func bindJSON(body string) error {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	c.Request.Header.Set("Content-Type", "application/json")
	var b registerBody
	return c.ShouldBindJSON(&b)
}

func TestFromError_BindingFailures(t *testing.T) {
	status, env := FromError(bindJSON(`{"email":"nope","password":"short","phone":"123","role":"pilot"}`), false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "Validation error", env.Message)
	assert.Equal(t, []string{
		"email: value is not a valid email address",
		"password: ensure this value has at least 8 characters",
		"phone: ensure this value has at least 10 characters",
		"role: value is not one of: student, admin",
	}, env.Errors)

	status, env = FromError(bindJSON(`{"email":`), false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	require.Len(t, env.Errors, 1)

	status, env = FromError(bindJSON(`{"email":42}`), false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, []string{"email: expected string"}, env.Errors)

	status, _ = FromError(bindJSON(``), false)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func newEngine(debug bool, h gin.HandlerFunc) *gin.Engine {
	logger := slog.New(slog.DiscardHandler)
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(Recovery(logger, debug), Errors(logger, debug))
	r.NoRoute(NoRoute)
	r.NoMethod(NoMethod)
	r.GET("/x", h)
	return r
}

func serve(r http.Handler, method, path string) (*httptest.ResponseRecorder, Envelope) {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	var env Envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func TestErrorsMiddleware(t *testing.T) {
	r := newEngine(false, func(c *gin.Context) {
		Abort(c, apperr.Unauthorized("op", "Could not validate credentials", nil))
	})
	w, env := serve(r, http.MethodGet, "/x")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "Could not validate credentials", env.Message)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := newEngine(false, func(c *gin.Context) { panic("nil map write") })
	w, env := serve(r, http.MethodGet, "/x")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.False(t, env.Success)
	assert.Equal(t, []string{"Internal server error"}, env.Errors)

	r = newEngine(true, func(c *gin.Context) { panic("nil map write") })
	_, env = serve(r, http.MethodGet, "/x")
	assert.Contains(t, env.Errors[0], "nil map write")
}

func TestSuccessPassesThrough(t *testing.T) {
	r := newEngine(false, func(c *gin.Context) { JSON(c, http.StatusOK, "ok", []string{}) })
	w, env := serve(r, http.MethodGet, "/x")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
	assert.JSONEq(t, `[]`, mustJSON(t, env.Data))
}

func TestNoRouteNoMethod(t *testing.T) {
	r := newEngine(false, func(c *gin.Context) {})

	w, env := serve(r, http.MethodGet, "/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", env.Message)

	w, env = serve(r, http.MethodPost, "/x")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "Method not allowed", env.Message)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}
