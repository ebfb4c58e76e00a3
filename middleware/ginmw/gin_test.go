package ginmw_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/authn"
	"github.com/chimerakang/bustrack-api/envelope"
	"github.com/chimerakang/bustrack-api/fake"
	"github.com/chimerakang/bustrack-api/metrics"
	"github.com/chimerakang/bustrack-api/middleware/ginmw"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setup(m *metrics.Metrics) *gin.Engine {
	env := fake.New(
		fake.WithAccount("admin", "admin@example.com", "Secret123!", bustrack.RoleAdmin),
		fake.WithAccount("driver", "driver@example.com", "Secret123!", bustrack.RoleDriver),
		fake.WithAccount("student", "student@example.com", "Secret123!", bustrack.RoleStudent),
	)
	logger := slog.New(slog.DiscardHandler)

	r := gin.New()
	r.Use(ginmw.RequestID(), ginmw.AccessLog(logger, m), envelope.Errors(logger, false))
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	api := r.Group("/", ginmw.Auth(authn.FromServices(env.Services())))
	api.GET("/me", func(c *gin.Context) {
		u := ginmw.CurrentUser(c)
		c.JSON(http.StatusOK, gin.H{
			"id":         u.ID,
			"ctx_id":     bustrack.UserIDFromContext(c.Request.Context()),
			"subject":    c.MustGet(ginmw.KeyClaims).(*bustrack.Claims).Subject,
			"request_id": bustrack.RequestIDFromContext(c.Request.Context()),
		})
	})
	api.POST("/trips", ginmw.RequireRole(bustrack.RoleDriver, bustrack.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})
	return r
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_Success(t *testing.T) {
	r := setup(nil)
	w := do(r, http.MethodGet, "/me", "auth0|driver")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "driver", body["id"])
	assert.Equal(t, "driver", body["ctx_id"])
	assert.Equal(t, "auth0|driver", body["subject"])
	assert.Equal(t, w.Header().Get(ginmw.HeaderRequestID), body["request_id"])
}

func TestAuth_Rejections(t *testing.T) {
	r := setup(nil)
	tests := []struct {
		name  string
		token string
		msg   string
	}{
		{"missing token", "", "Not authenticated"},
		{"unknown token", "garbage", "Could not validate credentials"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodGet, "/me", tt.token)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

			var env envelope.Envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.False(t, env.Success)
			assert.Equal(t, tt.msg, env.Message)
		})
	}
}

func TestAuth_MalformedHeader(t *testing.T) {
	r := setup(nil)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublicRoute_NoToken(t *testing.T) {
	r := setup(nil)
	w := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRole(t *testing.T) {
	r := setup(nil)
	tests := []struct {
		token  string
		status int
	}{
		{"auth0|driver", http.StatusCreated},
		{"auth0|admin", http.StatusCreated},
		{"auth0|student", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			w := do(r, http.MethodPost, "/trips", tt.token)
			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusForbidden {
				var env envelope.Envelope
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
				assert.Equal(t, "Access denied. Required role: driver or admin", env.Message)
			}
		})
	}
}

func TestRequestID_Propagated(t *testing.T) {
	r := setup(nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(ginmw.HeaderRequestID, "req-abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "req-abc", w.Header().Get(ginmw.HeaderRequestID))

	w = do(r, http.MethodGet, "/health", "")
	assert.Len(t, w.Header().Get(ginmw.HeaderRequestID), 36)
}

func TestAccessLog_Metrics(t *testing.T) {
	m := metrics.New(true)
	r := setup(m)
	do(r, http.MethodGet, "/health", "")
	do(r, http.MethodGet, "/me", "")
	do(r, http.MethodGet, "/nowhere", "")

	n, err := testutil.GatherAndCount(m.Registry(), "bustrack_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
