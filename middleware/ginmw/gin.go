// Package ginmw provides Gin HTTP middleware for bearer authentication, role checks,
// request correlation and access logging.
//
// Failures are recorded with c.Error and rendered by envelope.Errors, so every
// rejection uses the standard response envelope.
package ginmw

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/apperr"
	"github.com/chimerakang/bustrack-api/authz"
	"github.com/chimerakang/bustrack-api/envelope"
	"github.com/chimerakang/bustrack-api/metrics"
)

// Context keys for storing auth data in gin.Context.
const (
	KeyUser      = "bustrack_user"
	KeyClaims    = "bustrack_claims"
	KeyRequestID = "bustrack_request_id"
)

// HeaderRequestID carries the request correlation id.
const HeaderRequestID = "X-Request-ID"

// Authenticator resolves a bearer token to a directory user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*bustrack.User, *bustrack.Claims, error)
}

// Auth returns Gin middleware that authenticates the bearer token. On success the
// directory user and claims are stored in both the gin and the request context.
func Auth(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c.Request)
		if token == "" {
			envelope.Abort(c, apperr.Unauthorized("ginmw.Auth", "Not authenticated", nil))
			return
		}

		user, claims, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			envelope.Abort(c, err)
			return
		}

		c.Set(KeyUser, user)
		c.Set(KeyClaims, claims)
		ctx := bustrack.WithUser(c.Request.Context(), user)
		ctx = bustrack.WithClaims(ctx, claims)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// RequireRole returns Gin middleware that admits users holding one of roles. Admin is
// always admitted. Requires Auth to run first.
func RequireRole(roles ...bustrack.Role) gin.HandlerFunc {
	msg := "Access denied. Required role: " + authz.Describe(roles...)
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			envelope.Abort(c, apperr.Unauthorized("ginmw.RequireRole", "Not authenticated", nil))
			return
		}
		if !authz.Allows(user.Role, roles...) {
			envelope.Abort(c, apperr.Forbidden("ginmw.RequireRole", msg))
			return
		}
		c.Next()
	}
}

// RequestID propagates the incoming X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(KeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Request = c.Request.WithContext(bustrack.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// AccessLog logs one line per request and records HTTP metrics by route template.
func AccessLog(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveHTTP(c.Request.Method, route, status, elapsed)

		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}
		logger.LogAttrs(c.Request.Context(), level, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", GetRequestID(c)),
			slog.String("user_id", bustrack.UserIDFromContext(c.Request.Context())),
		)
	}
}

// --- Context helpers ---

// CurrentUser returns the authenticated directory user from the Gin context.
func CurrentUser(c *gin.Context) *bustrack.User {
	v, _ := c.Get(KeyUser)
	u, _ := v.(*bustrack.User)
	return u
}

// GetRequestID returns the request correlation id from the Gin context.
func GetRequestID(c *gin.Context) string {
	return c.GetString(KeyRequestID)
}

// --- internal helpers ---

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
