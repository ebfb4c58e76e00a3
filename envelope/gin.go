package envelope

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chimerakang/bustrack-api/apperr"
)

// JSON writes a success envelope.
func JSON(c *gin.Context, status int, message string, data any) {
	c.JSON(status, OK(message, data))
}

// Abort records err on the context and stops the handler chain; Errors renders it.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// Render writes err as a failure envelope and aborts.
func Render(c *gin.Context, err error, debug bool) {
	status, env := FromError(err, debug)
	write(c, status, env)
}

func write(c *gin.Context, status int, env Envelope) {
	if status == http.StatusUnauthorized {
		c.Header("WWW-Authenticate", "Bearer")
	}
	c.AbortWithStatusJSON(status, env)
}

// Errors renders the last handler error recorded with c.Error, unless a response was
// already written. Server faults are logged with their cause.
func Errors(logger *slog.Logger, debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status, env := FromError(err, debug)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request.Context(), "request failed",
				"method", c.Request.Method, "path", c.Request.URL.Path, "status", status, "error", err)
		}
		write(c, status, env)
	}
}

// Recovery converts panics into 500 envelopes. http.ErrAbortHandler is re-raised.
func Recovery(logger *slog.Logger, debug bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("panic: %v", rec)
			}
			logger.ErrorContext(c.Request.Context(), "panic recovered",
				"method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
			if c.Writer.Written() {
				c.Abort()
				return
			}
			Render(c, apperr.Internal("recovery", err), debug)
		}()
		c.Next()
	}
}

// NoRoute renders unknown paths.
func NoRoute(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusNotFound, Fail(MsgNotFound))
}

// NoMethod renders known paths with an unsupported method.
func NoMethod(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusMethodNotAllowed, Fail(MsgNotAllowed))
}
