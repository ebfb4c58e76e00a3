// Package handler implements the HTTP route handlers. Handlers bind and validate the
// request, call the account flows or the directory, and reply with envelopes; failures
// are passed to c.Error for envelope.Errors to render.
package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/account"
	"github.com/chimerakang/bustrack-api/envelope"
	"github.com/chimerakang/bustrack-api/middleware/ginmw"
)

// Info describes the running service.
type Info struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Environment string `json:"environment"`
	AuthMode    string `json:"auth_mode"`
}

// Handler holds the collaborators shared by all routes.
type Handler struct {
	svcs     *bustrack.Services
	accounts *account.Service
	info     Info
	logger   *slog.Logger
}

// New creates route handlers.
func New(svcs *bustrack.Services, accounts *account.Service, info Info) *Handler {
	return &Handler{svcs: svcs, accounts: accounts, info: info, logger: svcs.Logger()}
}

func (h *Handler) dir() bustrack.Directory { return h.svcs.Directory() }

// fail records err for envelope.Errors.
func fail(c *gin.Context, err error) {
	envelope.Abort(c, err)
}

// me returns the authenticated user; Auth guarantees it is set on protected routes.
func me(c *gin.Context) *bustrack.User {
	return ginmw.CurrentUser(c)
}
