package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/envelope"
)

// Resource is one placeholder fleet collection.
type Resource struct {
	Name     string // plural path segment, e.g. "buses"
	Singular string
	Title    string
	newRec   func() any
}

// Fleet resources. Reads are open to any authenticated user; see server for write roles.
var (
	Buses     = Resource{Name: "buses", Singular: "bus", Title: "Buses", newRec: func() any { return new(bustrack.Bus) }}
	Routes    = Resource{Name: "routes", Singular: "route", Title: "Routes", newRec: func() any { return new(bustrack.Route) }}
	Schedules = Resource{Name: "schedules", Singular: "schedule", Title: "Schedules", newRec: func() any { return new(bustrack.Schedule) }}
	Trips     = Resource{Name: "trips", Singular: "trip", Title: "Trips", newRec: func() any { return new(bustrack.Trip) }}
)

// List handles GET /<resource>. Always an empty page.
func (h *Handler) List(r Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		envelope.JSON(c, http.StatusOK, r.Title+" endpoint - Coming soon!", []any{})
	}
}

// Create handles POST /<resource>: the body is validated, then 501 is returned.
func (h *Handler) Create(r Resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec := r.newRec()
		if err := c.ShouldBindJSON(rec); err != nil {
			fail(c, err)
			return
		}
		fail(c, envelope.Errorf(http.StatusNotImplemented, "Create %s - Coming soon!", r.Singular))
	}
}
