package server

import (
	"github.com/gin-gonic/gin"

	bustrack "github.com/chimerakang/bustrack-api"
	"github.com/chimerakang/bustrack-api/authz"
	"github.com/chimerakang/bustrack-api/handler"
	"github.com/chimerakang/bustrack-api/middleware/ginmw"
)

func routes(r *gin.Engine, prefix string, h *handler.Handler, auth gin.HandlerFunc) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)

	api := r.Group(prefix)
	api.GET("/health", h.Health)

	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/forgot-password", h.ForgotPassword)
	authGroup.GET("/me", auth, h.Me)
	authGroup.POST("/change-password", auth, h.ChangePassword)

	users := api.Group("/users", auth)
	users.GET("/me", h.GetMe)
	users.PUT("/me", h.UpdateMe)
	users.DELETE("/me", h.DeleteMe)

	admin := users.Group("", ginmw.RequireRole(authz.AdminOnly...))
	admin.GET("", h.ListUsers)
	admin.POST("", h.CreateUser)
	admin.GET("/:id", h.GetUser)
	admin.PUT("/:id", h.UpdateUser)
	admin.DELETE("/:id", h.DeleteUser)
	admin.PUT("/:id/role", h.AssignRole)

	fleet := api.Group("", auth)
	for _, res := range []struct {
		resource handler.Resource
		writers  []bustrack.Role
	}{
		{handler.Buses, authz.AdminOnly},
		{handler.Routes, authz.AdminOnly},
		{handler.Schedules, authz.AdminOnly},
		{handler.Trips, authz.TripWriters},
	} {
		g := fleet.Group("/" + res.resource.Name)
		g.GET("", ginmw.RequireRole(authz.Anyone...), h.List(res.resource))
		g.POST("", ginmw.RequireRole(res.writers...), h.Create(res.resource))
	}
}
