package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/chimerakang/bustrack-api/envelope"
)

// Root handles GET /.
func (h *Handler) Root(c *gin.Context) {
	envelope.JSON(c, http.StatusOK, h.info.Name+" is running", h.info)
}

// Health handles GET /health. Backing stores are probed with a short deadline.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	if err := h.svcs.HealthCheck(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, envelope.Fail("Service unhealthy", "dependency check failed"))
		return
	}
	envelope.JSON(c, http.StatusOK, "Service healthy", gin.H{"status": "healthy", "version": h.info.Version})
}
