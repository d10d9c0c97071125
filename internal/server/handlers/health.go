// Package handlers implements the public HTTP endpoints.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
)

// HealthHandler reports liveness and pool capacity.
type HealthHandler struct {
	pool *pool.Manager
}

// NewHealthHandler creates a HealthHandler backed by the credential pool.
func NewHealthHandler(p *pool.Manager) *HealthHandler {
	return &HealthHandler{pool: p}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	enabled, total := h.pool.Counts()
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"credentials": gin.H{
			"enabled": enabled,
			"total":   total,
		},
	})
}
