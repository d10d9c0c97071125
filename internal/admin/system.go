package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// GetLoadBalancing handles GET /load-balancing.
func (s *Service) GetLoadBalancing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"mode": s.pool.Mode()})
}

// LoadBalancingRequest is the POST /load-balancing body.
type LoadBalancingRequest struct {
	Mode string `json:"mode"`
}

// SetLoadBalancing handles POST /load-balancing.
func (s *Service) SetLoadBalancing(c *gin.Context) {
	var req LoadBalancingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return
	}
	if err := s.pool.SetMode(req.Mode); err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "%v", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": req.Mode})
}

// Logs handles GET /logs?n=, returning up to n recent log lines from the
// in-process ring buffer, oldest first. n defaults to 100.
func (s *Service) Logs(c *gin.Context) {
	n, ok := positiveQueryInt(c, "n", 100)
	if !ok {
		return
	}
	entries := utils.GetLogger().History(n)
	c.JSON(http.StatusOK, gin.H{"logs": entries, "count": len(entries)})
}

// Stats handles GET /stats?hours=, returning per-hour request counters.
// hours defaults to 24.
func (s *Service) Stats(c *gin.Context) {
	hours, ok := positiveQueryInt(c, "hours", 24)
	if !ok {
		return
	}
	buckets, err := s.stats.Recent(c.Request.Context(), hours)
	if err != nil {
		respondError(c, http.StatusInternalServerError, errInternal, "load stats: %v", err)
		return
	}
	var total int64
	for _, b := range buckets {
		total += b.Total
	}
	c.JSON(http.StatusOK, gin.H{"hours": hours, "total": total, "buckets": buckets})
}
