// Package admin implements the management API mounted under /api/admin:
// credential CRUD, balance and account lookups, load-balancing mode, token
// imports, log history and usage stats.
package admin

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/stats"
)

// Admin error types, rendered as {"error": {"type", "message"}}.
const (
	errInvalidRequest    = "invalid_request"
	errInvalidCredential = "invalid_credential"
	errNotFound          = "not_found"
	errAPIError          = "api_error"
	errInternal          = "internal_error"
)

// Service wires the admin endpoints to the pool, the upstream engine and
// the stats store.
type Service struct {
	cfg      *config.Config
	pool     *pool.Manager
	engine   *kiro.Engine
	stats    stats.Store
	balances *balanceFileCache
}

// NewService builds the admin service. The balance file cache is loaded
// from the cache dir right away so fresh entries survive a restart.
func NewService(cfg *config.Config, p *pool.Manager, engine *kiro.Engine, st stats.Store) *Service {
	return &Service{
		cfg:      cfg,
		pool:     p,
		engine:   engine,
		stats:    st,
		balances: newBalanceFileCache(config.BalanceCachePath(), p.Clock()),
	}
}

// Register mounts every admin route on the group. Authentication is the
// caller's concern; the server wraps the group with the admin key check.
func (s *Service) Register(g *gin.RouterGroup) {
	g.GET("/credentials", s.ListCredentials)
	g.POST("/credentials", s.AddCredential)
	g.DELETE("/credentials/:id", s.DeleteCredential)
	g.POST("/credentials/:id/disable", s.DisableCredential)
	g.POST("/credentials/:id/enable", s.EnableCredential)
	g.POST("/credentials/:id/priority", s.SetPriority)
	g.GET("/credentials/:id/balance", s.GetBalance)
	g.GET("/credentials/:id/account", s.GetAccount)
	g.GET("/balances", s.CachedBalances)
	g.GET("/load-balancing", s.GetLoadBalancing)
	g.POST("/load-balancing", s.SetLoadBalancing)
	g.POST("/import", s.Import)
	g.GET("/logs", s.Logs)
	g.GET("/stats", s.Stats)
}

func respondError(c *gin.Context, status int, errType, format string, args ...any) {
	c.JSON(status, gin.H{"error": gin.H{
		"type":    errType,
		"message": fmt.Sprintf(format, args...),
	}})
}

// credentialID parses the :id path parameter. A malformed value answers
// 400 and reports false.
func credentialID(c *gin.Context) (uint64, bool) {
	raw := c.Param("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid credential id %q", raw)
		return 0, false
	}
	return id, true
}

// positiveQueryInt reads an optional positive integer query parameter,
// falling back to def when absent. Malformed or non-positive values answer
// 400 and report false.
func positiveQueryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		respondError(c, http.StatusBadRequest, errInvalidRequest, "invalid %s %q", name, raw)
		return 0, false
	}
	return v, true
}
