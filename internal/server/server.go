package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/admin"
	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/server/handlers"
	"github.com/kirocommunity/kiro-claude-proxy/internal/stats"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// Server is the HTTP front of the proxy: the Anthropic-compatible /v1
// surface, the MCP passthrough and the admin API.
type Server struct {
	cfg    *config.Config
	pool   *pool.Manager
	engine *kiro.Engine
	stats  stats.Store
	admin  *admin.Service

	router  *gin.Engine
	httpSrv *http.Server
}

// New builds the server and registers all routes.
func New(cfg *config.Config, p *pool.Manager, engine *kiro.Engine, st stats.Store, adminSvc *admin.Service) *Server {
	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.SetTrustedProxies(nil)
	router.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		pool:   p,
		engine: engine,
		stats:  st,
		admin:  adminSvc,
		router: router,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(CORSMiddleware())
	r.Use(SilentHandlerMiddleware())
	r.Use(RequestLoggingMiddleware())
	r.Use(BodyLimitMiddleware(config.RequestBodyLimit))

	health := handlers.NewHealthHandler(s.pool)
	r.GET("/health", health.Health)

	messages := handlers.NewMessagesHandler(s.engine, s.cfg)
	v1 := r.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	v1.Use(StatsMiddleware(s.stats))
	{
		v1.POST("/messages", messages.Messages)
		v1.POST("/messages/count_tokens", messages.CountTokens)
		v1.GET("/models", handlers.ListModels)
	}

	mcp := handlers.NewMCPHandler(s.engine)
	mcpGroup := r.Group("/mcp")
	mcpGroup.Use(APIKeyAuthMiddleware(s.cfg))
	mcpGroup.POST("", mcp.MCP)

	adminGroup := r.Group("/api/admin")
	adminGroup.Use(AdminAuthMiddleware(s.cfg))
	s.admin.Register(adminGroup)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, anthropic.NewErrorResponse("not_found_error",
			fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path)))
	})
}

// Start listens on the configured host and port and serves until
// Shutdown. The long write timeout leaves room for slow streams.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.router
}
