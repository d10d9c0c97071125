// Package server wires the Anthropic-compatible HTTP surface over the
// credential pool and the Kiro call engine.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/server/handlers"
	"github.com/kirocommunity/kiro-claude-proxy/internal/stats"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// CORSMiddleware answers preflight requests and opens the API to
// browser-based clients.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// providedKey pulls the caller-supplied key from the Authorization header
// (Bearer form) or the x-api-key header Anthropic SDKs send.
func providedKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return c.GetHeader("x-api-key")
}

// APIKeyAuthMiddleware validates callers of the /v1 surface. An empty
// configured key disables authentication.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}
		if providedKey(c) != cfg.APIKey {
			rejectUnauthorized(c)
			return
		}
		c.Next()
	}
}

// AdminAuthMiddleware validates callers of the admin API against the
// admin key, which falls back to the main API key when unset.
func AdminAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := cfg.AdminKey()
		if key == "" {
			c.Next()
			return
		}
		if providedKey(c) != key {
			rejectUnauthorized(c)
			return
		}
		c.Next()
	}
}

func rejectUnauthorized(c *gin.Context) {
	utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
	c.AbortWithStatusJSON(http.StatusUnauthorized,
		anthropic.NewErrorResponse("authentication_error", "Invalid or missing API key"))
}

// RequestLoggingMiddleware logs method, path, status and duration for
// every request. High-churn paths are logged only in debug mode.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start).Milliseconds()
		logMsg := "[%s] %s %d (%dms)"

		if path == "/health" || strings.HasPrefix(path, "/v1/messages/count_tokens") {
			if utils.IsDebug() {
				utils.Debug(logMsg, c.Request.Method, path, status, elapsed)
			}
			return
		}

		switch {
		case status >= 500:
			utils.Error(logMsg, c.Request.Method, path, status, elapsed)
		case status >= 400:
			utils.Warn(logMsg, c.Request.Method, path, status, elapsed)
		default:
			utils.Info(logMsg, c.Request.Method, path, status, elapsed)
		}
	}
}

// SilentHandlerMiddleware answers the probe endpoints Claude Code clients
// hit on startup without logging or auth.
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodPost &&
			(c.Request.URL.Path == "/" || c.Request.URL.Path == "/api/event_logging/batch") {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// StatsMiddleware records one per-model counter after each successful
// generation. Store failures never affect the request.
func StatsMiddleware(st stats.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		model := c.GetString(handlers.ModelContextKey)
		if model == "" || c.Writer.Status() >= 400 {
			return
		}
		if err := st.Record(c.Request.Context(), model); err != nil {
			utils.Debug("[Stats] Failed to record request: %v", err)
		}
	}
}

// BodyLimitMiddleware caps inbound request bodies. Oversized reads fail
// inside the handler's bind with http.MaxBytesError.
func BodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
