package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// MCPHandler proxies MCP JSON-RPC calls to the upstream endpoint
// unchanged, with credential rotation and retries from the engine.
type MCPHandler struct {
	engine *kiro.Engine
}

// NewMCPHandler creates an MCPHandler.
func NewMCPHandler(engine *kiro.Engine) *MCPHandler {
	return &MCPHandler{engine: engine}
}

// MCP handles POST /mcp. Upstream status, content type and body are
// relayed verbatim, including upstream error bodies.
func (h *MCPHandler) MCP(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Failed to read request body: "+err.Error()))
		return
	}

	resp, _, err := h.engine.CallMCP(c.Request.Context(), body)
	if err != nil {
		var ue *kiro.UpstreamError
		if errors.As(err, &ue) && ue.StatusCode >= 400 {
			c.Data(ue.StatusCode, "application/json", []byte(ue.Body))
			return
		}
		respondError(c, err)
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.DataFromReader(resp.StatusCode, resp.ContentLength, contentType, resp.Body, nil)
}
