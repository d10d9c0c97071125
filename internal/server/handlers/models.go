package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/convert"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// modelCatalog is the static list served by /v1/models. Every entry maps
// onto an upstream Kiro model; anything else is rejected at request time.
var modelCatalog = []anthropic.Model{
	{ID: convert.ModelSonnet, Type: "model", DisplayName: "Claude Sonnet 4.5", CreatedAt: "2025-09-29T00:00:00Z"},
	{ID: convert.ModelOpus, Type: "model", DisplayName: "Claude Opus 4.5", CreatedAt: "2025-11-24T00:00:00Z"},
	{ID: convert.ModelHaiku, Type: "model", DisplayName: "Claude Haiku 4.5", CreatedAt: "2025-10-15T00:00:00Z"},
}

// ListModels handles GET /v1/models.
func ListModels(c *gin.Context) {
	first := modelCatalog[0].ID
	last := modelCatalog[len(modelCatalog)-1].ID
	c.JSON(http.StatusOK, anthropic.ModelsResponse{
		Data:    modelCatalog,
		HasMore: false,
		FirstID: &first,
		LastID:  &last,
	})
}
