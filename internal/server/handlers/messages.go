package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/convert"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/pool"
	"github.com/kirocommunity/kiro-claude-proxy/internal/server/sse"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// ModelContextKey carries the mapped upstream model through the gin
// context so the stats middleware can count per-model requests.
const ModelContextKey = "upstreamModel"

// MessagesHandler serves the Anthropic Messages API over the Kiro call
// engine.
type MessagesHandler struct {
	engine *kiro.Engine
	cfg    *config.Config
}

// NewMessagesHandler creates a MessagesHandler.
func NewMessagesHandler(engine *kiro.Engine, cfg *config.Config) *MessagesHandler {
	return &MessagesHandler{engine: engine, cfg: cfg}
}

// Messages handles POST /v1/messages, streaming and non-streaming.
func (h *MessagesHandler) Messages(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	req.Normalize()

	kreq, err := convert.ConvertRequest(&req)
	if err != nil {
		if errors.Is(err, convert.ErrNoMessages) {
			c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
				"invalid_request_error", err.Error()))
			return
		}
		respondError(c, err)
		return
	}

	if modelID, ok := convert.MapModel(req.Model); ok {
		c.Set(ModelContextKey, modelID)
	}

	convert.Compress(&kreq.ConversationState, h.cfg.GetCompression())

	body, err := json.Marshal(kreq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, anthropic.NewErrorResponse(
			"internal_error", "Failed to encode upstream request"))
		return
	}
	if len(body) > config.MaxUpstreamBodySize {
		respondError(c, kiro.NewBodyTooLargeError(len(body), config.MaxUpstreamBodySize))
		return
	}

	inputTokens := convert.EstimateTokens(&req)
	utils.Info("[API] Request for model %s, stream %t, body %d bytes", req.Model, req.Stream, len(body))

	if req.Stream {
		h.streamResponse(c, &req, body, inputTokens)
	} else {
		h.completeResponse(c, &req, body, inputTokens)
	}
}

// completeResponse drains the upstream stream and answers with a single
// JSON message.
func (h *MessagesHandler) completeResponse(c *gin.Context, req *anthropic.MessagesRequest, body []byte, inputTokens int) {
	resp, cc, err := h.engine.Call(c.Request.Context(), body, req.UserID())
	if err != nil {
		respondError(c, err)
		return
	}

	stream := kiro.NewEventStream(resp.Body)
	defer stream.Close()

	out, err := convert.CollectResponse(stream, req.Model, inputTokens)
	if err != nil {
		utils.Error("[API] Failed to collect response: %v", err)
		h.reportStreamFailure(cc, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, out)
}

// streamResponse relays the upstream stream as Anthropic SSE. The first
// client-visible events are awaited before headers are committed so
// failures up to that point still produce a JSON status code.
func (h *MessagesHandler) streamResponse(c *gin.Context, req *anthropic.MessagesRequest, body []byte, inputTokens int) {
	ctx := c.Request.Context()

	resp, cc, err := h.engine.Call(ctx, body, req.UserID())
	if err != nil {
		respondError(c, err)
		return
	}

	stream := kiro.NewEventStream(resp.Body)
	defer stream.Close()

	asm := convert.NewResponseAssembler(req.Model, inputTokens)

	var pending []anthropic.SSEEvent
	for len(pending) == 0 {
		ev, nerr := stream.Next()
		if nerr != nil {
			if errors.Is(nerr, io.EOF) {
				nerr = kiro.NewEmptyResponseError("upstream stream ended before any content")
			} else {
				h.reportStreamFailure(cc, nerr)
			}
			utils.Error("[API] Stream failed before first event: %v", nerr)
			respondError(c, nerr)
			return
		}

		out, ferr := asm.Feed(ev)
		if ferr != nil {
			utils.Error("[API] Stream failed before first event: %v", ferr)
			respondError(c, ferr)
			return
		}
		pending = out
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		utils.Error("[API] %v", err)
		c.JSON(http.StatusInternalServerError, anthropic.NewErrorResponse(
			"internal_error", "Streaming not supported"))
		return
	}
	writer.SetHeaders()
	c.Status(http.StatusOK)

	if !writeEvents(writer, pending) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ev, nerr := stream.Next()
		if errors.Is(nerr, io.EOF) {
			final, ferr := asm.Finish()
			if ferr != nil {
				writer.WriteError(kiro.APIErrorType(ferr), ferr.Error())
				return
			}
			writeEvents(writer, final)
			return
		}
		if nerr != nil {
			utils.Error("[API] Mid-stream error: %v", nerr)
			h.reportStreamFailure(cc, nerr)
			writer.WriteError(kiro.APIErrorType(nerr), nerr.Error())
			return
		}

		out, ferr := asm.Feed(ev)
		if ferr != nil {
			utils.Error("[API] Mid-stream conversion error: %v", ferr)
			writer.WriteError(kiro.APIErrorType(ferr), ferr.Error())
			return
		}
		if !writeEvents(writer, out) {
			return
		}
	}
}

// CountTokens handles POST /v1/messages/count_tokens with a local
// heuristic estimate; no upstream call is made.
func (h *MessagesHandler) CountTokens(c *gin.Context) {
	var req anthropic.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, anthropic.NewErrorResponse(
			"invalid_request_error", "Invalid request body: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, anthropic.CountTokensResponse{
		InputTokens: convert.EstimateTokens(&req),
	})
}

// respondError maps an engine or conversion error onto the Anthropic
// error envelope.
func respondError(c *gin.Context, err error) {
	status := kiro.HTTPStatusFromError(err)
	errType := kiro.APIErrorType(err)
	if status >= 500 {
		utils.Error("[API] %d %s: %v", status, errType, err)
	} else {
		utils.Warn("[API] %d %s: %v", status, errType, err)
	}
	c.JSON(status, anthropic.NewErrorResponse(errType, err.Error()))
}

// reportStreamFailure penalizes the serving credential after its stream
// broke. Keyword matches (quota, suspension) suspend the credential the
// same way non-2xx bodies do; anything else is a short cooldown.
func (h *MessagesHandler) reportStreamFailure(cc *pool.CallContext, err error) {
	p := h.engine.Pool()
	var exc *kiro.StreamException
	if errors.As(err, &exc) {
		if _, suspended := p.SuspendOnKeyword(cc.ID, exc.Error()); !suspended {
			p.SetCooldown(cc.ID, pool.CooldownServerError)
		}
		return
	}
	p.SetCooldown(cc.ID, pool.CooldownNetworkError)
}

// writeEvents relays converted events to the client, reporting false once
// the client has gone away.
func writeEvents(w *sse.Writer, events []anthropic.SSEEvent) bool {
	for i := range events {
		if err := w.WriteEvent(string(events[i].Type), &events[i]); err != nil {
			utils.Debug("[API] Client disconnected mid-stream: %v", err)
			return false
		}
	}
	return true
}
