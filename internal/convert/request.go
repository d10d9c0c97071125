// Package convert translates between the Anthropic Messages API and the
// upstream Kiro conversation schema: requests go out as conversation
// state, upstream event streams come back as Anthropic responses.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// Upstream model ids served by the proxy
const (
	ModelSonnet = "claude-sonnet-4.5"
	ModelOpus   = "claude-opus-4.5"
	ModelHaiku  = "claude-haiku-4.5"
)

// Conversation constants the upstream expects on every request. The AUTO
// trigger type is rejected upstream with 400, so every call is MANUAL.
const (
	chatTriggerManual = "MANUAL"
	agentTaskType     = "vibe"
	originAIEditor    = "AI_EDITOR"

	systemAcknowledgment = "I will follow these instructions."
	syntheticAssistantOK = "OK"

	// placeholderContent stands in for content the upstream requires but
	// the client left empty (tool-only or image-only turns).
	placeholderContent = " "

	placeholderToolDescription = "Tool used in conversation history"

	maxToolDescriptionChars = 10000

	schemaDraft07 = "http://json-schema.org/draft-07/schema#"
)

// ErrNoMessages rejects requests with an empty messages array.
var ErrNoMessages = errors.New("messages array must not be empty")

// MapModel maps an Anthropic model id onto the upstream model id by
// case-insensitive family keyword.
func MapModel(model string) (string, bool) {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "sonnet"):
		return ModelSonnet, true
	case strings.Contains(lower, "opus"):
		return ModelOpus, true
	case strings.Contains(lower, "haiku"):
		return ModelHaiku, true
	default:
		return "", false
	}
}

// SupportedModels lists the model ids exposed on /v1/models.
func SupportedModels() []string {
	return []string{ModelSonnet, ModelOpus, ModelHaiku}
}

// ExtractSessionID pulls the conversation UUID out of a client user id of
// the form "user_xxx_account__session_<uuid>". The 36 characters after
// "session_" are used when they carry exactly four dashes.
func ExtractSessionID(userID string) (string, bool) {
	pos := strings.Index(userID, "session_")
	if pos < 0 {
		return "", false
	}
	rest := userID[pos+len("session_"):]
	if len(rest) < 36 {
		return "", false
	}
	candidate := rest[:36]
	if strings.Count(candidate, "-") != 4 {
		return "", false
	}
	return candidate, true
}

// ConvertRequest translates a Messages API request into the upstream
// conversation schema. The profile ARN is left empty; the engine stamps
// the serving credential's ARN before dispatch.
func ConvertRequest(req *anthropic.MessagesRequest) (*kiro.Request, error) {
	modelID, ok := MapModel(req.Model)
	if !ok {
		return nil, kiro.NewUnsupportedModelError(req.Model)
	}
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}

	conversationID, ok := ExtractSessionID(req.UserID())
	if !ok {
		conversationID = uuid.NewString()
	}

	history := buildHistory(req, modelID)

	last := &req.Messages[len(req.Messages)-1]
	var text string
	var images []kiro.Image
	var toolResults []kiro.ToolResult
	if last.Role == "user" {
		text, images, toolResults = splitUserContent(last.Content)
	}

	// The upstream rejects histories with unpaired tool uses, so repair
	// the pairing before the request leaves the process.
	toolResults, orphaned := validateToolPairing(history, toolResults)
	removeOrphanedToolUses(history, orphaned)

	tools := convertTools(req.Tools)
	existing := make(map[string]struct{}, len(tools))
	for i := range tools {
		existing[strings.ToLower(tools[i].ToolSpecification.Name)] = struct{}{}
	}
	for _, name := range collectHistoryToolNames(history) {
		if _, ok := existing[strings.ToLower(name)]; !ok {
			tools = append(tools, placeholderTool(name))
		}
	}
	tools = CompressToolsIfNeeded(tools)

	state := kiro.ConversationState{
		ConversationID:      conversationID,
		AgentContinuationID: uuid.NewString(),
		AgentTaskType:       agentTaskType,
		ChatTriggerType:     chatTriggerManual,
		History:             history,
	}

	// A conversation ending on an assistant turn keeps that turn in
	// history and sends no current message.
	if last.Role == "user" {
		ctx := &kiro.UserInputMessageContext{}
		if len(tools) > 0 {
			ctx.Tools = tools
		}
		if len(toolResults) > 0 {
			ctx.ToolResults = toolResults
		}
		msg := &kiro.UserInputMessage{
			Content:                 orPlaceholder(text, len(images) > 0 || len(toolResults) > 0),
			ModelID:                 modelID,
			Origin:                  originAIEditor,
			UserInputMessageContext: ctx,
		}
		if len(images) > 0 {
			msg.Images = images
		}
		state.CurrentMessage = &kiro.CurrentMessage{UserInputMessage: msg}
	}

	return &kiro.Request{ConversationState: state}, nil
}

// orPlaceholder substitutes the single-space placeholder when a message
// carries images or tool results but no usable text. The upstream rejects
// empty content on such turns.
func orPlaceholder(content string, hasPayload bool) string {
	if hasPayload && strings.TrimSpace(content) == "" {
		return placeholderContent
	}
	return content
}

// buildHistory assembles the upstream history: the synthetic system pair
// first, then the client messages folded into alternating user/assistant
// turns. The last client message stays out of history unless it is an
// assistant turn.
func buildHistory(req *anthropic.MessagesRequest, modelID string) []kiro.HistoryMessage {
	var history []kiro.HistoryMessage

	if content := systemPairContent(req); content != "" {
		history = append(history,
			userTurn(&kiro.UserInputMessage{Content: content, ModelID: modelID}),
			assistantTurn(&kiro.AssistantResponseMessage{Content: systemAcknowledgment}),
		)
	}

	end := len(req.Messages) - 1
	if req.Messages[len(req.Messages)-1].Role == "assistant" {
		end = len(req.Messages)
	}

	var buffer []anthropic.Message
	for i := 0; i < end; i++ {
		msg := req.Messages[i]
		switch msg.Role {
		case "user":
			buffer = append(buffer, msg)
		case "assistant":
			if len(buffer) == 0 {
				utils.Debug("[Converter] Skipping assistant message with no preceding user turn")
				continue
			}
			history = append(history,
				userTurn(mergeUserTurns(buffer, modelID)),
				assistantTurn(convertAssistantMessage(msg.Content)),
			)
			buffer = nil
		}
	}

	// Trailing user messages get a synthetic reply to keep turns paired.
	if len(buffer) > 0 {
		history = append(history,
			userTurn(mergeUserTurns(buffer, modelID)),
			assistantTurn(&kiro.AssistantResponseMessage{Content: syntheticAssistantOK}),
		)
	}

	return history
}

func userTurn(msg *kiro.UserInputMessage) kiro.HistoryMessage {
	return kiro.HistoryMessage{UserInputMessage: msg}
}

func assistantTurn(msg *kiro.AssistantResponseMessage) kiro.HistoryMessage {
	return kiro.HistoryMessage{AssistantResponseMessage: msg}
}

// systemPairContent returns the user half of the leading system pair: the
// flattened system prompt with the thinking-mode tags prepended when
// thinking is enabled and the prompt does not already carry them. Empty
// means no pair is emitted.
func systemPairContent(req *anthropic.MessagesRequest) string {
	system := ""
	if req.System != nil {
		system = req.System.Text()
	}
	prefix := ""
	if req.Thinking.Enabled() {
		prefix = fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>", req.Thinking.Budget())
	}

	switch {
	case system != "" && prefix != "" && !hasThinkingTags(system):
		return prefix + "\n" + system
	case system != "":
		return system
	default:
		return prefix
	}
}

func hasThinkingTags(content string) bool {
	return strings.Contains(content, "<thinking_mode>") || strings.Contains(content, "<max_thinking_length>")
}

// mergeUserTurns folds a run of consecutive user messages into a single
// upstream turn: texts join with newlines, images and tool results
// concatenate. Tool results ride the turn's context object.
func mergeUserTurns(msgs []anthropic.Message, modelID string) *kiro.UserInputMessage {
	var texts []string
	var images []kiro.Image
	var results []kiro.ToolResult

	for i := range msgs {
		text, imgs, res := splitUserContent(msgs[i].Content)
		if text != "" {
			texts = append(texts, text)
		}
		images = append(images, imgs...)
		results = append(results, res...)
	}

	msg := &kiro.UserInputMessage{
		Content: orPlaceholder(strings.Join(texts, "\n"), len(images) > 0 || len(results) > 0),
		ModelID: modelID,
	}
	if len(images) > 0 {
		msg.Images = images
	}
	if len(results) > 0 {
		msg.UserInputMessageContext = &kiro.UserInputMessageContext{ToolResults: results}
	}
	return msg
}

// splitUserContent flattens a user message's blocks into text, images,
// and tool results. Text blocks join with newlines; images with media
// types the upstream cannot decode are dropped.
func splitUserContent(blocks []anthropic.ContentBlock) (string, []kiro.Image, []kiro.ToolResult) {
	var texts []string
	var images []kiro.Image
	var results []kiro.ToolResult

	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case "text":
			texts = append(texts, block.Text)
		case "image":
			if img, ok := convertImage(block.Source); ok {
				images = append(images, img)
			}
		case "tool_result":
			if block.ToolUseID == "" {
				continue
			}
			status := "success"
			if block.IsError {
				status = "error"
			}
			results = append(results, kiro.ToolResult{
				ToolUseID: block.ToolUseID,
				Content:   []kiro.ToolResultContent{{Text: block.ToolResultText()}},
				Status:    status,
			})
		}
	}

	return strings.Join(texts, "\n"), images, results
}

var imageFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
}

func convertImage(src *anthropic.ImageSource) (kiro.Image, bool) {
	if src == nil {
		return kiro.Image{}, false
	}
	format, ok := imageFormats[src.MediaType]
	if !ok {
		utils.Debug("[Converter] Dropping image with unsupported media type %q", src.MediaType)
		return kiro.Image{}, false
	}
	return kiro.Image{Format: format, Source: kiro.ImageSource{Bytes: src.Data}}, true
}

// convertAssistantMessage flattens an assistant message. Thinking blocks
// are wrapped in <thinking> tags ahead of the visible text so they keep
// their place when the turn is replayed from history; a turn that is all
// tool calls gets the single-space placeholder.
func convertAssistantMessage(blocks []anthropic.ContentBlock) *kiro.AssistantResponseMessage {
	var thinking, text strings.Builder
	var toolUses []kiro.ToolUseEntry

	for i := range blocks {
		block := &blocks[i]
		switch block.Type {
		case "thinking":
			thinking.WriteString(block.Thinking)
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			if block.ID == "" || block.Name == "" {
				continue
			}
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage(`{}`)
			}
			toolUses = append(toolUses, kiro.ToolUseEntry{
				ToolUseID: block.ID,
				Name:      block.Name,
				Input:     input,
			})
		}
	}

	content := text.String()
	switch {
	case thinking.Len() > 0 && content != "":
		content = "<thinking>" + thinking.String() + "</thinking>\n\n" + content
	case thinking.Len() > 0:
		content = "<thinking>" + thinking.String() + "</thinking>"
	case content == "" && len(toolUses) > 0:
		content = placeholderContent
	}

	return &kiro.AssistantResponseMessage{Content: content, ToolUses: toolUses}
}

// validateToolPairing reconciles the current message's tool results with
// the history's tool uses. Results answering an open tool use are kept;
// duplicates and results matching nothing are dropped with a warning. The
// returned set holds tool uses that stayed unanswered.
func validateToolPairing(history []kiro.HistoryMessage, results []kiro.ToolResult) ([]kiro.ToolResult, map[string]struct{}) {
	allUses := make(map[string]struct{})
	answered := make(map[string]struct{})

	for i := range history {
		switch {
		case history[i].AssistantResponseMessage != nil:
			for _, tu := range history[i].AssistantResponseMessage.ToolUses {
				allUses[tu.ToolUseID] = struct{}{}
			}
		case history[i].UserInputMessage != nil:
			if ctx := history[i].UserInputMessage.UserInputMessageContext; ctx != nil {
				for _, tr := range ctx.ToolResults {
					answered[tr.ToolUseID] = struct{}{}
				}
			}
		}
	}

	open := make(map[string]struct{})
	for id := range allUses {
		if _, ok := answered[id]; !ok {
			open[id] = struct{}{}
		}
	}

	var kept []kiro.ToolResult
	for _, result := range results {
		if _, ok := open[result.ToolUseID]; ok {
			kept = append(kept, result)
			delete(open, result.ToolUseID)
			continue
		}
		if _, ok := allUses[result.ToolUseID]; ok {
			utils.Warn("[Converter] Dropping duplicate tool_result: tool_use %s already answered in history", result.ToolUseID)
		} else {
			utils.Warn("[Converter] Dropping orphaned tool_result: no matching tool_use for %s", result.ToolUseID)
		}
	}

	for id := range open {
		utils.Warn("[Converter] Removing unanswered tool_use %s from history", id)
	}

	return kept, open
}

// removeOrphanedToolUses strips the given tool-use ids from history
// assistant turns. A turn whose list empties loses the field entirely.
func removeOrphanedToolUses(history []kiro.HistoryMessage, orphaned map[string]struct{}) {
	if len(orphaned) == 0 {
		return
	}
	for i := range history {
		assistant := history[i].AssistantResponseMessage
		if assistant == nil || len(assistant.ToolUses) == 0 {
			continue
		}
		kept := assistant.ToolUses[:0]
		for _, tu := range assistant.ToolUses {
			if _, ok := orphaned[tu.ToolUseID]; !ok {
				kept = append(kept, tu)
			}
		}
		if len(kept) == 0 {
			assistant.ToolUses = nil
		} else {
			assistant.ToolUses = kept
		}
	}
}

// collectHistoryToolNames lists every tool name referenced by history
// tool uses, first occurrence first.
func collectHistoryToolNames(history []kiro.HistoryMessage) []string {
	var names []string
	seen := make(map[string]struct{})
	for i := range history {
		assistant := history[i].AssistantResponseMessage
		if assistant == nil {
			continue
		}
		for _, tu := range assistant.ToolUses {
			if _, ok := seen[tu.Name]; ok {
				continue
			}
			seen[tu.Name] = struct{}{}
			names = append(names, tu.Name)
		}
	}
	return names
}

// convertTools maps Anthropic tool definitions onto upstream tool
// specifications. Server-side tool types (web_search_*) have no upstream
// equivalent and are dropped.
func convertTools(tools []anthropic.Tool) []kiro.Tool {
	var out []kiro.Tool
	for i := range tools {
		t := &tools[i]
		if strings.HasPrefix(t.Type, "web_search") {
			utils.Debug("[Converter] Filtering unsupported tool %s (type %s)", t.Name, t.Type)
			continue
		}

		description := t.Description
		if strings.TrimSpace(description) == "" {
			description = "Tool: " + t.Name
		}
		description = truncateChars(description, maxToolDescriptionChars)

		out = append(out, kiro.Tool{
			ToolSpecification: kiro.ToolSpecification{
				Name:        t.Name,
				Description: description,
				InputSchema: kiro.InputSchema{JSON: normalizeJSONSchema(t.InputSchema)},
			},
		})
	}
	return out
}

// placeholderTool defines a tool referenced by history but missing from
// the request, so the upstream accepts the turns that used it.
func placeholderTool(name string) kiro.Tool {
	return kiro.Tool{
		ToolSpecification: kiro.ToolSpecification{
			Name:        name,
			Description: placeholderToolDescription,
			InputSchema: kiro.InputSchema{JSON: mustMarshal(defaultJSONSchema())},
		},
	}
}

// defaultJSONSchema is the permissive schema used for placeholder tools
// and unusable client schemas.
func defaultJSONSchema() map[string]any {
	return map[string]any{
		"$schema":              schemaDraft07,
		"type":                 "object",
		"properties":           map[string]any{},
		"required":             []any{},
		"additionalProperties": true,
	}
}

// normalizeJSONSchema forces the fields the upstream validates into their
// canonical shapes. Client tool definitions occasionally carry
// `required: null` or `properties: null`, which the upstream rejects as
// improperly formed. Idempotent; keys outside the validated set pass
// through untouched.
func normalizeJSONSchema(raw json.RawMessage) json.RawMessage {
	var obj map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &obj) != nil || obj == nil {
		return mustMarshal(defaultJSONSchema())
	}

	if uri, ok := obj["$schema"].(string); !ok || strings.TrimSpace(uri) == "" {
		obj["$schema"] = schemaDraft07
	}
	if ty, ok := obj["type"].(string); !ok || strings.TrimSpace(ty) == "" {
		obj["type"] = "object"
	}
	if _, ok := obj["properties"].(map[string]any); !ok {
		obj["properties"] = map[string]any{}
	}
	required := []any{}
	if arr, ok := obj["required"].([]any); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	obj["required"] = required
	switch obj["additionalProperties"].(type) {
	case bool, map[string]any:
	default:
		obj["additionalProperties"] = true
	}

	return mustMarshal(obj)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// truncateChars cuts s to at most n runes on a rune boundary.
func truncateChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
