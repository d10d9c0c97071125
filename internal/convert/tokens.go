package convert

import (
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

// charsPerToken is the approximation used for token estimates. The
// upstream reports no token accounting, so usage numbers are heuristic.
const charsPerToken = 4

// estimateFromChars converts a character count to a token estimate.
func estimateFromChars(chars int) int {
	tokens := chars / charsPerToken
	if tokens < 1 {
		return 1
	}
	return tokens
}

// EstimateTokens approximates the input token count of a request by
// summing the text it carries: system prompt, message content, tool
// results, and tool definitions.
func EstimateTokens(req *anthropic.MessagesRequest) int {
	chars := 0
	if req.System != nil {
		chars += len(req.System.Text())
	}
	for _, msg := range req.Messages {
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				chars += len(block.Text)
			case "thinking":
				chars += len(block.Thinking)
			case "tool_use":
				chars += len(block.Name) + len(block.Input)
			case "tool_result":
				chars += len(block.ToolResultText())
			}
		}
	}
	for _, tool := range req.Tools {
		chars += len(tool.Name) + len(tool.Description) + len(tool.InputSchema)
	}
	return estimateFromChars(chars)
}
