package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// thinkingKeepChars is how much of each <thinking> block the truncate
// strategy preserves.
const thinkingKeepChars = 500

// CompressionStats reports what each compression pass saved.
type CompressionStats struct {
	WhitespaceSaved     int `json:"whitespaceSaved"`
	ThinkingSaved       int `json:"thinkingSaved"`
	ToolResultSaved     int `json:"toolResultSaved"`
	ToolUseInputSaved   int `json:"toolUseInputSaved"`
	HistoryTurnsRemoved int `json:"historyTurnsRemoved"`
}

// TotalSaved sums the byte savings. Removed history turns are counted in
// pairs, not bytes, and stay out of the total.
func (s CompressionStats) TotalSaved() int {
	return s.WhitespaceSaved + s.ThinkingSaved + s.ToolResultSaved + s.ToolUseInputSaved
}

func (s CompressionStats) any() bool {
	return s.TotalSaved() > 0 || s.HistoryTurnsRemoved > 0
}

// Compress shrinks a conversation before it is sent upstream, working
// around the ~400KB upstream body limit. Passes run lowest risk first and
// each is gated by its config flag; the single-space placeholder content
// is never touched.
func Compress(state *kiro.ConversationState, cfg config.CompressionConfig) CompressionStats {
	var stats CompressionStats

	if !cfg.Enabled {
		return stats
	}

	if cfg.WhitespaceCompression {
		stats.WhitespaceSaved = compressWhitespacePass(state)
	}
	if cfg.ThinkingStrategy != "keep" {
		stats.ThinkingSaved = compressThinkingPass(state, cfg.ThinkingStrategy)
	}
	if cfg.ToolResultMaxChars > 0 {
		stats.ToolResultSaved = compressToolResultsPass(state, cfg.ToolResultMaxChars, cfg.ToolResultHeadLines, cfg.ToolResultTailLines)
	}
	if cfg.ToolUseInputMaxChars > 0 {
		stats.ToolUseInputSaved = compressToolUseInputsPass(state, cfg.ToolUseInputMaxChars)
	}
	if cfg.MaxHistoryTurns > 0 || cfg.MaxHistoryChars > 0 {
		stats.HistoryTurnsRemoved = compressHistoryPass(state, cfg.MaxHistoryTurns, cfg.MaxHistoryChars)
	}

	if stats.any() {
		utils.Debug("[Compressor] Saved %d bytes (whitespace %d, thinking %d, tool results %d, tool inputs %d), removed %d history pairs",
			stats.TotalSaved(), stats.WhitespaceSaved, stats.ThinkingSaved, stats.ToolResultSaved, stats.ToolUseInputSaved, stats.HistoryTurnsRemoved)
	}

	return stats
}

// compressWhitespace trims line endings and collapses runs of three or
// more blank lines down to two. Leading blank lines are dropped.
func compressWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	consecutiveEmpty := 0

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRightFunc(line, unicode.IsSpace)
		if trimmed == "" {
			consecutiveEmpty++
			if consecutiveEmpty <= 2 && b.Len() > 0 {
				b.WriteByte('\n')
			}
		} else {
			consecutiveEmpty = 0
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(trimmed)
		}
	}

	return b.String()
}

func compressWhitespacePass(state *kiro.ConversationState) int {
	saved := 0

	for i := range state.History {
		switch {
		case state.History[i].UserInputMessage != nil:
			saved += compressStringField(&state.History[i].UserInputMessage.Content)
		case state.History[i].AssistantResponseMessage != nil:
			saved += compressStringField(&state.History[i].AssistantResponseMessage.Content)
		}
	}

	if state.CurrentMessage != nil && state.CurrentMessage.UserInputMessage != nil {
		saved += compressStringField(&state.CurrentMessage.UserInputMessage.Content)
	}
	return saved
}

// compressStringField rewrites a content field in place when compression
// makes it smaller. The placeholder " " passes through untouched.
func compressStringField(field *string) int {
	if *field == placeholderContent {
		return 0
	}
	compressed := compressWhitespace(*field)
	if len(compressed) >= len(*field) {
		return 0
	}
	saved := len(*field) - len(compressed)
	*field = compressed
	return saved
}

// compressThinkingPass rewrites <thinking> blocks in history assistant
// turns according to the strategy: discard removes them, truncate keeps
// the head of each block.
func compressThinkingPass(state *kiro.ConversationState, strategy string) int {
	saved := 0

	for i := range state.History {
		assistant := state.History[i].AssistantResponseMessage
		if assistant == nil {
			continue
		}
		originalLen := len(assistant.Content)

		switch strategy {
		case "discard":
			assistant.Content = removeThinkingBlocks(assistant.Content)
		case "truncate":
			assistant.Content = truncateThinkingBlocks(assistant.Content, thinkingKeepChars)
		}

		if len(assistant.Content) < originalLen {
			saved += originalLen - len(assistant.Content)
		}
	}

	return saved
}

// removeThinkingBlocks drops every <thinking>...</thinking> span. An
// unclosed block swallows the rest of the text.
func removeThinkingBlocks(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	remaining := text

	for {
		start := strings.Index(remaining, "<thinking>")
		if start < 0 {
			break
		}
		b.WriteString(remaining[:start])
		if end := strings.Index(remaining[start:], "</thinking>"); end >= 0 {
			remaining = remaining[start+end+len("</thinking>"):]
		} else {
			remaining = ""
		}
	}
	b.WriteString(remaining)
	return b.String()
}

// truncateThinkingBlocks keeps the first maxChars characters of each
// <thinking> block, marking what was cut. An unclosed block is truncated
// and closed.
func truncateThinkingBlocks(text string, maxChars int) string {
	var b strings.Builder
	b.Grow(len(text))
	remaining := text

	for {
		start := strings.Index(remaining, "<thinking>")
		if start < 0 {
			break
		}
		b.WriteString(remaining[:start])
		afterTag := remaining[start+len("<thinking>"):]

		if end := strings.Index(afterTag, "</thinking>"); end >= 0 {
			inner := afterTag[:end]
			truncated := truncateChars(inner, maxChars)
			b.WriteString("<thinking>")
			b.WriteString(truncated)
			if len(truncated) < len(inner) {
				b.WriteString("...[truncated]")
			}
			b.WriteString("</thinking>")
			remaining = afterTag[end+len("</thinking>"):]
		} else {
			truncated := truncateChars(afterTag, maxChars)
			b.WriteString("<thinking>")
			b.WriteString(truncated)
			b.WriteString("...[truncated]</thinking>")
			remaining = ""
		}
	}
	b.WriteString(remaining)
	return b.String()
}

// smartTruncateByLines shortens a tool result, keeping head and tail
// lines around an omission marker. Inputs with too few lines for the
// line split keep the head and tail halves of the character budget
// instead. Returns the new text and the bytes saved.
func smartTruncateByLines(text string, maxChars, headLines, tailLines int) (string, int) {
	charCount := utf8.RuneCountInString(text)
	if charCount <= maxChars {
		return text, 0
	}

	lines := splitLines(text)
	totalLines := len(lines)

	if totalLines <= headLines+tailLines {
		half := maxChars / 2
		head := truncateChars(text, half)
		tailChars := maxChars - utf8.RuneCountInString(head)
		tail := lastNChars(text, tailChars)
		omitted := charCount - utf8.RuneCountInString(head) - utf8.RuneCountInString(tail)
		if omitted < 0 {
			omitted = 0
		}
		result := fmt.Sprintf("%s\n... [%d chars omitted] ...\n%s", head, omitted, tail)
		saved := len(text) - len(result)
		if saved < 0 {
			saved = 0
		}
		return result, saved
	}

	headPart := strings.Join(lines[:headLines], "\n")
	tailPart := strings.Join(lines[totalLines-tailLines:], "\n")
	omittedLines := totalLines - headLines - tailLines
	omittedChars := charCount - utf8.RuneCountInString(headPart) - utf8.RuneCountInString(tailPart)
	if omittedChars < 0 {
		omittedChars = 0
	}

	result := fmt.Sprintf("%s\n... [%d lines omitted (%d chars)] ...\n%s", headPart, omittedLines, omittedChars, tailPart)
	if utf8.RuneCountInString(result) > maxChars {
		result = truncateChars(result, maxChars)
	}

	saved := len(text) - len(result)
	if saved < 0 {
		saved = 0
	}
	return result, saved
}

// splitLines mirrors a line iterator: the trailing empty fragment after a
// final newline is not a line, and carriage returns are stripped.
func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

// lastNChars returns the trailing n runes of s.
func lastNChars(s string, n int) string {
	if n <= 0 {
		return ""
	}
	idx := len(s)
	for i := 0; i < n && idx > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(s[:idx])
		if size == 0 {
			break
		}
		idx -= size
	}
	return s[idx:]
}

func compressToolResultsPass(state *kiro.ConversationState, maxChars, headLines, tailLines int) int {
	saved := 0

	for i := range state.History {
		user := state.History[i].UserInputMessage
		if user == nil || user.UserInputMessageContext == nil {
			continue
		}
		for j := range user.UserInputMessageContext.ToolResults {
			saved += truncateToolResultContent(&user.UserInputMessageContext.ToolResults[j], maxChars, headLines, tailLines)
		}
	}

	if state.CurrentMessage != nil && state.CurrentMessage.UserInputMessage != nil {
		if ctx := state.CurrentMessage.UserInputMessage.UserInputMessageContext; ctx != nil {
			for j := range ctx.ToolResults {
				saved += truncateToolResultContent(&ctx.ToolResults[j], maxChars, headLines, tailLines)
			}
		}
	}

	return saved
}

func truncateToolResultContent(result *kiro.ToolResult, maxChars, headLines, tailLines int) int {
	saved := 0
	for i := range result.Content {
		entry := &result.Content[i]
		if utf8.RuneCountInString(entry.Text) <= maxChars {
			continue
		}
		truncated, s := smartTruncateByLines(entry.Text, maxChars, headLines, tailLines)
		entry.Text = truncated
		saved += s
	}
	return saved
}

// compressToolUseInputsPass truncates oversized string values inside
// history tool-use inputs.
func compressToolUseInputsPass(state *kiro.ConversationState, maxChars int) int {
	saved := 0

	for i := range state.History {
		assistant := state.History[i].AssistantResponseMessage
		if assistant == nil {
			continue
		}
		for j := range assistant.ToolUses {
			use := &assistant.ToolUses[j]
			if utf8.RuneCountInString(string(use.Input)) <= maxChars {
				continue
			}
			var value any
			if err := json.Unmarshal(use.Input, &value); err != nil {
				continue
			}
			value, s := truncateJSONValueStrings(value, maxChars)
			if s == 0 {
				continue
			}
			data, err := json.Marshal(value)
			if err != nil {
				continue
			}
			use.Input = data
			saved += s
		}
	}

	return saved
}

// truncateJSONValueStrings walks a decoded JSON value and truncates every
// string longer than maxChars. The omission marker is only appended when
// the marked form is still shorter than the original, so borderline
// strings cannot grow.
func truncateJSONValueStrings(value any, maxChars int) (any, int) {
	switch v := value.(type) {
	case string:
		charCount := utf8.RuneCountInString(v)
		if charCount <= maxChars {
			return v, 0
		}
		truncated := truncateChars(v, maxChars)
		withMarker := fmt.Sprintf("%s...[truncated %d chars]", truncated, charCount-maxChars)
		next := withMarker
		if len(withMarker) >= len(v) {
			next = truncated
		}
		return next, len(v) - len(next)
	case map[string]any:
		saved := 0
		for key, item := range v {
			next, s := truncateJSONValueStrings(item, maxChars)
			v[key] = next
			saved += s
		}
		return v, saved
	case []any:
		saved := 0
		for i, item := range v {
			next, s := truncateJSONValueStrings(item, maxChars)
			v[i] = next
			saved += s
		}
		return v, saved
	default:
		return value, 0
	}
}

// compressHistoryPass removes whole user/assistant pairs from the front
// of the history, always keeping the leading system pair and at least the
// most recent pair. Returns the number of pairs removed.
func compressHistoryPass(state *kiro.ConversationState, maxTurns, maxChars int) int {
	removed := 0
	const preserve = 2

	if maxTurns > 0 {
		maxMessages := preserve + maxTurns*2
		for len(state.History) > maxMessages && len(state.History) > preserve+2 {
			state.History = append(state.History[:preserve], state.History[preserve+2:]...)
			removed++
		}
	}

	if maxChars > 0 {
		for {
			totalChars := 0
			for i := range state.History {
				switch {
				case state.History[i].UserInputMessage != nil:
					totalChars += utf8.RuneCountInString(state.History[i].UserInputMessage.Content)
				case state.History[i].AssistantResponseMessage != nil:
					totalChars += utf8.RuneCountInString(state.History[i].AssistantResponseMessage.Content)
				}
			}
			if totalChars <= maxChars || len(state.History) <= preserve+2 {
				break
			}
			state.History = append(state.History[:preserve], state.History[preserve+2:]...)
			removed++
		}
	}

	return removed
}
