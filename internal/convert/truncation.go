package convert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
)

// TruncationType classifies how a tool call's input was cut off.
type TruncationType string

const (
	TruncationNone             TruncationType = "none"
	TruncationEmptyInput       TruncationType = "empty_input"
	TruncationInvalidJSON      TruncationType = "invalid_json"
	TruncationMissingFields    TruncationType = "missing_fields"
	TruncationIncompleteString TruncationType = "incomplete_string"
)

// TruncationInfo describes a tool call whose input arrived incomplete.
type TruncationInfo struct {
	Truncated    bool
	Type         TruncationType
	ToolName     string
	ToolUseID    string
	RawInput     string
	ParsedFields map[string]string
	ErrorMessage string
}

func isWriteTool(name string) bool {
	switch name {
	case "Write", "write_to_file", "fsWrite", "create_file", "edit_file", "apply_diff", "str_replace_editor", "insert":
		return true
	}
	return false
}

func requiredToolFields(name string) []string {
	switch name {
	case "Write":
		return []string{"file_path", "content"}
	case "write_to_file", "fsWrite", "create_file":
		return []string{"path", "content"}
	case "edit_file":
		return []string{"path"}
	case "apply_diff":
		return []string{"path", "diff"}
	case "str_replace_editor":
		return []string{"path", "old_str", "new_str"}
	case "Bash", "execute", "run_command":
		return []string{"command"}
	}
	return nil
}

// DetectTruncation inspects a completed tool call's raw input for signs
// that the upstream hit its output limit mid-call: empty input,
// structurally broken JSON, missing required fields of known tools, or
// write-tool content that looks chopped.
func DetectTruncation(toolName, toolUseID, rawInput string) TruncationInfo {
	info := TruncationInfo{
		Type:         TruncationNone,
		ToolName:     toolName,
		ToolUseID:    toolUseID,
		RawInput:     rawInput,
		ParsedFields: map[string]string{},
	}

	if strings.TrimSpace(rawInput) == "" {
		info.Truncated = true
		info.Type = TruncationEmptyInput
		info.ErrorMessage = "Tool input was completely empty - API response may have been truncated"
		utils.Warn("[Truncation] [empty_input] tool=%s id=%s: empty input", toolName, toolUseID)
		return info
	}

	// Non-object and empty-object parses count as unparsed.
	var parsed map[string]any
	if err := json.Unmarshal([]byte(rawInput), &parsed); err != nil || len(parsed) == 0 {
		parsed = nil
	}

	if parsed == nil && looksLikeTruncatedJSON(rawInput) {
		info.Truncated = true
		info.Type = TruncationInvalidJSON
		info.ParsedFields = extractPartialFields(rawInput)
		info.ErrorMessage = fmt.Sprintf("Tool input JSON was truncated mid-transmission (%d bytes received)", len(rawInput))
		utils.Warn("[Truncation] [invalid_json] tool=%s id=%s: unparseable input, raw_len=%d", toolName, toolUseID, len(rawInput))
		return info
	}

	if parsed != nil {
		if required := requiredToolFields(toolName); len(required) > 0 {
			var missing []string
			for _, field := range required {
				if _, ok := parsed[field]; !ok {
					missing = append(missing, field)
				}
			}
			if len(missing) > 0 {
				info.Truncated = true
				info.Type = TruncationMissingFields
				info.ParsedFields = extractParsedFieldNames(parsed)
				info.ErrorMessage = fmt.Sprintf("Tool '%s' missing required fields: %s", toolName, strings.Join(missing, ", "))
				utils.Warn("[Truncation] [missing_fields] tool=%s id=%s: missing %v", toolName, toolUseID, missing)
				return info
			}
		}

		if isWriteTool(toolName) {
			if msg, ok := detectContentTruncation(parsed, rawInput); ok {
				info.Truncated = true
				info.Type = TruncationIncompleteString
				info.ParsedFields = extractParsedFieldNames(parsed)
				info.ErrorMessage = msg
				utils.Warn("[Truncation] [incomplete_string] tool=%s id=%s: %s", toolName, toolUseID, msg)
				return info
			}
		}
	}

	return info
}

// looksLikeTruncatedJSON reports whether a string that failed to parse
// shows the structural signs of JSON cut off mid-stream: unbalanced
// braces, a dangling final character, or an unclosed string literal.
func looksLikeTruncatedJSON(raw string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return false
	}

	if strings.Count(trimmed, "{") > strings.Count(trimmed, "}") ||
		strings.Count(trimmed, "[") > strings.Count(trimmed, "]") {
		return true
	}

	switch trimmed[len(trimmed)-1] {
	case '"', ':', ',':
		return true
	}

	inString := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		if escaped {
			escaped = false
			continue
		}
		switch trimmed[i] {
		case '\\':
			escaped = true
		case '"':
			inString = !inString
		}
	}
	return inString
}

// extractPartialFields scavenges key/value pairs out of broken JSON for
// the retry context line. Values are clipped to 50 characters.
func extractPartialFields(raw string) map[string]string {
	fields := make(map[string]string)
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "{")

	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		colon := strings.Index(part, ":")
		if colon < 0 {
			continue
		}
		key := strings.Trim(strings.TrimSpace(part[:colon]), `"`)
		value := strings.TrimSpace(part[colon+1:])
		if len(value) > 50 {
			value = truncateChars(value, 50) + "..."
		}
		fields[key] = value
	}

	return fields
}

// extractParsedFieldNames summarizes a parsed object's fields: strings
// are clipped to 50 characters, everything else reports its presence.
func extractParsedFieldNames(obj map[string]any) map[string]string {
	fields := make(map[string]string, len(obj))
	for key, val := range obj {
		switch v := val.(type) {
		case string:
			if len(v) > 50 {
				fields[key] = truncateChars(v, 50) + "..."
			} else {
				fields[key] = v
			}
		case nil:
			fields[key] = "<null>"
		default:
			fields[key] = "<present>"
		}
	}
	return fields
}

func detectContentTruncation(obj map[string]any, rawInput string) (string, bool) {
	content, ok := obj["content"].(string)
	if !ok {
		return "", false
	}

	if len(rawInput) > 1000 && len(content) < 100 {
		return "content field appears suspiciously short compared to raw input size", true
	}

	if strings.Count(content, "```")%2 != 0 {
		return "content contains unclosed code fence (```) suggesting truncation", true
	}

	return "", false
}

// BuildSoftFailureResult renders the tool_result body that tells the
// model its call was truncated and how to retry in smaller pieces.
func BuildSoftFailureResult(info *TruncationInfo) string {
	var maxLineHint int
	var reason string
	switch info.Type {
	case TruncationEmptyInput:
		maxLineHint = 200
		reason = "Your tool call was too large and the input was completely lost during transmission."
	case TruncationInvalidJSON:
		maxLineHint = 250
		reason = "Your tool call was truncated mid-transmission, resulting in incomplete JSON."
	case TruncationMissingFields:
		maxLineHint = 300
		reason = "Your tool call was partially received but critical fields were cut off."
	case TruncationIncompleteString:
		maxLineHint = 350
		reason = "Your tool call content was truncated - the full content did not arrive."
	default:
		maxLineHint = 300
		reason = "Your tool call was truncated by the API due to output size limits."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TOOL_CALL_INCOMPLETE\nstatus: incomplete\nreason: %s\n", reason)

	if len(info.ParsedFields) > 0 {
		keys := make([]string, 0, len(info.ParsedFields))
		for key := range info.ParsedFields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, key := range keys {
			value := info.ParsedFields[key]
			if len(value) > 30 {
				value = truncateChars(value, 30) + "..."
			}
			pairs = append(pairs, key+"="+value)
		}
		fmt.Fprintf(&b, "context: Received partial data: %s\n", strings.Join(pairs, ", "))
	}

	fmt.Fprintf(&b, "\nCONCLUSION: Split your output into smaller chunks and retry.\n\nREQUIRED APPROACH:\n1. For file writes: Write in chunks of ~%d lines maximum\n2. For new files: First create with initial chunk, then append remaining sections\n3. For edits: Make surgical, targeted changes - avoid rewriting entire files\n\nDO NOT attempt to write the full content again in a single call.\nThe API has a hard output limit that cannot be bypassed.\n", maxLineHint)

	return b.String()
}
