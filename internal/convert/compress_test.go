package convert

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/kirocommunity/kiro-claude-proxy/internal/config"
	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
)

func historyUser(content string) kiro.HistoryMessage {
	return kiro.HistoryMessage{UserInputMessage: &kiro.UserInputMessage{Content: content}}
}

func historyAssistant(content string) kiro.HistoryMessage {
	return kiro.HistoryMessage{AssistantResponseMessage: &kiro.AssistantResponseMessage{Content: content}}
}

func TestCompressWhitespace(t *testing.T) {
	require.Equal(t, "line1\n\n\nline2", compressWhitespace("line1\n\n\n\n\nline2"),
		"runs of blank lines collapse to two")
	require.Equal(t, "hello\nworld", compressWhitespace("hello   \nworld  "),
		"trailing spaces are trimmed per line")
	require.Equal(t, "foo", compressWhitespace("\n\nfoo"),
		"leading blank lines are dropped")
}

func TestCompressDisabled(t *testing.T) {
	state := &kiro.ConversationState{History: []kiro.HistoryMessage{historyUser("text   \n\n\n\n\nmore")}}
	stats := Compress(state, config.CompressionConfig{
		WhitespaceCompression: true,
		ThinkingStrategy:      "discard",
		MaxHistoryTurns:       1,
	})
	require.Zero(t, stats.TotalSaved())
	require.Zero(t, stats.HistoryTurnsRemoved)
	require.Equal(t, "text   \n\n\n\n\nmore", state.History[0].UserInputMessage.Content,
		"the master switch gates every pass")
}

func TestCompressWhitespacePass(t *testing.T) {
	original := "hello   \nworld  "
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{historyUser(original), historyAssistant("ok   ")},
		CurrentMessage: &kiro.CurrentMessage{
			UserInputMessage: &kiro.UserInputMessage{Content: "now   "},
		},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, WhitespaceCompression: true, ThinkingStrategy: "keep"})

	require.Equal(t, "hello\nworld", state.History[0].UserInputMessage.Content)
	require.Equal(t, "ok", state.History[1].AssistantResponseMessage.Content)
	require.Equal(t, "now", state.CurrentMessage.UserInputMessage.Content)
	wantSaved := (len(original) - len("hello\nworld")) + (len("ok   ") - len("ok")) + (len("now   ") - len("now"))
	require.Equal(t, wantSaved, stats.WhitespaceSaved)
}

func TestCompressPlaceholderUntouched(t *testing.T) {
	state := &kiro.ConversationState{History: []kiro.HistoryMessage{historyUser(" ")}}
	stats := Compress(state, config.CompressionConfig{Enabled: true, WhitespaceCompression: true, ThinkingStrategy: "keep"})
	require.Zero(t, stats.WhitespaceSaved)
	require.Equal(t, " ", state.History[0].UserInputMessage.Content)
}

func TestCompressThinkingDiscard(t *testing.T) {
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{
			historyUser("q"),
			historyAssistant("<thinking>long deliberation</thinking>\n\nanswer"),
		},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "discard"})

	require.Equal(t, "\n\nanswer", state.History[1].AssistantResponseMessage.Content)
	require.Equal(t, len("<thinking>long deliberation</thinking>"), stats.ThinkingSaved)
}

func TestCompressThinkingDiscardUnclosed(t *testing.T) {
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{historyAssistant("before <thinking>never closed")},
	}
	Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "discard"})
	require.Equal(t, "before ", state.History[0].AssistantResponseMessage.Content,
		"an unclosed block swallows the rest of the text")
}

func TestCompressThinkingTruncate(t *testing.T) {
	inner := strings.Repeat("a", 600)
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{historyAssistant("<thinking>" + inner + "</thinking>done")},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "truncate"})

	want := "<thinking>" + strings.Repeat("a", 500) + "...[truncated]</thinking>done"
	require.Equal(t, want, state.History[0].AssistantResponseMessage.Content)
	require.Equal(t, 600-500-len("...[truncated]"), stats.ThinkingSaved)
}

func TestCompressThinkingTruncateShortBlockKept(t *testing.T) {
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{historyAssistant("<thinking>brief</thinking>done")},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "truncate"})
	require.Equal(t, "<thinking>brief</thinking>done", state.History[0].AssistantResponseMessage.Content)
	require.Zero(t, stats.ThinkingSaved)
}

func TestCompressThinkingTruncateUnclosed(t *testing.T) {
	inner := strings.Repeat("a", 600)
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{historyAssistant("<thinking>" + inner)},
	}
	Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "truncate"})
	require.Equal(t, "<thinking>"+strings.Repeat("a", 500)+"...[truncated]</thinking>",
		state.History[0].AssistantResponseMessage.Content)
}

func TestSmartTruncateCharBranch(t *testing.T) {
	text := strings.Repeat("H", 150) + strings.Repeat("T", 150)
	result, saved := smartTruncateByLines(text, 100, 5, 5)

	require.True(t, strings.HasPrefix(result, strings.Repeat("H", 50)))
	require.True(t, strings.HasSuffix(result, strings.Repeat("T", 50)))
	require.Contains(t, result, "... [200 chars omitted] ...")
	require.Equal(t, len(text)-len(result), saved)
}

func TestSmartTruncateLineBranch(t *testing.T) {
	var lines []string
	for i := 1; i <= 20; i++ {
		lines = append(lines, "line-"+string(rune('a'+i-1))+"x")
	}
	text := strings.Join(lines, "\n")
	result, saved := smartTruncateByLines(text, 100, 3, 2)

	require.True(t, strings.HasPrefix(result, lines[0]+"\n"+lines[1]+"\n"+lines[2]+"\n"))
	require.True(t, strings.HasSuffix(result, lines[18]+"\n"+lines[19]))
	require.Contains(t, result, "... [15 lines omitted")
	require.Equal(t, len(text)-len(result), saved)
}

func TestSmartTruncateLineBranchHardCap(t *testing.T) {
	var lines []string
	for i := 0; i < 30; i++ {
		lines = append(lines, strings.Repeat("x", 50))
	}
	text := strings.Join(lines, "\n")
	result, _ := smartTruncateByLines(text, 60, 5, 5)
	require.Equal(t, 60, utf8.RuneCountInString(result), "the line form is capped to the budget")
}

func TestSmartTruncateUnderLimitUntouched(t *testing.T) {
	// 60 three-byte runes: 180 bytes but only 60 chars
	text := strings.Repeat("世", 60)
	result, saved := smartTruncateByLines(text, 100, 5, 5)
	require.Equal(t, text, result)
	require.Zero(t, saved)
}

func TestCompressToolResults(t *testing.T) {
	long := strings.Repeat("H", 150) + strings.Repeat("T", 150)
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{
			{UserInputMessage: &kiro.UserInputMessage{
				Content: " ",
				UserInputMessageContext: &kiro.UserInputMessageContext{
					ToolResults: []kiro.ToolResult{{
						ToolUseID: "tu1",
						Content:   []kiro.ToolResultContent{{Text: long}, {Text: "short"}},
					}},
				},
			}},
		},
		CurrentMessage: &kiro.CurrentMessage{
			UserInputMessage: &kiro.UserInputMessage{
				Content: " ",
				UserInputMessageContext: &kiro.UserInputMessageContext{
					ToolResults: []kiro.ToolResult{{
						ToolUseID: "tu2",
						Content:   []kiro.ToolResultContent{{Text: long}},
					}},
				},
			},
		},
	}
	stats := Compress(state, config.CompressionConfig{
		Enabled: true, ThinkingStrategy: "keep",
		ToolResultMaxChars: 100, ToolResultHeadLines: 5, ToolResultTailLines: 5,
	})

	historyResult := state.History[0].UserInputMessage.UserInputMessageContext.ToolResults[0]
	require.Contains(t, historyResult.Content[0].Text, "chars omitted")
	require.Equal(t, "short", historyResult.Content[1].Text, "fragments under the limit pass through")
	currentResult := state.CurrentMessage.UserInputMessage.UserInputMessageContext.ToolResults[0]
	require.Contains(t, currentResult.Content[0].Text, "chars omitted")
	require.Positive(t, stats.ToolResultSaved)
}

func TestCompressToolUseInputsBareTruncation(t *testing.T) {
	input, err := json.Marshal(map[string]any{"content": strings.Repeat("a", 101)})
	require.NoError(t, err)
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{
			{AssistantResponseMessage: &kiro.AssistantResponseMessage{
				Content:  " ",
				ToolUses: []kiro.ToolUseEntry{{ToolUseID: "tu1", Name: "Write", Input: input}},
			}},
		},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "keep", ToolUseInputMaxChars: 100})

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(state.History[0].AssistantResponseMessage.ToolUses[0].Input, &decoded))
	require.Equal(t, strings.Repeat("a", 100), decoded["content"],
		"the marker would not shorten a borderline string, so it is dropped")
	require.Equal(t, 1, stats.ToolUseInputSaved)
}

func TestCompressToolUseInputsWithMarker(t *testing.T) {
	input, err := json.Marshal(map[string]any{"content": strings.Repeat("a", 300)})
	require.NoError(t, err)
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{
			{AssistantResponseMessage: &kiro.AssistantResponseMessage{
				Content:  " ",
				ToolUses: []kiro.ToolUseEntry{{ToolUseID: "tu1", Name: "Write", Input: input}},
			}},
		},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "keep", ToolUseInputMaxChars: 100})

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(state.History[0].AssistantResponseMessage.ToolUses[0].Input, &decoded))
	require.Equal(t, strings.Repeat("a", 100)+"...[truncated 200 chars]", decoded["content"])
	require.Positive(t, stats.ToolUseInputSaved)
}

func TestCompressToolUseInputsSmallUntouched(t *testing.T) {
	input := json.RawMessage(`{"cmd":"ls"}`)
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{
			{AssistantResponseMessage: &kiro.AssistantResponseMessage{
				Content:  " ",
				ToolUses: []kiro.ToolUseEntry{{ToolUseID: "tu1", Name: "Bash", Input: input}},
			}},
		},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "keep", ToolUseInputMaxChars: 100})
	require.Zero(t, stats.ToolUseInputSaved)
	require.Equal(t, string(input), string(state.History[0].AssistantResponseMessage.ToolUses[0].Input))
}

func TestCompressHistoryTurns(t *testing.T) {
	var history []kiro.HistoryMessage
	for i := 0; i < 6; i++ {
		history = append(history, historyUser("u"+string(rune('0'+i))), historyAssistant("a"+string(rune('0'+i))))
	}
	state := &kiro.ConversationState{History: history}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "keep", MaxHistoryTurns: 2})

	require.Equal(t, 3, stats.HistoryTurnsRemoved)
	require.Len(t, state.History, 6)
	require.Equal(t, "u0", state.History[0].UserInputMessage.Content, "the leading pair survives")
	require.Equal(t, "a0", state.History[1].AssistantResponseMessage.Content)
	require.Equal(t, "u4", state.History[2].UserInputMessage.Content, "oldest conversation pairs go first")
	require.Equal(t, "a5", state.History[5].AssistantResponseMessage.Content)
}

func TestCompressHistoryChars(t *testing.T) {
	var history []kiro.HistoryMessage
	for i := 0; i < 4; i++ {
		history = append(history, historyUser(strings.Repeat("u", 100)), historyAssistant(strings.Repeat("a", 100)))
	}
	state := &kiro.ConversationState{History: history}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "keep", MaxHistoryChars: 450})

	require.Equal(t, 2, stats.HistoryTurnsRemoved)
	require.Len(t, state.History, 4)
}

func TestCompressHistoryKeepsMinimum(t *testing.T) {
	state := &kiro.ConversationState{
		History: []kiro.HistoryMessage{
			historyUser(strings.Repeat("u", 100)), historyAssistant(strings.Repeat("a", 100)),
			historyUser(strings.Repeat("u", 100)), historyAssistant(strings.Repeat("a", 100)),
		},
	}
	stats := Compress(state, config.CompressionConfig{Enabled: true, ThinkingStrategy: "keep", MaxHistoryChars: 10})

	require.Zero(t, stats.HistoryTurnsRemoved, "the system pair plus the latest pair always survive")
	require.Len(t, state.History, 4)
}
