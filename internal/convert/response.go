package convert

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/kirocommunity/kiro-claude-proxy/internal/kiro"
	"github.com/kirocommunity/kiro-claude-proxy/internal/utils"
	"github.com/kirocommunity/kiro-claude-proxy/pkg/anthropic"
)

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// textSegment is a run of assistant text in a single mode.
type textSegment struct {
	thinking bool
	text     string
}

// thinkingSplitter incrementally separates assistant text into thinking
// and plain segments. Tags may arrive split across stream chunks, so any
// suffix that could begin a tag is held back until more text arrives.
type thinkingSplitter struct {
	inThinking bool
	carry      string
}

func (sp *thinkingSplitter) feed(chunk string) []textSegment {
	working := sp.carry + chunk
	sp.carry = ""

	var segments []textSegment
	for working != "" {
		tag := thinkingOpenTag
		if sp.inThinking {
			tag = thinkingCloseTag
		}
		idx := strings.Index(working, tag)
		if idx < 0 {
			hold := tagPrefixLen(working, tag)
			if emit := working[:len(working)-hold]; emit != "" {
				segments = append(segments, textSegment{thinking: sp.inThinking, text: emit})
			}
			sp.carry = working[len(working)-hold:]
			break
		}
		if idx > 0 {
			segments = append(segments, textSegment{thinking: sp.inThinking, text: working[:idx]})
		}
		working = working[idx+len(tag):]
		sp.inThinking = !sp.inThinking
	}
	return segments
}

// flush returns any held-back text as a segment of the current mode.
func (sp *thinkingSplitter) flush() []textSegment {
	if sp.carry == "" {
		return nil
	}
	segment := textSegment{thinking: sp.inThinking, text: sp.carry}
	sp.carry = ""
	return []textSegment{segment}
}

// tagPrefixLen returns the length of the longest proper prefix of tag
// that s ends with.
func tagPrefixLen(s, tag string) int {
	n := len(tag) - 1
	if n > len(s) {
		n = len(s)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}

// ResponseAssembler folds upstream stream events into Anthropic SSE
// events. It is pull-driven so the HTTP handler can wait for the first
// upstream event before committing to a streaming response, and it keeps
// the assembled content blocks so the non-streaming path produces exactly
// what the streaming path would have sent.
type ResponseAssembler struct {
	model       string
	inputTokens int
	messageID   string

	started    bool
	finished   bool
	blockIndex int
	blockType  string // "", "text", "thinking"
	splitter   thinkingSplitter

	toolOpen  bool
	toolID    string
	toolName  string
	toolInput strings.Builder

	blocks      []anthropic.ContentBlock
	toolBlocks  int
	outputChars int
}

// NewResponseAssembler creates an assembler for one upstream call. The
// model is echoed back to the client; inputTokens seeds the usage fields.
func NewResponseAssembler(model string, inputTokens int) *ResponseAssembler {
	return &ResponseAssembler{
		model:       model,
		inputTokens: inputTokens,
		messageID:   anthropic.GenerateMessageID(),
	}
}

// Started reports whether any client-visible event has been produced.
func (a *ResponseAssembler) Started() bool {
	return a.started
}

// Feed consumes one upstream event and returns the SSE events to forward
// to the client. An error means the upstream embedded an error event and
// the stream cannot continue.
func (a *ResponseAssembler) Feed(ev kiro.Event) ([]anthropic.SSEEvent, error) {
	var out []anthropic.SSEEvent

	switch ev.Type {
	case kiro.EventAssistantResponse:
		var payload kiro.AssistantEvent
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			utils.Warn("[Response] Dropping undecodable %s payload: %v", ev.Type, err)
			return nil, nil
		}
		if payload.Content == "" {
			return nil, nil
		}
		a.start(&out)
		a.finalizeToolUse(&out)
		for _, seg := range a.splitter.feed(payload.Content) {
			a.emitSegment(&out, seg)
		}

	case kiro.EventToolUse:
		var payload kiro.ToolUseEvent
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			utils.Warn("[Response] Dropping undecodable %s payload: %v", ev.Type, err)
			return nil, nil
		}
		a.start(&out)
		if a.toolOpen && payload.ToolUseID != "" && a.toolID != "" && payload.ToolUseID != a.toolID {
			// New id without a stop frame closes the previous call.
			a.finalizeToolUse(&out)
		}
		if !a.toolOpen {
			a.closeTextBlock(&out)
			a.toolOpen = true
		}
		if a.toolID == "" {
			a.toolID = payload.ToolUseID
		}
		if a.toolName == "" {
			a.toolName = payload.Name
		}
		a.toolInput.WriteString(payload.Input)
		if payload.Stop {
			a.finalizeToolUse(&out)
		}

	case kiro.EventMessageMetadata:
		// Conversation metadata carries nothing client-visible.

	case kiro.EventError:
		var payload kiro.ErrorEvent
		_ = json.Unmarshal(ev.Payload, &payload)
		message := payload.Message
		if message == "" {
			message = payload.Reason
		}
		if message == "" && len(ev.Payload) > 0 {
			message = truncateChars(string(ev.Payload), 200)
		}
		return nil, &kiro.StreamException{Name: ev.Type, Message: message, Payload: ev.Payload}

	default:
		utils.Debug("[Response] Ignoring event type %q", ev.Type)
	}

	return out, nil
}

// Finish ends the stream: it closes any open block and emits the trailing
// message_delta and message_stop. An error is returned when the stream
// produced no content at all.
func (a *ResponseAssembler) Finish() ([]anthropic.SSEEvent, error) {
	if a.finished {
		return nil, nil
	}
	a.finished = true

	if !a.started {
		return nil, kiro.NewEmptyResponseError("")
	}

	var out []anthropic.SSEEvent
	a.finalizeToolUse(&out)
	a.closeTextBlock(&out)

	out = append(out, anthropic.SSEEvent{
		Type:  anthropic.SSEEventMessageDelta,
		Delta: &anthropic.MessageDelta{StopReason: a.stopReason()},
		Usage: &anthropic.Usage{
			InputTokens:  a.inputTokens,
			OutputTokens: estimateFromChars(a.outputChars),
		},
	})
	out = append(out, anthropic.SSEEvent{Type: anthropic.SSEEventMessageStop})
	return out, nil
}

// Response builds the non-streaming message from everything fed so far.
func (a *ResponseAssembler) Response() (*anthropic.MessagesResponse, error) {
	if len(a.blocks) == 0 {
		return nil, kiro.NewEmptyResponseError("")
	}
	return &anthropic.MessagesResponse{
		ID:         a.messageID,
		Type:       "message",
		Role:       "assistant",
		Content:    a.blocks,
		Model:      a.model,
		StopReason: a.stopReason(),
		Usage: &anthropic.Usage{
			InputTokens:  a.inputTokens,
			OutputTokens: estimateFromChars(a.outputChars),
		},
	}, nil
}

func (a *ResponseAssembler) stopReason() string {
	if a.toolBlocks > 0 {
		return "tool_use"
	}
	return "end_turn"
}

// start lazily emits message_start and the initial ping.
func (a *ResponseAssembler) start(out *[]anthropic.SSEEvent) {
	if a.started {
		return
	}
	a.started = true
	*out = append(*out, anthropic.SSEEvent{
		Type: anthropic.SSEEventMessageStart,
		Message: &anthropic.MessagesResponse{
			ID:      a.messageID,
			Type:    "message",
			Role:    "assistant",
			Content: []anthropic.ContentBlock{},
			Model:   a.model,
			Usage:   &anthropic.Usage{InputTokens: a.inputTokens},
		},
	})
	*out = append(*out, anthropic.SSEEvent{Type: anthropic.SSEEventPing})
}

// emitSegment appends a text or thinking delta, opening and closing
// blocks as the mode changes.
func (a *ResponseAssembler) emitSegment(out *[]anthropic.SSEEvent, seg textSegment) {
	want := "text"
	if seg.thinking {
		want = "thinking"
	}
	if a.blockType != want {
		if a.blockType != "" {
			*out = append(*out, anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: anthropic.BlockIndex(a.blockIndex)})
			a.blockIndex++
		}
		a.blockType = want
		block := anthropic.ContentBlock{Type: want}
		*out = append(*out, anthropic.SSEEvent{
			Type:         anthropic.SSEEventContentBlockStart,
			Index:        anthropic.BlockIndex(a.blockIndex),
			ContentBlock: &block,
		})
		a.blocks = append(a.blocks, block)
	}

	last := &a.blocks[len(a.blocks)-1]
	delta := &anthropic.ContentDelta{}
	if seg.thinking {
		delta.Type = "thinking_delta"
		delta.Thinking = seg.text
		last.Thinking += seg.text
	} else {
		delta.Type = "text_delta"
		delta.Text = seg.text
		last.Text += seg.text
	}
	a.outputChars += len(seg.text)

	*out = append(*out, anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: anthropic.BlockIndex(a.blockIndex),
		Delta: delta,
	})
}

// closeTextBlock flushes held-back text and closes the open text or
// thinking block, if any.
func (a *ResponseAssembler) closeTextBlock(out *[]anthropic.SSEEvent) {
	for _, seg := range a.splitter.flush() {
		a.emitSegment(out, seg)
	}
	if a.blockType != "" {
		*out = append(*out, anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: anthropic.BlockIndex(a.blockIndex)})
		a.blockIndex++
		a.blockType = ""
	}
}

// finalizeToolUse closes the accumulating tool call. Inputs that look
// truncated become a text block with retry instructions instead of a
// tool_use block, so the client model can recover by splitting its call.
func (a *ResponseAssembler) finalizeToolUse(out *[]anthropic.SSEEvent) {
	if !a.toolOpen {
		return
	}
	a.toolOpen = false

	raw := a.toolInput.String()
	a.toolInput.Reset()
	id := a.toolID
	if id == "" {
		id = anthropic.GenerateToolUseID()
	}
	name := a.toolName
	a.toolID = ""
	a.toolName = ""

	info := DetectTruncation(name, id, raw)
	if info.Truncated {
		utils.Warn("[Response] Tool call %s (%s) looks truncated (%s), substituting retry instructions", name, id, info.Type)
		a.emitSegment(out, textSegment{text: BuildSoftFailureResult(&info)})
		a.closeTextBlock(out)
		return
	}

	startBlock := anthropic.ContentBlock{Type: "tool_use", ID: id, Name: name}
	*out = append(*out, anthropic.SSEEvent{
		Type:         anthropic.SSEEventContentBlockStart,
		Index:        anthropic.BlockIndex(a.blockIndex),
		ContentBlock: &startBlock,
	})
	*out = append(*out, anthropic.SSEEvent{
		Type:  anthropic.SSEEventContentBlockDelta,
		Index: anthropic.BlockIndex(a.blockIndex),
		Delta: &anthropic.ContentDelta{Type: "input_json_delta", PartialJSON: raw},
	})
	*out = append(*out, anthropic.SSEEvent{Type: anthropic.SSEEventContentBlockStop, Index: anthropic.BlockIndex(a.blockIndex)})
	a.blockIndex++

	stored := startBlock
	stored.Input = json.RawMessage(raw)
	if !json.Valid(stored.Input) {
		// Invalid input would poison the response marshal.
		stored.Input, _ = json.Marshal(raw)
	}
	a.blocks = append(a.blocks, stored)
	a.toolBlocks++
	a.outputChars += len(raw)
}

// CollectResponse drains a stream into a single non-streaming response.
func CollectResponse(stream kiro.EventStream, model string, inputTokens int) (*anthropic.MessagesResponse, error) {
	asm := NewResponseAssembler(model, inputTokens)
	for {
		ev, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if _, err := asm.Feed(ev); err != nil {
			return nil, err
		}
	}
	if _, err := asm.Finish(); err != nil {
		return nil, err
	}
	return asm.Response()
}
