package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
)

// Event is one decoded frame from the upstream response stream.
type Event struct {
	Type    string // ":event-type" header value
	Payload []byte // JSON payload
}

// EventStream iterates over the frames of an upstream response. Next
// returns io.EOF when the stream ends cleanly and a *StreamException when
// the upstream embedded an exception or error frame.
type EventStream interface {
	Next() (Event, error)
	Close() error
}

// StreamException is an exception or error frame surfaced mid-stream.
type StreamException struct {
	Name    string
	Message string
	Payload []byte
}

func (e *StreamException) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream exception %s: %s", e.Name, e.Message)
	}
	return fmt.Sprintf("upstream exception %s", e.Name)
}

type eventStreamReader struct {
	body    io.ReadCloser
	decoder *eventstream.Decoder
	buf     []byte
}

// NewEventStream wraps a response body in an event-stream frame iterator.
func NewEventStream(body io.ReadCloser) EventStream {
	return &eventStreamReader{
		body:    body,
		decoder: eventstream.NewDecoder(),
		buf:     make([]byte, 0, 4096),
	}
}

func (s *eventStreamReader) Next() (Event, error) {
	msg, err := s.decoder.Decode(s.body, s.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("decode event frame: %w", err)
	}

	messageType := msg.Headers.Get(eventstreamapi.MessageTypeHeader)
	if messageType == nil {
		return Event{}, fmt.Errorf("event frame missing %s header", eventstreamapi.MessageTypeHeader)
	}

	switch messageType.String() {
	case eventstreamapi.EventMessageType:
		eventType := msg.Headers.Get(eventstreamapi.EventTypeHeader)
		if eventType == nil {
			return Event{}, fmt.Errorf("event frame missing %s header", eventstreamapi.EventTypeHeader)
		}
		// The decoder reuses the payload buffer across frames.
		payload := append([]byte(nil), msg.Payload...)
		return Event{Type: eventType.String(), Payload: payload}, nil

	case eventstreamapi.ExceptionMessageType:
		name := "UnknownException"
		if h := msg.Headers.Get(eventstreamapi.ExceptionTypeHeader); h != nil {
			name = h.String()
		}
		return Event{}, newStreamException(name, msg.Payload)

	case eventstreamapi.ErrorMessageType:
		name := "UnknownError"
		message := ""
		if h := msg.Headers.Get(eventstreamapi.ErrorCodeHeader); h != nil {
			name = h.String()
		}
		if h := msg.Headers.Get(eventstreamapi.ErrorMessageHeader); h != nil {
			message = h.String()
		}
		return Event{}, &StreamException{Name: name, Message: message}

	default:
		return Event{}, fmt.Errorf("unsupported event frame type %q", messageType.String())
	}
}

func (s *eventStreamReader) Close() error {
	return s.body.Close()
}

// newStreamException extracts the human message from an exception payload.
// Payloads are JSON like {"message": "...", "reason": "..."}; anything else
// is carried verbatim.
func newStreamException(name string, payload []byte) *StreamException {
	exc := &StreamException{Name: name, Payload: append([]byte(nil), payload...)}
	var body struct {
		Message string `json:"message"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		exc.Message = body.Message
		if exc.Message == "" {
			exc.Message = body.Reason
		}
	}
	if exc.Message == "" && len(payload) > 0 {
		exc.Message = truncateForError(string(payload))
	}
	return exc
}
