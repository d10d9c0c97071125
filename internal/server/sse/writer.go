// Package sse writes Anthropic-style Server-Sent Events.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer streams SSE frames over an http.ResponseWriter, flushing after
// every event so clients see tokens as they arrive.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter wraps w for event streaming. It fails when the underlying
// writer cannot flush.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders commits the SSE response headers. Must run before the first
// event; X-Accel-Buffering keeps reverse proxies from batching frames.
func (sw *Writer) SetHeaders() {
	h := sw.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// WriteEvent marshals data and emits one event/data frame.
func (sw *Writer) WriteEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteError emits an Anthropic error envelope as a terminal error event.
func (sw *Writer) WriteError(errorType, message string) error {
	return sw.WriteEvent("error", map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errorType,
			"message": message,
		},
	})
}

// Flush forces any buffered output to the client.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
