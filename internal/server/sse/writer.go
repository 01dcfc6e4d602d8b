// Package sse provides Server-Sent Events response writing for the
// streaming handlers. All three SSE dialects (OpenAI, Anthropic, Gemini)
// write through the same Writer; only the event naming differs: OpenAI and
// Gemini emit bare `data:` lines, Anthropic names every event.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer wraps an http.ResponseWriter for SSE streaming.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter creates a Writer, failing if the underlying ResponseWriter
// cannot flush (a proxy buffering the whole response defeats streaming).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// SetHeaders sets the SSE response headers.
func (sw *Writer) SetHeaders() {
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.Header().Set("X-Accel-Buffering", "no")
}

// WriteEvent writes a named SSE event with a JSON payload.
func (sw *Writer) WriteEvent(eventType string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteData writes an unnamed `data:` line with a JSON payload, the OpenAI
// and Gemini SSE convention.
func (sw *Writer) WriteData(data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(sw.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// WriteDone writes the `[DONE]` sentinel OpenAI-compatible clients expect
// as the stream's final line.
func (sw *Writer) WriteDone() error {
	if _, err := fmt.Fprint(sw.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Flush flushes any buffered data.
func (sw *Writer) Flush() {
	sw.flusher.Flush()
}
