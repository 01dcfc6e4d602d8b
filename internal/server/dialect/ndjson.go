package dialect

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/relaygate/gateway/internal/translate"
)

// NDJSON node type tags for the IDE streaming protocol. Requests reuse tag
// 1 for client-supplied tool results; every other tag is response-side.
const (
	NodeText         = 0 // raw text fragment
	NodeToolResult   = 1 // request-side: tool result replayed by the client
	NodeTextFinished = 2 // main text finished
	NodeImageID      = 3 // image reference
	NodeSafety       = 4 // safety / error notice
	NodeToolUse      = 5 // server-issued tool invocation
	NodeCheckpoint   = 6 // end-of-turn checkpoint carrying the conversation id
)

// NDJSONNode is one newline-delimited protocol node, request or response
// side; only the fields matching Type are populated.
type NDJSONNode struct {
	Type int    `json:"type"`
	Text string `json:"text,omitempty"`

	// NodeToolUse / NodeToolResult
	ToolID    string                 `json:"tool_id,omitempty"`
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
	Output    json.RawMessage        `json:"output,omitempty"`

	// NodeImageID
	ImageID string `json:"image_id,omitempty"`

	// NodeSafety
	Reason string `json:"reason,omitempty"`

	// NodeCheckpoint
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// NDJSONWriter streams response nodes to the custom NDJSON IDE client. The
// IDE protocol has no thinking representation at all, so thinking deltas are
// consumed silently - the thinking content still lands in the authoritative
// history and the signature store server-side, which is how the next turn
// recovers it.
type NDJSONWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	scid    string
}

// NewNDJSONWriter builds a writer for one response; scid is echoed in the
// final checkpoint node.
func NewNDJSONWriter(w http.ResponseWriter, scid string) (*NDJSONWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	return &NDJSONWriter{w: w, flusher: flusher, scid: scid}, nil
}

func (w *NDJSONWriter) write(node NDJSONNode) error {
	payload, err := json.Marshal(node)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(append(payload, '\n')); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

func (w *NDJSONWriter) ThinkingStart() error            { return nil }
func (w *NDJSONWriter) ThinkingDelta(string) error      { return nil }
func (w *NDJSONWriter) ThinkingStop(string, bool) error { return nil }

func (w *NDJSONWriter) TextStart() error { return nil }

func (w *NDJSONWriter) TextDelta(text string) error {
	return w.write(NDJSONNode{Type: NodeText, Text: text})
}

func (w *NDJSONWriter) TextStop() error {
	return w.write(NDJSONNode{Type: NodeTextFinished})
}

func (w *NDJSONWriter) ToolUse(id, name string, args map[string]interface{}) error {
	return w.write(NDJSONNode{Type: NodeToolUse, ToolID: id, ToolName: name, ToolInput: args})
}

func (w *NDJSONWriter) Finish(reason string, usage translate.Usage) error {
	return w.write(NDJSONNode{Type: NodeCheckpoint, CheckpointID: w.scid})
}

func (w *NDJSONWriter) Error(message string) error {
	return w.write(NDJSONNode{Type: NodeSafety, Reason: message})
}
