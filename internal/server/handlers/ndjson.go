package handlers

import (
	"bufio"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/server/dialect"
	"github.com/relaygate/gateway/internal/translate"
)

// ndjsonEnvelope is the first line of an IDE-stream request: the request
// metadata the integer-typed nodes that follow don't carry.
type ndjsonEnvelope struct {
	Model          string `json:"model"`
	System         string `json:"system,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	ThinkingBudget int    `json:"thinking_budget,omitempty"`
}

// IDEStream handles POST /v1/ide/stream, the NDJSON IDE protocol. The
// client sends only its new turn (an envelope line, then type-0 text and
// type-1 tool-result nodes); prior turns come from the authoritative
// conversation record, which is the entire reason this client class gets a
// server-side history at all.
func (p *Pipeline) IDEStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		sc := bufio.NewScanner(c.Request.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		if !sc.Scan() {
			p.writeDialectError(c, DialectNDJSON, http.StatusBadRequest, "empty request body")
			return
		}
		var env ndjsonEnvelope
		if err := json.Unmarshal(sc.Bytes(), &env); err != nil {
			p.writeDialectError(c, DialectNDJSON, http.StatusBadRequest, "malformed envelope: "+err.Error())
			return
		}
		if env.Model == "" {
			p.writeDialectError(c, DialectNDJSON, http.StatusBadRequest, "model is required")
			return
		}

		var blocks []translate.Block
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var node dialect.NDJSONNode
			if err := json.Unmarshal(line, &node); err != nil {
				p.writeDialectError(c, DialectNDJSON, http.StatusBadRequest, "malformed node: "+err.Error())
				return
			}
			switch node.Type {
			case dialect.NodeText:
				blocks = append(blocks, translate.Block{Kind: translate.KindText, Text: node.Text})
			case dialect.NodeToolResult:
				var output interface{}
				if len(node.Output) > 0 {
					_ = json.Unmarshal(node.Output, &output)
				}
				blocks = append(blocks, translate.Block{
					Kind:            translate.KindToolResult,
					ToolResultForID: node.ToolID,
					ToolOutput:      output,
				})
			default:
				// Response-side node types in a request are a protocol
				// violation from a confused client; skip rather than fail.
				continue
			}
		}
		if err := sc.Err(); err != nil {
			p.writeDialectError(c, DialectNDJSON, http.StatusBadRequest, "read body: "+err.Error())
			return
		}
		if len(blocks) == 0 {
			p.writeDialectError(c, DialectNDJSON, http.StatusBadRequest, "no input nodes")
			return
		}

		req := translate.Request{
			Model:     env.Model,
			System:    env.System,
			Messages:  []translate.Message{{Role: translate.RoleUser, Content: blocks}},
			MaxTokens: env.MaxTokens,
			Stream:    true,
		}
		if env.ThinkingBudget > 0 {
			req.Thinking = translate.ThinkingConfig{Enabled: true, BudgetTokens: env.ThinkingBudget}
		}
		p.Execute(c, req, DialectNDJSON, "")
	}
}
