// Package handlers implements the HTTP request handlers: one thin handler
// per wire format, all funneling into the shared Pipeline that runs the
// merge → decode → budget → route → stream sequence.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaygate/gateway/internal/clienttype"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/convo"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/router"
	"github.com/relaygate/gateway/internal/sanitizer"
	"github.com/relaygate/gateway/internal/server/dialect"
	"github.com/relaygate/gateway/internal/server/sse"
	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/stream"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/usage"
)

var log = logging.For("handlers")

// ConversationHeader echoes or issues the server conversation id.
const ConversationHeader = "X-AG-Conversation-Id"

// Dialect is the client's wire format, which decides response encoding.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectGemini
	DialectNDJSON
)

// Pipeline bundles the components every chat handler needs. One Pipeline
// is built at startup and shared.
type Pipeline struct {
	Cfg    *config.Config
	Router *router.Router
	Convo  *convo.Manager
	Store  *signature.Store
	Usage  *usage.Recorder
}

// Execute runs one chat request end to end. forceBackend, when non-empty,
// pins the chain to that single backend (the direct-addressed prefix
// routes).
func (p *Pipeline) Execute(c *gin.Context, req translate.Request, d Dialect, forceBackend string) {
	ctx := c.Request.Context()
	ct := c.GetString(clienttype.CtxClientType)
	ownerID := c.GetString(clienttype.CtxOwnerID)
	policy := clienttype.PolicyFor(ct)

	// Conversation identity: echo the client's scid or issue a fresh one,
	// then reconcile the replayed history against the authoritative copy.
	scid := c.GetHeader(ConversationHeader)
	if scid == "" {
		scid = convo.DeriveSCID(req)
	}
	c.Header(ConversationHeader, scid)

	state := p.Convo.GetOrCreate(scid, ct)
	if len(state.AuthoritativeHistory) > 0 {
		netNew := p.Convo.MergeWithClientHistory(scid, req.Messages)
		merged := make([]translate.Message, 0, len(state.AuthoritativeHistory)+len(netNew))
		merged = append(merged, state.AuthoritativeHistory...)
		merged = append(merged, netNew...)
		req.Messages = merged
	}

	req.Messages = sanitizer.DecodeToolIDs(req.Messages)
	p.validateToolInputs(req)

	if req.Thinking.Enabled {
		req.Thinking.BudgetTokens, req.MaxTokens = stream.AdjustThinkingBudget(
			req.Thinking.BudgetTokens, req.MaxTokens,
			stream.DefaultHardCap, stream.DefaultMinOutputTokens, stream.DefaultMinMaxTokens)
	}

	sessionFP := convo.SessionFingerprint(req)
	lastSig, _ := p.Convo.LastSignature(scid)
	cc := router.ClientContext{
		ClientType:         ct,
		OwnerID:            ownerID,
		SessionFingerprint: sessionFP,
		LastSignature:      lastSig,
		AggressiveFallback: policy.AggressiveFallback,
	}

	invoke := func(q translate.Request) (*router.Outcome, []router.AttemptFailure, error) {
		if forceBackend != "" {
			return p.Router.InvokeBackend(ctx, q, cc, forceBackend)
		}
		return p.Router.Invoke(ctx, q, cc)
	}

	outcome, failures, err := invoke(req)
	if err != nil {
		p.writeChainFailure(c, d, req.Model, failures, err)
		p.Usage.Track(ctx, usage.Record{
			SCID: scid, OwnerID: ownerID, Model: req.Model, Status: "chain_exhausted",
		}, &req)
		return
	}

	translator := stream.New(p.Store, stream.CaptureMeta{
		OwnerID:            ownerID,
		SessionFingerprint: sessionFP,
		ModelFamily:        string(outcome.Family),
		ClientType:         policy.SignatureTTL,
		EncodeIDs:          policy.SupportsIDEncoding,
	})

	var res stream.Result
	if req.Stream {
		res, err = p.runStreaming(c, d, req.Model, scid, translator, outcome)
		if err != nil {
			// Streaming setup failed before any byte was written.
			p.writeDialectError(c, d, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		res = translator.Run(ctx, outcome.Events, stream.NoopWriter{})

		// Anti-truncation: a non-streaming response that hit max_tokens with
		// no visible output is useless to every client in scope; retry with
		// a doubled output ceiling, up to the configured attempt budget.
		for attempt := 0; res.Err == nil && truncatedEmpty(res) && attempt < p.Cfg.AntiTruncationMax; attempt++ {
			if req.MaxTokens <= 0 {
				req.MaxTokens = stream.DefaultMinMaxTokens
			} else {
				req.MaxTokens *= 2
			}
			retry, _, rerr := invoke(req)
			if rerr != nil {
				break
			}
			outcome = retry
			res = translator.Run(ctx, outcome.Events, stream.NoopWriter{})
		}
		p.writeNonStreaming(c, d, req.Model, scid, res)
	}

	status := "ok"
	if res.Err != nil {
		status = "upstream_error"
	} else {
		full := make([]translate.Message, 0, len(req.Messages)+1)
		full = append(full, req.Messages...)
		full = append(full, res.Message)
		p.Convo.UpdateAuthoritativeHistory(scid, full, res.LastSignature)
	}

	p.Usage.Track(ctx, usage.Record{
		SCID:    scid,
		OwnerID: ownerID,
		Backend: outcome.BackendKey,
		Model:   outcome.Model,
		Usage:   res.Usage,
		Status:  status,
	}, &req)
}

// truncatedEmpty reports a max_tokens finish that produced no visible text
// or tool call - the whole budget went to thinking.
func truncatedEmpty(res stream.Result) bool {
	if res.FinishReason != "max_tokens" {
		return false
	}
	for _, b := range res.Message.Content {
		if b.Kind == translate.KindText && b.Text != "" {
			return false
		}
		if b.Kind == translate.KindToolUse {
			return false
		}
	}
	return true
}

// runStreaming builds the client-dialect writer and drives the state
// machine through it.
func (p *Pipeline) runStreaming(c *gin.Context, d Dialect, model, scid string, translator *stream.Translator, outcome *router.Outcome) (stream.Result, error) {
	ctx := c.Request.Context()

	if d == DialectNDJSON {
		w, err := dialect.NewNDJSONWriter(c.Writer, scid)
		if err != nil {
			return stream.Result{}, err
		}
		c.Status(http.StatusOK)
		return translator.Run(ctx, outcome.Events, w), nil
	}

	sw, err := sse.NewWriter(c.Writer)
	if err != nil {
		return stream.Result{}, err
	}
	sw.SetHeaders()
	c.Status(http.StatusOK)

	switch d {
	case DialectAnthropic:
		w := dialect.NewAnthropicWriter(sw, "msg_"+uuid.New().String(), model)
		if err := w.Begin(); err != nil {
			return stream.Result{}, err
		}
		return translator.Run(ctx, outcome.Events, w), nil
	case DialectGemini:
		return translator.Run(ctx, outcome.Events, dialect.NewGeminiWriter(sw)), nil
	default:
		return translator.Run(ctx, outcome.Events, dialect.NewOpenAIWriter(sw, "chatcmpl-"+uuid.New().String(), model)), nil
	}
}

// writeNonStreaming renders the assembled result in the client dialect.
func (p *Pipeline) writeNonStreaming(c *gin.Context, d Dialect, model, scid string, res stream.Result) {
	if res.Err != nil {
		status := http.StatusBadGateway
		if ue, ok := res.Err.(*stream.UpstreamError); ok && ue.StatusCode >= 400 {
			status = ue.StatusCode
		}
		p.writeDialectError(c, d, status, res.Err.Error())
		return
	}

	switch d {
	case DialectAnthropic:
		c.JSON(http.StatusOK, translate.ToAnthropicResponse(
			"msg_"+uuid.New().String(), model, res.Message,
			dialect.AnthropicStopReason(res.FinishReason), res.Usage))
	case DialectGemini:
		c.JSON(http.StatusOK, translate.ToGeminiResponse(
			res.Message, dialect.GeminiFinishReason(res.FinishReason), res.Usage))
	default:
		c.JSON(http.StatusOK, translate.ToOpenAIResponse(
			"chatcmpl-"+uuid.New().String(), model, res.Message,
			dialect.OpenAIFinishReason(res.FinishReason), res.Usage))
	}
}

// writeChainFailure renders the chain-exhaustion diagnostic: one line per
// attempted backend with its classified reason. An empty failure list means
// no backend accepted the model at all, a client-caused 400 rather than 503.
func (p *Pipeline) writeChainFailure(c *gin.Context, d Dialect, model string, failures []router.AttemptFailure, err error) {
	if len(failures) == 0 {
		p.writeDialectError(c, d, http.StatusBadRequest, err.Error())
		return
	}
	var lines []string
	for _, f := range failures {
		lines = append(lines, "backend "+f.BackendKey+": "+f.Reason)
	}
	p.writeDialectError(c, d, http.StatusServiceUnavailable,
		"all backends exhausted for model "+model+"; "+strings.Join(lines, "; "))
}

// writeDialectError writes an error body in the client's own dialect.
func (p *Pipeline) writeDialectError(c *gin.Context, d Dialect, status int, message string) {
	switch d {
	case DialectAnthropic:
		c.JSON(status, gin.H{"type": "error", "error": gin.H{"type": errorType(status), "message": message}})
	case DialectGemini:
		c.JSON(status, gin.H{"error": gin.H{"code": status, "message": message, "status": geminiStatus(status)}})
	case DialectNDJSON:
		c.JSON(status, dialect.NDJSONNode{Type: dialect.NodeSafety, Reason: message})
	default:
		c.JSON(status, gin.H{"error": gin.H{"type": errorType(status), "message": message}})
	}
}

func errorType(status int) string {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return "authentication_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "api_error"
	default:
		return "invalid_request_error"
	}
}

func geminiStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case status >= 500:
		return "UNAVAILABLE"
	default:
		return "INVALID_ARGUMENT"
	}
}

// validateToolInputs checks every assistant tool_use's arguments against
// the request's declared tool schema, logging mismatches. Soft-fail only:
// a client whose tool loop already works should not be broken by a strict
// schema it never opted into.
func (p *Pipeline) validateToolInputs(req translate.Request) {
	schemas := make(map[string]map[string]interface{}, len(req.Tools))
	for _, t := range req.Tools {
		schemas[t.Name] = t.Schema
	}
	for _, m := range req.Messages {
		if m.Role != translate.RoleAssistant {
			continue
		}
		for _, b := range m.Content {
			if b.Kind != translate.KindToolUse {
				continue
			}
			schema, ok := schemas[b.ToolName]
			if !ok || schema == nil {
				continue
			}
			if err := translate.ValidateToolInput(schema, b.ToolInput); err != nil {
				log.Warn().Str("tool", b.ToolName).Str("tool_id", b.ToolUseID).
					Str("schema", translate.NormalizedSchemaDigest(schema)).
					Err(err).Msg("tool input fails declared schema")
			}
		}
	}
}
