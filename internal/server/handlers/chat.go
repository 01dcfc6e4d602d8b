package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaygate/gateway/internal/translate"
)

// lenientDefaultModel returns a fallback model for requests that omit one,
// but only in compatibility mode: some IDE builds send their first request
// before the user has picked a model at all.
func (p *Pipeline) lenientDefaultModel() string {
	if !p.Cfg.CompatibilityMode {
		return ""
	}
	for _, b := range p.Cfg.Backends {
		if b.Enabled && len(b.Models) > 0 {
			return b.Models[0]
		}
	}
	return ""
}

// OpenAIChat handles POST /v1/chat/completions (and the direct-addressed
// per-backend variant when forceBackend is non-empty).
func (p *Pipeline) OpenAIChat(forceBackend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var wire translate.OpenAIRequest
		if err := c.ShouldBindJSON(&wire); err != nil {
			p.writeDialectError(c, DialectOpenAI, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
		if wire.Model == "" {
			if wire.Model = p.lenientDefaultModel(); wire.Model == "" {
				p.writeDialectError(c, DialectOpenAI, http.StatusBadRequest, "model is required")
				return
			}
		}
		p.Execute(c, translate.FromOpenAI(wire), DialectOpenAI, forceBackend)
	}
}

// AnthropicMessages handles POST /v1/messages.
func (p *Pipeline) AnthropicMessages(forceBackend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var wire translate.AnthropicRequest
		if err := c.ShouldBindJSON(&wire); err != nil {
			p.writeDialectError(c, DialectAnthropic, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
		if wire.Model == "" {
			if wire.Model = p.lenientDefaultModel(); wire.Model == "" {
				p.writeDialectError(c, DialectAnthropic, http.StatusBadRequest, "model is required")
				return
			}
		}
		p.Execute(c, translate.FromAnthropic(wire), DialectAnthropic, forceBackend)
	}
}

// GeminiGenerate handles the Gemini-native routes. Gin cannot express the
// `{model}:generateContent` colon convention as a path parameter, so the
// route is registered as a wildcard under /v1/models and the action split
// off here.
func (p *Pipeline) GeminiGenerate(forceBackend string) gin.HandlerFunc {
	return func(c *gin.Context) {
		modelAction := strings.TrimPrefix(c.Param("modelAction"), "/")
		model, action, ok := strings.Cut(modelAction, ":")
		if !ok || model == "" {
			p.writeDialectError(c, DialectGemini, http.StatusBadRequest, "expected /v1/models/{model}:generateContent")
			return
		}

		var streaming bool
		switch action {
		case "generateContent":
		case "streamGenerateContent":
			streaming = true
		default:
			p.writeDialectError(c, DialectGemini, http.StatusNotFound, "unknown action "+action)
			return
		}

		var wire translate.GeminiRequest
		if err := c.ShouldBindJSON(&wire); err != nil {
			p.writeDialectError(c, DialectGemini, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
		req := translate.FromGemini(wire)
		req.Model = model
		req.Stream = streaming
		p.Execute(c, req, DialectGemini, forceBackend)
	}
}
