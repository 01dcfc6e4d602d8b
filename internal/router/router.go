// Package router implements the backend router: resolves a model to
// an ordered chain of backend adapters, sanitizes the request afresh for
// each hop's target dialect, acquires a credential, invokes the adapter,
// and classifies failures into retry-same-backend / advance-to-next-
// credential / advance-to-next-backend.
package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygate/gateway/internal/backend"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/credential"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/sanitizer"
	"github.com/relaygate/gateway/internal/signature"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/internal/upstream"
)

var log = logging.For("router")

var tracer = otel.Tracer("gateway/router")

// ClientContext carries the per-request, per-caller facts the router needs
// that are not part of the normalized Request itself: who is asking
// (owner-id, for signature tenancy), what session they are in, and whether
// their client type is allowed cross-pool fallback.
type ClientContext struct {
	ClientType         string
	OwnerID            string
	SessionFingerprint string
	LastSignature      string
	AggressiveFallback bool
}

// AttemptFailure records one backend's classified failure for the
// chain-exhaustion diagnostic body.
type AttemptFailure struct {
	BackendKey string
	Reason     string
}

// Outcome is a successful hop's result: a normalized event stream the
// caller drives through a stream.Translator, plus the bookkeeping needed to
// report success/failure back to the credential manager afterward.
type Outcome struct {
	Events      <-chan upstream.Event
	BackendKey  string
	Model       string
	Family      translate.ModelFamily
	Credential  *credential.Credential
	SanitizeRes sanitizer.Result
}

// Router is the failover engine. One Router is built at startup from the
// resolved Config and shared across all requests.
type Router struct {
	cfg         *config.Config
	credentials *credential.Manager
	store       *signature.Store
	httpClient  *http.Client
	adapters    map[string]backend.Adapter
	local       *backend.LocalAdapter
}

// New builds a Router. localHandler may be nil if no backend in cfg is
// configured with Local:true.
func New(cfg *config.Config, credentials *credential.Manager, store *signature.Store, httpClient *http.Client, localHandler backend.LocalHandler) *Router {
	return &Router{
		cfg:         cfg,
		credentials: credentials,
		store:       store,
		httpClient:  httpClient,
		adapters: map[string]backend.Adapter{
			"openai":    backend.New("openai"),
			"anthropic": backend.New("anthropic"),
			"gemini":    backend.New("gemini"),
		},
		local: &backend.LocalAdapter{Handler: localHandler},
	}
}

type hop struct {
	cfg         config.BackendConfig
	targetModel string
}

// resolveChain resolves the chain for a model: an explicit
// ModelRoutingRule match wins outright; otherwise every enabled backend
// that accepts the model, in priority order.
func (r *Router) resolveChain(model string) []hop {
	for _, rule := range r.cfg.Routing {
		if matchesPattern(rule.Pattern, model) {
			hops := make([]hop, 0, len(rule.Chain))
			byKey := map[string]config.BackendConfig{}
			for _, b := range r.cfg.Backends {
				byKey[b.Key] = b
			}
			for _, step := range rule.Chain {
				bc, ok := byKey[step.BackendKey]
				if !ok || !bc.Enabled {
					continue
				}
				target := step.TargetModel
				if target == "" {
					target = model
				}
				hops = append(hops, hop{cfg: bc, targetModel: target})
			}
			return hops
		}
	}

	candidates := make([]config.BackendConfig, 0, len(r.cfg.Backends))
	for _, b := range r.cfg.Backends {
		if b.Enabled && b.AcceptsModel(model) {
			candidates = append(candidates, b)
		}
	}
	sortByPriority(candidates)
	hops := make([]hop, 0, len(candidates))
	for _, b := range candidates {
		hops = append(hops, hop{cfg: b, targetModel: model})
	}
	return hops
}

func matchesPattern(pattern, model string) bool {
	if pattern == model {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func sortByPriority(backends []config.BackendConfig) {
	for i := 1; i < len(backends); i++ {
		j := i
		for j > 0 && backends[j-1].Priority > backends[j].Priority {
			backends[j-1], backends[j] = backends[j], backends[j-1]
			j--
		}
	}
}

func familyOf(apiFormat string) translate.ModelFamily {
	switch apiFormat {
	case "anthropic":
		return translate.FamilyClaude
	case "gemini":
		return translate.FamilyGemini
	default:
		return translate.FamilyOpenAI
	}
}

// Invoke runs the chain for req, trying each hop's every credential and
// every retry the hop's config allows before advancing.
// On total chain exhaustion it returns a nil Outcome and the list of
// per-backend failures for the caller to render as a 503.
func (r *Router) Invoke(ctx context.Context, req translate.Request, cc ClientContext) (*Outcome, []AttemptFailure, error) {
	hops := r.resolveChain(req.Model)
	return r.invokeHops(ctx, req, cc, hops)
}

// InvokeBackend is the direct-addressed variant behind the per-backend URL
// prefix: the chain is exactly one hop, no rule resolution and no failover
// to siblings.
func (r *Router) InvokeBackend(ctx context.Context, req translate.Request, cc ClientContext, backendKey string) (*Outcome, []AttemptFailure, error) {
	var hops []hop
	for _, b := range r.cfg.Backends {
		if b.Key == backendKey && b.Enabled {
			hops = append(hops, hop{cfg: b, targetModel: req.Model})
			break
		}
	}
	return r.invokeHops(ctx, req, cc, hops)
}

func (r *Router) invokeHops(ctx context.Context, req translate.Request, cc ClientContext, hops []hop) (*Outcome, []AttemptFailure, error) {
	if len(hops) == 0 {
		return nil, nil, fmt.Errorf("no backend configured for model %q", req.Model)
	}

	var failures []AttemptFailure

	for hopIdx, h := range hops {
		family := familyOf(h.cfg.APIFormat)
		sanRes := sanitizer.Sanitize(req, family, r.store, cc.OwnerID, sanitizer.RecoveryContext{
			SessionFingerprint: cc.SessionFingerprint,
			LastSignature:      cc.LastSignature,
		})
		sanReq := sanRes.Request
		sanReq.Model = h.targetModel

		isLastHop := hopIdx == len(hops)-1
		outcome, failure := r.attemptBackend(ctx, h, sanReq, sanRes, family, cc, isLastHop)
		if outcome != nil {
			return outcome, nil, nil
		}
		failures = append(failures, failure)
	}

	log.Warn().Int("attempts", len(hops)).Msg("backend chain exhausted")
	return nil, failures, fmt.Errorf("all backends exhausted for model %q", req.Model)
}

// attemptBackend runs the retry loop for a single chain hop: acquire a credential, invoke, retry on transient/quota failures up
// to MaxRetries (advancing credential on quota exhaustion or a 401/403, the
// latter also reported against the credential), and give up on this hop
// (letting the caller advance to the next one) on a non-retriable error, a
// spent quota budget, no eligible credential, or retry exhaustion.
func (r *Router) attemptBackend(ctx context.Context, h hop, req translate.Request, sanRes sanitizer.Result, family translate.ModelFamily, cc ClientContext, isLastHop bool) (outcome *Outcome, failure AttemptFailure) {
	ctx, span := tracer.Start(ctx, "backend.attempt", trace.WithAttributes(
		attribute.String("backend", h.cfg.Key),
		attribute.String("model", req.Model),
	))
	defer func() {
		span.SetAttributes(attribute.Bool("success", outcome != nil))
		if outcome == nil {
			span.SetAttributes(attribute.String("failure", failure.Reason))
		}
		span.End()
	}()

	adapter := r.adapters[h.cfg.APIFormat]
	if h.cfg.Local {
		adapter = r.local
	}

	maxRetries := h.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = config.DefaultMaxRetries
	}

	// An explicit quota budget bounds how many 429-driven credential
	// advances one hop may burn before the chain moves on; zero means
	// "bounded only by maxRetries".
	quotaBudget := r.cfg.Retry429Budgets["quota"]
	quotaAttempts := 0

	var lastReason string
attempts:
	for attempt := 0; attempt <= maxRetries; attempt++ {
		cred, effectiveModel := r.acquireCredential(h, req.Model, family, cc, isLastHop && attempt == maxRetries)
		if cred == nil && !h.cfg.Local {
			lastReason = "no eligible credential"
			break
		}

		attemptReq := req
		attemptReq.Model = effectiveModel

		baseURL := h.cfg.BaseURLs[attempt%len(max1(h.cfg.BaseURLs))]
		client := r.httpClient
		if h.cfg.StreamTimeoutS > 0 {
			c := *r.httpClient
			c.Timeout = time.Duration(h.cfg.StreamTimeoutS) * time.Second
			client = &c
		}

		events, err := adapter.Stream(ctx, client, baseURL, cred, attemptReq)
		if err != nil {
			lastReason = err.Error()
			r.backoff(ctx, attempt)
			continue
		}

		first, ok, rest := peekFirst(events)
		if !ok {
			lastReason = "empty response stream"
			continue
		}
		if first.Kind != upstream.EventError {
			if cred != nil {
				r.credentials.ReportSuccess(cred, effectiveModel, first.QuotaFraction)
			}
			return &Outcome{Events: rest, BackendKey: h.cfg.Key, Model: effectiveModel, Family: family, Credential: cred, SanitizeRes: sanRes}, AttemptFailure{}
		}

		lastReason = first.ErrMessage
		switch {
		case first.StatusCode == 429:
			retryAfter := time.Duration(first.RetryAfter) * time.Second
			if cred != nil {
				r.credentials.ReportFailure(cred, effectiveModel, credential.FailureQuotaExhausted, retryAfter)
			}
			quotaAttempts++
			if quotaBudget > 0 && quotaAttempts >= quotaBudget {
				break attempts
			}
			continue attempts // next credential within this backend
		case first.StatusCode == 401 || first.StatusCode == 403:
			if cred != nil {
				// With auto-ban off the credential only loses this attempt,
				// not its pool membership; a flapping upstream auth layer
				// should not permanently drain the pool.
				code := credential.FailureAuth
				if !r.cfg.AutoBan {
					code = credential.FailureTransient
				}
				r.credentials.ReportFailure(cred, effectiveModel, code, 0)
			}
			continue attempts
		case first.Retryable:
			r.backoff(ctx, attempt)
			continue attempts
		default:
			// non-retriable client error: give up on this hop entirely
			break attempts
		}
	}

	return nil, AttemptFailure{BackendKey: h.cfg.Key, Reason: lastReason}
}

func (r *Router) acquireCredential(h hop, model string, family translate.ModelFamily, cc ClientContext, allowCrossPool bool) (*credential.Credential, string) {
	if allowCrossPool && cc.AggressiveFallback {
		return r.credentials.AcquireWithFallback(h.cfg.Key, model, string(family), credential.ClientPolicy{AggressiveFallback: true}, r.familyModels(), r.rewriteModelFor(h))
	}
	return r.credentials.Acquire(h.cfg.Key, model), model
}

func (r *Router) familyModels() map[string][]string {
	out := map[string][]string{}
	for _, b := range r.cfg.Backends {
		fam := string(familyOf(b.APIFormat))
		out[fam] = append(out[fam], b.Models...)
	}
	return out
}

func (r *Router) rewriteModelFor(h hop) func(toFamily string) string {
	return func(toFamily string) string {
		for _, b := range r.cfg.Backends {
			if string(familyOf(b.APIFormat)) == toFamily && len(b.Models) > 0 {
				return b.Models[0]
			}
		}
		return ""
	}
}

// backoff sleeps the progressive capacity-backoff ladder (config's
// CapacityBackoffTiersMs), respecting context cancellation.
func (r *Router) backoff(ctx context.Context, attempt int) {
	tier := attempt
	if tier >= len(config.CapacityBackoffTiersMs) {
		tier = len(config.CapacityBackoffTiersMs) - 1
	}
	d := time.Duration(config.CapacityBackoffTiersMs[tier]) * time.Millisecond
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func max1(v []string) []string {
	if len(v) == 0 {
		return []string{""}
	}
	return v
}

// peekFirst reads the first event off events and returns a new channel with
// it re-injected at the front, so callers can classify an immediate failure
// without consuming output the caller would otherwise have streamed.
func peekFirst(events <-chan upstream.Event) (first upstream.Event, ok bool, rest <-chan upstream.Event) {
	first, ok = <-events
	if !ok {
		return first, false, events
	}
	out := make(chan upstream.Event, 32)
	go func() {
		defer close(out)
		out <- first
		for e := range events {
			out <- e
		}
	}()
	return first, true, out
}
