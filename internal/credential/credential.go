// Package credential implements the credential manager: selection of a
// usable identity per (backend, model), cooldown/quota bookkeeping, and a
// client-dependent cross-pool fallback policy.
package credential

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaygate/gateway/internal/logging"
)

// FailureCode classifies the report_failure outcomes that mutate
// credential state; any code outside the two mutating classes is a
// transient failure that leaves state untouched.
type FailureCode int

const (
	// FailureTransient covers 5xx/connection errors: no state change.
	FailureTransient FailureCode = iota
	// FailureQuotaExhausted is a per-model 429: sets a cooldown.
	FailureQuotaExhausted
	// FailureAuth is 401/403: disables the credential entirely.
	FailureAuth
)

// DefaultCooldown is used when report_failure does not carry a retry_after.
const DefaultCooldown = 10 * time.Second

// DefaultQuotaThreshold is the minimum acceptable quota fraction; a
// credential with any monitored model below this is ineligible.
const DefaultQuotaThreshold = 0.10

// Credential is one authenticated identity usable against one or more
// backends. State (cooldowns, quota fractions, disabled) is mutated only by
// the Manager, under its single lock; callers never write these fields
// directly.
type Credential struct {
	ID             string
	Backend        string
	AccessToken    string
	RefreshExpiry  time.Time
	Family         string // model family this credential authenticates against
	Disabled       bool

	modelCooldowns    map[string]time.Time
	modelQuotaFraction map[string]float64
}

// NewCredential constructs a Credential ready for use by a Manager.
func NewCredential(id, backend, family, accessToken string) *Credential {
	return &Credential{
		ID:                 id,
		Backend:            backend,
		Family:             family,
		AccessToken:        accessToken,
		modelCooldowns:     make(map[string]time.Time),
		modelQuotaFraction: make(map[string]float64),
	}
}

// Policy selects one credential among eligible candidates.
type Policy interface {
	Select(candidates []*Credential) *Credential
}

// RoundRobinPolicy rotates across candidates; state is the last-selected
// index, intentionally not reset across calls with differing candidate sets
// (a missing candidate simply shifts the rotation, which is acceptable;
// there is no external ordering guarantee across pool membership changes).
// CallsPerRotation > 1 makes the rotation sticky: the same credential is
// reused that many times before the cursor advances, which keeps upstream
// prompt caches warm across a burst of turns.
type RoundRobinPolicy struct {
	CallsPerRotation int

	mu     sync.Mutex
	cursor int
	calls  int
}

func (p *RoundRobinPolicy) Select(candidates []*Credential) *Credential {
	if len(candidates) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	perRotation := p.CallsPerRotation
	if perRotation < 1 {
		perRotation = 1
	}
	p.calls++
	if p.calls >= perRotation {
		p.calls = 0
		p.cursor = (p.cursor + 1) % len(candidates)
	}
	if p.cursor >= len(candidates) {
		p.cursor = 0
	}
	return candidates[p.cursor]
}

// LRUPolicy selects the least-recently-used candidate by lastUsed timestamp
// tracked on the Manager (see Manager.lastUsed).
type LRUPolicy struct {
	lastUsed func(*Credential) time.Time
}

func (p *LRUPolicy) Select(candidates []*Credential) *Credential {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	bestTime := p.lastUsed(best)
	for _, c := range candidates[1:] {
		t := p.lastUsed(c)
		if t.Before(bestTime) {
			best, bestTime = c, t
		}
	}
	return best
}

// ClientPolicy describes how a client type interacts with cross-pool
// fallback.
type ClientPolicy struct {
	AggressiveFallback bool
}

// Manager owns a pool of credentials and the single lock covering all of
// their mutable state.
type Manager struct {
	mu          sync.Mutex
	byBackend   map[string][]*Credential
	lastUsedAt  map[string]time.Time // keyed by Credential.ID
	threshold   float64
	policy      Policy
	familyAlts  map[string][]string // family -> alternative families to try for aggressive-fallback clients
	log         zerolog.Logger
}

// NewManager creates an empty Manager. Register credentials with Add.
func NewManager(policy Policy, threshold float64, familyAlts map[string][]string) *Manager {
	if threshold <= 0 {
		threshold = DefaultQuotaThreshold
	}
	if policy == nil {
		policy = &RoundRobinPolicy{}
	}
	return &Manager{
		byBackend:  make(map[string][]*Credential),
		lastUsedAt: make(map[string]time.Time),
		threshold:  threshold,
		policy:     policy,
		familyAlts: familyAlts,
		log:        logging.For("credential-manager"),
	}
}

// NewManagerWithStrategy builds a Manager with a named selection strategy:
// "round-robin" (the default, honoring callsPerRotation stickiness), "lru",
// or "hybrid". The lastUsed accessor handed to the LRU/hybrid policies
// reads the manager's map without locking: Select only ever runs from
// acquireLocked or AcquireWithFallback, already under the manager's lock.
func NewManagerWithStrategy(strategy string, threshold float64, callsPerRotation int, familyAlts map[string][]string) *Manager {
	m := NewManager(nil, threshold, familyAlts)
	lastUsed := func(c *Credential) time.Time { return m.lastUsedAt[c.ID] }
	switch strategy {
	case "lru":
		m.policy = &LRUPolicy{lastUsed: lastUsed}
	case "hybrid":
		m.policy = NewHybridPolicy(DefaultTokenBucketConfig(), lastUsed)
	default:
		m.policy = &RoundRobinPolicy{CallsPerRotation: callsPerRotation}
	}
	return m
}

// Add registers a credential with the pool for its backend.
func (m *Manager) Add(c *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byBackend[c.Backend] = append(m.byBackend[c.Backend], c)
}

// Acquire scans the pool for backend and returns a usable credential for
// model, or nil if none qualify. It is a single critical section: selection
// and the eligibility checks run under the same lock so two concurrent
// callers cannot both be handed a credential that a third caller is about
// to disable.
func (m *Manager) Acquire(backend, model string) *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.acquireLocked(backend, model)
	if c != nil {
		m.lastUsedAt[c.ID] = time.Now()
	}
	return c
}

func (m *Manager) acquireLocked(backend, model string) *Credential {
	candidates := m.eligibleLocked(backend, model)
	if len(candidates) > 0 {
		return m.policy.Select(candidates)
	}
	return nil
}

func (m *Manager) eligibleLocked(backend, model string) []*Credential {
	now := time.Now()
	pool := m.byBackend[backend]
	out := make([]*Credential, 0, len(pool))
	for _, c := range pool {
		if c.Disabled {
			continue
		}
		if !c.RefreshExpiry.IsZero() && c.RefreshExpiry.Before(now) {
			continue
		}
		if until, ok := c.modelCooldowns[model]; ok && until.After(now) {
			continue
		}
		if frac, ok := c.modelQuotaFraction[model]; ok && frac < m.threshold {
			continue
		}
		out = append(out, c)
	}
	return out
}

// AcquireWithFallback implements the cross-pool fallback policy: for
// aggressive-fallback clients, once acquire fails for every credential in
// the primary model's family (including sibling models in that family),
// the manager may return a credential for a different model family, with
// model rewritten to a representative model of that family.
//
// familyModels maps a family name to the models tried within it before
// giving up on that family; rewriteModel picks the replacement model name
// for a fallback family.
func (m *Manager) AcquireWithFallback(backend, model, family string, policy ClientPolicy, familyModels map[string][]string, rewriteModel func(toFamily string) string) (*Credential, string) {
	// acquireIn is Acquire restricted to credentials of family fam (or with no family recorded).
	acquireIn := func(model, fam string) *Credential {
		m.mu.Lock()
		defer m.mu.Unlock()
		var pool []*Credential
		for _, c := range m.eligibleLocked(backend, model) {
			if c.Family == "" || c.Family == fam {
				pool = append(pool, c)
			}
		}
		if len(pool) == 0 {
			return nil
		}
		c := m.policy.Select(pool)
		if c != nil {
			m.lastUsedAt[c.ID] = time.Now()
		}
		return c
	}

	if c := acquireIn(model, family); c != nil {
		return c, model
	}

	if !policy.AggressiveFallback {
		return nil, model
	}

	for _, alt := range familyModels[family] {
		if alt == model {
			continue
		}
		if c := acquireIn(alt, family); c != nil {
			return c, alt
		}
	}

	for _, altFamily := range m.familyAlts[family] {
		altModel := rewriteModel(altFamily)
		if altModel == "" {
			continue
		}
		if c := acquireIn(altModel, altFamily); c != nil {
			m.log.Info().Str("from_family", family).Str("to_family", altFamily).Msg("cross-pool fallback engaged")
			return c, altModel
		}
	}

	return nil, model
}

// ReportFailure updates credential state based on the classified failure.
func (m *Manager) ReportFailure(c *Credential, model string, code FailureCode, retryAfter time.Duration) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch code {
	case FailureQuotaExhausted:
		d := retryAfter
		if d <= 0 {
			d = DefaultCooldown
		}
		c.modelCooldowns[model] = time.Now().Add(d)
		m.log.Info().Str("credential", c.ID).Str("model", model).Dur("cooldown", d).Msg("credential entered cooldown")
	case FailureAuth:
		c.Disabled = true
		m.log.Warn().Str("credential", c.ID).Msg("credential disabled after auth failure")
	case FailureTransient:
		// no state change
	}
}

// ReportSuccess updates the credential's quota fraction for model, if a
// snapshot was observed.
func (m *Manager) ReportSuccess(c *Credential, model string, quotaFraction *float64) {
	if c == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if quotaFraction != nil {
		c.modelQuotaFraction[model] = *quotaFraction
	}
}

// Snapshot returns a read-only copy of cooldowns/quota for diagnostics.
func (m *Manager) Snapshot(c *Credential) (cooldowns map[string]time.Time, quota map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cooldowns = make(map[string]time.Time, len(c.modelCooldowns))
	for k, v := range c.modelCooldowns {
		cooldowns[k] = v
	}
	quota = make(map[string]float64, len(c.modelQuotaFraction))
	for k, v := range c.modelQuotaFraction {
		quota[k] = v
	}
	return cooldowns, quota
}
