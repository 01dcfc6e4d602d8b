// Token-bucket rate limiting per credential, a selection
// input for HybridPolicy: even a credential that passes the cooldown/quota
// eligibility check in Manager.Acquire can still be momentarily exhausted of
// request tokens, and a rate-limited credential should be skipped in favor
// of a fresher one rather than hammered.
package credential

import (
	"sync"
	"time"
)

// TokenBucketConfig configures a TokenBucketTracker.
type TokenBucketConfig struct {
	MaxTokens       float64
	TokensPerMinute float64
	InitialTokens   float64
}

// DefaultTokenBucketConfig is tuned for interactive coding-assistant
// traffic: short bursts, long idle stretches.
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{MaxTokens: 50, TokensPerMinute: 6, InitialTokens: 50}
}

type bucket struct {
	tokens       float64
	lastRefillAt time.Time
}

// TokenBucketTracker tracks a per-credential token bucket, regenerating
// tokens continuously at TokensPerMinute and capping at MaxTokens.
type TokenBucketTracker struct {
	mu      sync.Mutex
	cfg     TokenBucketConfig
	buckets map[string]*bucket
}

// NewTokenBucketTracker creates a tracker with the given config.
func NewTokenBucketTracker(cfg TokenBucketConfig) *TokenBucketTracker {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultTokenBucketConfig()
	}
	return &TokenBucketTracker{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (t *TokenBucketTracker) getOrCreateLocked(id string) *bucket {
	b, ok := t.buckets[id]
	if !ok {
		b = &bucket{tokens: t.cfg.InitialTokens, lastRefillAt: time.Now()}
		t.buckets[id] = b
	}
	return b
}

func (t *TokenBucketTracker) refillLocked(b *bucket) {
	now := time.Now()
	elapsedMinutes := now.Sub(b.lastRefillAt).Minutes()
	if elapsedMinutes <= 0 {
		return
	}
	b.tokens += elapsedMinutes * t.cfg.TokensPerMinute
	if b.tokens > t.cfg.MaxTokens {
		b.tokens = t.cfg.MaxTokens
	}
	b.lastRefillAt = now
}

// GetTokens returns the current token count after applying refill.
func (t *TokenBucketTracker) GetTokens(id string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getOrCreateLocked(id)
	t.refillLocked(b)
	return b.tokens
}

// GetMaxTokens returns the configured bucket capacity.
func (t *TokenBucketTracker) GetMaxTokens() float64 {
	return t.cfg.MaxTokens
}

// HasTokens reports whether at least one token is available.
func (t *TokenBucketTracker) HasTokens(id string) bool {
	return t.GetTokens(id) >= 1
}

// Consume deducts one token, used after a credential is selected.
func (t *TokenBucketTracker) Consume(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getOrCreateLocked(id)
	t.refillLocked(b)
	b.tokens--
	if b.tokens < 0 {
		b.tokens = 0
	}
}

// Refund returns one token, used when a selected credential's request did
// not actually complete (so the attempt should not count against it).
func (t *TokenBucketTracker) Refund(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getOrCreateLocked(id)
	b.tokens += 1
	if b.tokens > t.cfg.MaxTokens {
		b.tokens = t.cfg.MaxTokens
	}
}

// GetTimeUntilNextToken returns how long until id accrues its next token.
func (t *TokenBucketTracker) GetTimeUntilNextToken(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getOrCreateLocked(id)
	t.refillLocked(b)
	if b.tokens >= 1 {
		return 0
	}
	need := 1 - b.tokens
	minutesNeeded := need / t.cfg.TokensPerMinute
	return time.Duration(minutesNeeded * float64(time.Minute))
}

// HybridPolicy scores candidates by a weighted blend of token availability
// and LRU freshness, the dimensions that remain meaningful once health and
// quota are already enforced as hard eligibility filters in
// Manager.eligibleLocked.
type HybridPolicy struct {
	tokens   *TokenBucketTracker
	lastUsed func(*Credential) time.Time
	weights  struct{ tokens, lru float64 }
}

// NewHybridPolicy builds a HybridPolicy backed by a token bucket tracker.
func NewHybridPolicy(cfg TokenBucketConfig, lastUsed func(*Credential) time.Time) *HybridPolicy {
	return &HybridPolicy{
		tokens:   NewTokenBucketTracker(cfg),
		lastUsed: lastUsed,
		weights:  struct{ tokens, lru float64 }{tokens: 5.0, lru: 0.1},
	}
}

func (p *HybridPolicy) Select(candidates []*Credential) *Credential {
	usable := make([]*Credential, 0, len(candidates))
	for _, c := range candidates {
		if p.tokens.HasTokens(c.ID) {
			usable = append(usable, c)
		}
	}
	if len(usable) == 0 {
		usable = candidates // last resort: bypass the token-bucket check entirely
	}
	if len(usable) == 0 {
		return nil
	}

	now := time.Now()
	var best *Credential
	var bestScore float64
	for _, c := range usable {
		tokens := p.tokens.GetTokens(c.ID)
		tokenRatio := tokens / p.tokens.GetMaxTokens()
		lruSeconds := now.Sub(p.lastUsed(c)).Seconds()
		if lruSeconds > 3600 {
			lruSeconds = 3600
		}
		score := tokenRatio*100*p.weights.tokens + lruSeconds*p.weights.lru
		if best == nil || score > bestScore {
			best, bestScore = c, score
		}
	}
	if best != nil {
		p.tokens.Consume(best.ID)
	}
	return best
}
