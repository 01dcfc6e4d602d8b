// Package usage tracks per-request token accounting: a durable sqlite
// ledger (token_usage, rolled up hourly into token_stats_hourly), optional
// live Redis counters for the panel, and otel counters for scrapers. When
// an upstream omits usage numbers, input tokens are estimated locally so
// the ledger never records a zero-cost request that wasn't.
package usage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/internal/translate"
	"github.com/relaygate/gateway/pkg/redis"
)

// Record is one request's accounting input.
type Record struct {
	SCID         string
	OwnerID      string
	Backend      string
	Model        string
	Usage        translate.Usage
	Status       string // "ok" or a failure-class label
}

// Recorder fans one request's accounting out to every configured sink.
// Both sinks are optional; with neither configured only the otel counters
// move.
type Recorder struct {
	store *storage.UsageStore
	stats *redis.StatsStore

	encOnce sync.Once
	enc     *tiktoken.Tiktoken

	requests    metric.Int64Counter
	inputTokens metric.Int64Counter
	outputTokens metric.Int64Counter

	mu          sync.Mutex
	initialized bool
	stopChan    chan struct{}
}

// New builds a Recorder. store and stats may each be nil.
func New(store *storage.UsageStore, stats *redis.StatsStore) *Recorder {
	meter := otel.Meter("gateway/usage")
	requests, _ := meter.Int64Counter("gateway.requests")
	inputTokens, _ := meter.Int64Counter("gateway.tokens.input")
	outputTokens, _ := meter.Int64Counter("gateway.tokens.output")
	return &Recorder{
		store:        store,
		stats:        stats,
		requests:     requests,
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		stopChan:     make(chan struct{}),
	}
}

var log = logging.For("usage")

// Initialize starts the hourly aggregation sweep. Safe to skip in tests.
func (r *Recorder) Initialize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return
	}
	go r.backgroundAggregate()
	r.initialized = true
	log.Info().Msg("usage recorder initialized")
}

// Shutdown stops the background sweep.
func (r *Recorder) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return
	}
	close(r.stopChan)
	r.initialized = false
}

func (r *Recorder) backgroundAggregate() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if r.store != nil {
				if folded, err := r.store.AggregateHourly(ctx); err != nil {
					log.Warn().Err(err).Msg("hourly aggregation failed")
				} else if folded > 0 {
					log.Debug().Int64("rows", folded).Msg("aggregated usage rows")
				}
			}
			if r.stats != nil {
				if _, err := r.stats.PruneOldStats(ctx, 30); err != nil {
					log.Debug().Err(err).Msg("stats prune failed")
				}
			}
			cancel()
		}
	}
}

// Track records one finished request. req is consulted only when the
// upstream reported no input tokens, to estimate them locally. Best-effort
// throughout: sink failures log and never propagate.
func (r *Recorder) Track(ctx context.Context, rec Record, req *translate.Request) {
	if rec.Usage.InputTokens == 0 && req != nil {
		rec.Usage.InputTokens = r.EstimateRequestTokens(*req)
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", rec.Backend),
		attribute.String("model", rec.Model),
		attribute.String("status", rec.Status),
	)
	r.requests.Add(ctx, 1, attrs)
	r.inputTokens.Add(ctx, int64(rec.Usage.InputTokens), attrs)
	r.outputTokens.Add(ctx, int64(rec.Usage.OutputTokens), attrs)

	if r.store != nil {
		err := r.store.Insert(ctx, storage.UsageRecord{
			Ts:           time.Now(),
			SCID:         rec.SCID,
			OwnerID:      rec.OwnerID,
			Backend:      rec.Backend,
			Model:        rec.Model,
			InputTokens:  rec.Usage.InputTokens,
			OutputTokens: rec.Usage.OutputTokens,
			Status:       rec.Status,
		})
		if err != nil {
			log.Warn().Err(err).Msg("usage insert failed")
		}
	}

	if r.stats != nil {
		family := Family(rec.Model)
		if err := r.stats.RecordRequest(ctx, family, ShortName(rec.Model, family)); err != nil {
			log.Debug().Err(err).Msg("stats record failed")
		}
	}
}

// EstimateRequestTokens approximates the prompt token count for req. A
// failed encoder load degrades to a bytes/4 heuristic rather than zero.
func (r *Recorder) EstimateRequestTokens(req translate.Request) int {
	var b strings.Builder
	b.WriteString(req.System)
	for _, m := range req.Messages {
		for _, block := range m.Content {
			switch block.Kind {
			case translate.KindText:
				b.WriteString(block.Text)
			case translate.KindThinking:
				b.WriteString(block.Thinking)
			}
		}
	}
	return r.EstimateTokens(b.String())
}

// EstimateTokens counts tokens in text with the cl100k_base encoding.
func (r *Recorder) EstimateTokens(text string) int {
	r.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tiktoken encoding unavailable, falling back to byte estimate")
			return
		}
		r.enc = enc
	})
	if r.enc == nil {
		return len(text) / 4
	}
	return len(r.enc.Encode(text, nil, nil))
}

// Family extracts the model family from a model id.
func Family(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return "claude"
	case strings.Contains(lower, "gemini"):
		return "gemini"
	case strings.Contains(lower, "gpt"), strings.Contains(lower, "o1"), strings.Contains(lower, "o3"):
		return "openai"
	default:
		return "other"
	}
}

// ShortName strips the family prefix from a model id for counter fields.
func ShortName(model, family string) string {
	lower := strings.ToLower(model)
	trimmed := strings.TrimPrefix(lower, family+"-")
	if trimmed == "" {
		return lower
	}
	return trimmed
}
