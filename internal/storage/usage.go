package storage

import (
	"context"
	"database/sql"
	"time"
)

// UsageRecord is one request's token accounting, written to token_usage.
type UsageRecord struct {
	Ts             time.Time
	SCID           string
	OwnerID        string
	Backend        string
	Model          string
	InputTokens    int
	OutputTokens   int
	ThinkingTokens int
	CachedTokens   int
	Status         string // "ok" or a failure-class label
}

// HourlyTotal is one aggregated row of token_stats_hourly.
type HourlyTotal struct {
	HourBucket     time.Time
	OwnerID        string
	Backend        string
	Model          string
	Requests       int64
	InputTokens    int64
	OutputTokens   int64
	ThinkingTokens int64
	Errors         int64
}

// UsageStore persists per-request usage rows and their hourly rollups.
type UsageStore struct {
	db *sql.DB
}

// NewUsageStore wraps an already-opened (and migrated) database.
func NewUsageStore(db *sql.DB) *UsageStore {
	return &UsageStore{db: db}
}

// Insert writes one usage row.
func (s *UsageStore) Insert(ctx context.Context, r UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_usage
			(ts, scid, owner_id, backend, model, input_tokens, output_tokens, thinking_tokens, cached_tokens, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Ts.Unix(), nullable(r.SCID), r.OwnerID, r.Backend, r.Model,
		r.InputTokens, r.OutputTokens, r.ThinkingTokens, r.CachedTokens, r.Status)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// AggregateHourly rolls raw rows older than the current hour into
// token_stats_hourly and deletes them, returning how many raw rows were
// folded in. It is idempotent: re-running with no new raw rows is a no-op.
func (s *UsageStore) AggregateHourly(ctx context.Context) (int64, error) {
	cutoff := time.Now().Truncate(time.Hour).Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO token_stats_hourly
			(hour_bucket, owner_id, backend, model, requests, input_tokens, output_tokens, thinking_tokens, errors)
		SELECT (ts / 3600) * 3600, owner_id, backend, model,
		       COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(thinking_tokens),
		       SUM(CASE WHEN status != 'ok' THEN 1 ELSE 0 END)
		FROM token_usage
		WHERE ts < ?
		GROUP BY (ts / 3600) * 3600, owner_id, backend, model
		ON CONFLICT (hour_bucket, owner_id, backend, model) DO UPDATE SET
			requests        = requests + excluded.requests,
			input_tokens    = input_tokens + excluded.input_tokens,
			output_tokens   = output_tokens + excluded.output_tokens,
			thinking_tokens = thinking_tokens + excluded.thinking_tokens,
			errors          = errors + excluded.errors`,
		cutoff)
	if err != nil {
		return 0, err
	}

	del, err := tx.ExecContext(ctx, `DELETE FROM token_usage WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	_ = res
	folded, _ := del.RowsAffected()
	return folded, nil
}

// TotalsSince returns hourly rollups at or after since, newest first.
func (s *UsageStore) TotalsSince(ctx context.Context, since time.Time) ([]HourlyTotal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hour_bucket, owner_id, backend, model, requests, input_tokens, output_tokens, thinking_tokens, errors
		FROM token_stats_hourly
		WHERE hour_bucket >= ?
		ORDER BY hour_bucket DESC`,
		since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HourlyTotal
	for rows.Next() {
		var t HourlyTotal
		var bucket int64
		if err := rows.Scan(&bucket, &t.OwnerID, &t.Backend, &t.Model,
			&t.Requests, &t.InputTokens, &t.OutputTokens, &t.ThinkingTokens, &t.Errors); err != nil {
			return nil, err
		}
		t.HourBucket = time.Unix(bucket, 0)
		out = append(out, t)
	}
	return out, rows.Err()
}
