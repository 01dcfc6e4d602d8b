package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StatsTTL bounds how long hourly request counters are retained.
const StatsTTL = 30 * 24 * time.Hour

// HourlyStats is the decoded view of one hour's request counters.
type HourlyStats struct {
	Hour     string                  `json:"hour"` // "2026-08-02T14"
	Total    int64                   `json:"total"`
	Families map[string]*FamilyStats `json:"families"`
}

// FamilyStats groups counts for one model family.
type FamilyStats struct {
	Subtotal int64            `json:"subtotal"`
	Models   map[string]int64 `json:"models"`
}

// StatsStore keeps live per-hour request counters in Redis hashes, one hash
// per hour, fields "_total", "<family>:_subtotal", and "<family>:<model>".
type StatsStore struct {
	client *redis.Client
}

// NewStatsStore wraps a connected client.
func NewStatsStore(client *redis.Client) *StatsStore {
	return &StatsStore{client: client}
}

func currentHourKey() string {
	return time.Now().UTC().Format("2006-01-02T15")
}

// RecordRequest increments the counters for one request.
func (s *StatsStore) RecordRequest(ctx context.Context, family, model string) error {
	key := PrefixStats + currentHourKey()
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "_total", 1)
	pipe.HIncrBy(ctx, key, family+":_subtotal", 1)
	pipe.HIncrBy(ctx, key, family+":"+model, 1)
	pipe.Expire(ctx, key, StatsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetHourlyStats decodes the counters for one hour key; nil when the hour
// has no data.
func (s *StatsStore) GetHourlyStats(ctx context.Context, hourKey string) (*HourlyStats, error) {
	data, err := s.client.HGetAll(ctx, PrefixStats+hourKey).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	stats := &HourlyStats{Hour: hourKey, Families: make(map[string]*FamilyStats)}
	for field, value := range data {
		count, _ := strconv.ParseInt(value, 10, 64)
		if field == "_total" {
			stats.Total = count
			continue
		}
		parts := strings.SplitN(field, ":", 2)
		if len(parts) != 2 {
			continue
		}
		fam := stats.Families[parts[0]]
		if fam == nil {
			fam = &FamilyStats{Models: make(map[string]int64)}
			stats.Families[parts[0]] = fam
		}
		if parts[1] == "_subtotal" {
			fam.Subtotal = count
		} else {
			fam.Models[parts[1]] = count
		}
	}
	return stats, nil
}

// RecentHours returns up to n hours of stats ending at the current hour,
// oldest first; hours with no traffic are omitted.
func (s *StatsStore) RecentHours(ctx context.Context, n int) ([]*HourlyStats, error) {
	now := time.Now().UTC().Truncate(time.Hour)
	var out []*HourlyStats
	for i := n - 1; i >= 0; i-- {
		hourKey := now.Add(-time.Duration(i) * time.Hour).Format("2006-01-02T15")
		stats, err := s.GetHourlyStats(ctx, hourKey)
		if err != nil {
			return nil, err
		}
		if stats != nil {
			out = append(out, stats)
		}
	}
	return out, nil
}

// PruneOldStats deletes counter hashes older than maxAgeDays, returning how
// many were removed. Expiry normally handles this; pruning covers keys
// written before an Expire call failed.
func (s *StatsStore) PruneOldStats(ctx context.Context, maxAgeDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays).Format("2006-01-02T15")

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, PrefixStats+"*", 100).Result()
		if err != nil {
			return removed, err
		}
		var stale []string
		for _, key := range keys {
			hour := strings.TrimPrefix(key, PrefixStats)
			if hour < cutoff {
				stale = append(stale, key)
			}
		}
		sort.Strings(stale)
		if len(stale) > 0 {
			n, err := s.client.Del(ctx, stale...).Result()
			if err != nil {
				return removed, err
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
