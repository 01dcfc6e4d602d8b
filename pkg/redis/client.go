// Package redis wraps the go-redis client for the gateway's optional hot
// state: live request counters (StatsStore) and the signature store's
// persistent mirror (adapted in internal/signature). Everything here is
// optional - a gateway with no STATE_REDIS_URL runs entirely in-memory.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes, one namespace per concern so a shared Redis instance can be
// inspected and flushed per-feature.
const (
	PrefixStats = "gateway:stats:"
)

// NewClient connects to the Redis at url (redis:// or rediss:// form) and
// verifies the connection with a short ping. A nil return with error means
// the caller should fall back to in-memory operation.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
