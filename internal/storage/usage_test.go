package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *UsageStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(db))
	return NewUsageStore(db)
}

func TestInsertAndAggregate(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Insert(ctx, UsageRecord{
			Ts: old, OwnerID: "o1", Backend: "claude", Model: "claude-x",
			InputTokens: 100, OutputTokens: 50, Status: "ok",
		}))
	}
	require.NoError(t, s.Insert(ctx, UsageRecord{
		Ts: old, OwnerID: "o1", Backend: "claude", Model: "claude-x",
		InputTokens: 10, OutputTokens: 5, Status: "upstream_error",
	}))

	folded, err := s.AggregateHourly(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, folded)

	totals, err := s.TotalsSince(ctx, old.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, totals, 1)
	require.EqualValues(t, 4, totals[0].Requests)
	require.EqualValues(t, 310, totals[0].InputTokens)
	require.EqualValues(t, 155, totals[0].OutputTokens)
	require.EqualValues(t, 1, totals[0].Errors)

	// Idempotent: nothing left to fold.
	folded, err = s.AggregateHourly(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, folded)
}

func TestAggregateLeavesCurrentHourRaw(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, s.Insert(ctx, UsageRecord{
		Ts: time.Now(), OwnerID: "o1", Backend: "claude", Model: "claude-x", Status: "ok",
	}))
	folded, err := s.AggregateHourly(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, folded, "in-progress hour must stay raw")
}
