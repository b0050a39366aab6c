package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"scalpel/internal/broker"
	"scalpel/internal/trade"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func closedTrade(id, underlying string, entry, exit float64, endedAfter time.Duration) trade.Trade {
	created := time.Date(2026, 3, 6, 15, 30, 0, 0, time.UTC)
	filled := created.Add(2 * time.Second)
	ended := created.Add(endedAfter)
	return trade.Trade{
		ID:         id,
		Underlying: underlying,
		Side:       broker.Buy,
		Quantity:   2,
		Profile:    "fast-scalp",
		State:      trade.StateClosed,
		ChaseInfo: trade.ChaseInfo{
			Attempts:     3,
			InitialPrice: entry - 0.10,
			FinalPrice:   entry,
			TotalTimeMs:  1400,
			Strategy:     "aggressive-linear",
		},
		EntryPrice: entry,
		ExitPrice:  exit,
		ExitReason: trade.ExitTakeProfit,
		CreatedAt:  created,
		FilledAt:   &filled,
		EndedAt:    &ended,
	}
}

func TestArchiveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := closedTrade("trade-1", "SPX", 5.00, 6.25, 90*time.Second)
	require.NoError(t, store.Archive(ctx, tr))

	report, ok, err := store.Get(ctx, "trade-1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "trade-1", report.ID)
	assert.Equal(t, "SPX", report.Underlying)
	assert.Equal(t, "buy", report.Side)
	assert.Equal(t, int64(2), report.Quantity)
	assert.Equal(t, "fast-scalp", report.Profile)
	assert.Equal(t, "CLOSED", report.State)
	assert.Equal(t, "TP", report.ExitReason)
	assert.InDelta(t, 5.00, report.Entry, 1e-9)
	assert.InDelta(t, 6.25, report.Exit, 1e-9)
	assert.Equal(t, int64(90000), report.DurationMs)
	assert.Equal(t, tr.ChaseInfo, report.ChaseInfo)
	require.NotNil(t, report.FilledAt)
	require.NotNil(t, report.EndedAt)
	assert.Equal(t, tr.EndedAt.UnixMilli(), report.EndedAt.UnixMilli())

	_, ok, err = store.Get(ctx, "no-such-trade")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestArchiveUpsertsByTradeID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tr := closedTrade("trade-1", "SPX", 5.00, 5.50, time.Minute)
	require.NoError(t, store.Archive(ctx, tr))

	tr.ExitPrice = 6.25
	require.NoError(t, store.Archive(ctx, tr))

	total, err := store.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	report, ok, err := store.Get(ctx, "trade-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 6.25, report.Exit, 1e-9)
	assert.InDelta(t, 250.0, report.PLDollar, 1e-9)
}

func TestProfitAndLossProjection(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("long winner", func(t *testing.T) {
		tr := closedTrade("long-win", "SPX", 5.00, 6.25, time.Minute)
		require.NoError(t, store.Archive(ctx, tr))
		report, ok, err := store.Get(ctx, "long-win")
		require.NoError(t, err)
		require.True(t, ok)
		// (6.25 - 5.00) * 2 contracts * 100 multiplier
		assert.InDelta(t, 250.0, report.PLDollar, 1e-9)
		assert.InDelta(t, 25.0, report.PLPercent, 1e-9)
	})

	t.Run("long loser", func(t *testing.T) {
		tr := closedTrade("long-loss", "SPX", 5.00, 4.50, time.Minute)
		tr.ExitReason = trade.ExitStopLoss
		require.NoError(t, store.Archive(ctx, tr))
		report, ok, err := store.Get(ctx, "long-loss")
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, -100.0, report.PLDollar, 1e-9)
		assert.InDelta(t, -10.0, report.PLPercent, 1e-9)
	})

	t.Run("short winner", func(t *testing.T) {
		tr := closedTrade("short-win", "SPX", 5.00, 4.00, time.Minute)
		tr.Side = broker.Sell
		require.NoError(t, store.Archive(ctx, tr))
		report, ok, err := store.Get(ctx, "short-win")
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, 200.0, report.PLDollar, 1e-9)
		assert.InDelta(t, 20.0, report.PLPercent, 1e-9)
	})

	t.Run("cancelled trade has no pl", func(t *testing.T) {
		ended := time.Date(2026, 3, 6, 15, 31, 0, 0, time.UTC)
		tr := trade.Trade{
			ID:           "cancelled-1",
			Underlying:   "SPX",
			Side:         broker.Buy,
			Quantity:     1,
			Profile:      "fast-scalp",
			State:        trade.StateCancelled,
			CancelReason: "attempt ceiling reached (10)",
			CreatedAt:    ended.Add(-20 * time.Second),
			EndedAt:      &ended,
		}
		require.NoError(t, store.Archive(ctx, tr))
		report, ok, err := store.Get(ctx, "cancelled-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Zero(t, report.PLDollar)
		assert.Zero(t, report.PLPercent)
		assert.Equal(t, "CANCELLED", report.State)
		assert.Equal(t, "attempt ceiling reached (10)", report.CancelReason)
		assert.Nil(t, report.FilledAt)
	})
}

func TestListNewestFirstWithFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Archive(ctx, closedTrade("spx-old", "SPX", 5.00, 5.50, time.Minute)))
	require.NoError(t, store.Archive(ctx, closedTrade("ndx-mid", "NDX", 9.00, 9.90, 2*time.Minute)))
	require.NoError(t, store.Archive(ctx, closedTrade("spx-new", "SPX", 4.00, 4.40, 3*time.Minute)))

	all, err := store.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "spx-new", all[0].ID)
	assert.Equal(t, "ndx-mid", all[1].ID)
	assert.Equal(t, "spx-old", all[2].ID)

	spxOnly, err := store.List(ctx, "spx", 0, 0)
	require.NoError(t, err)
	require.Len(t, spxOnly, 2)
	assert.Equal(t, "spx-new", spxOnly[0].ID)
	assert.Equal(t, "spx-old", spxOnly[1].ID)

	paged, err := store.List(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "ndx-mid", paged[0].ID)

	count, err := store.Count(ctx, "SPX")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestArchiveRequiresTradeID(t *testing.T) {
	store := newTestStore(t)
	err := store.Archive(context.Background(), trade.Trade{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trade id")
}
