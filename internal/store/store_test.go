package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "engine.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testIntent(symbol, strategy string, scheduledAt time.Time) schema.EntryIntent {
	return schema.EntryIntent{
		StrategyID:       strategy,
		Symbol:           symbol,
		PivotLevel:       decimal.RequireFromString("101.25"),
		BOHConfirmedAt:   scheduledAt.Add(-time.Minute),
		ScheduledEntryAt: scheduledAt,
		SizeShares:       25,
		StopLoss:         decimal.RequireFromString("98.50"),
		TakeProfit:       decimal.RequireFromString("110"),
		RefPrice:         decimal.RequireFromString("102"),
		DistPct:          decimal.RequireFromString("1.5"),
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")

	s1, err := Open(ctx, path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.PutEntryIntent(ctx, testIntent("AAPL", "avwap_r3k", time.Now())))
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, path, nil)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, err := s2.GetEntryIntent(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok, "intent must survive restart")
}

func TestPopDueEntryIntentsExcludesFuture(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.PutEntryIntent(ctx, testIntent("AAPL", "avwap_r3k", now.Add(-2*time.Minute))))
	require.NoError(t, s.PutEntryIntent(ctx, testIntent("MSFT", "avwap_r3k", now.Add(-time.Minute))))
	require.NoError(t, s.PutEntryIntent(ctx, testIntent("NVDA", "avwap_r3k", now.Add(time.Hour))))

	due, err := s.PopDueEntryIntents(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "AAPL", due[0].Symbol, "ordered by scheduled_entry_at ascending")
	assert.Equal(t, "MSFT", due[1].Symbol)

	// Popped intents are gone, future ones remain.
	_, ok, err := s.GetEntryIntent(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.GetEntryIntent(ctx, "NVDA")
	require.NoError(t, err)
	assert.True(t, ok)

	// Safe to call again when empty.
	due, err = s.PopDueEntryIntents(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPutEntryIntentOverwritesPerSymbol(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.PutEntryIntent(ctx, testIntent("AAPL", "avwap_r3k", now)))
	replacement := testIntent("AAPL", "gapper", now.Add(time.Minute))
	replacement.SizeShares = 50
	require.NoError(t, s.PutEntryIntent(ctx, replacement))

	got, ok, err := s.GetEntryIntent(ctx, "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "gapper", got.StrategyID)
	assert.EqualValues(t, 50, got.SizeShares)
}

func TestPurgeStaleEntryIntentsScenario(t *testing.T) {
	// TTL=3600s, now=T: intent A scheduled at T-7200 is stale, intent B at
	// T-1800 is fresh, intent C at exactly T-3600 sits on the boundary.
	// After purge B and C remain: purge removes age > ttl, never age == ttl.
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.PutEntryIntent(ctx, testIntent("A", "avwap_r3k", now.Add(-7200*time.Second))))
	require.NoError(t, s.PutEntryIntent(ctx, testIntent("B", "avwap_r3k", now.Add(-1800*time.Second))))
	require.NoError(t, s.PutEntryIntent(ctx, testIntent("C", "avwap_r3k", now.Add(-3600*time.Second))))

	stats, err := s.PurgeStaleEntryIntents(ctx, now, 3600*time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Purged)
	assert.Equal(t, float64(7200), stats.OldestAgeSec)
	assert.Equal(t, now.Add(-7200*time.Second), stats.MinScheduled)
	assert.Equal(t, now.Add(-7200*time.Second), stats.MaxScheduled)

	_, ok, err := s.GetEntryIntent(ctx, "A")
	require.NoError(t, err)
	assert.False(t, ok, "stale intent must be purged")
	_, ok, err = s.GetEntryIntent(ctx, "B")
	require.NoError(t, err)
	assert.True(t, ok, "fresh intent must survive")
	_, ok, err = s.GetEntryIntent(ctx, "C")
	require.NoError(t, err)
	assert.True(t, ok, "intent aged exactly ttl must survive")

	n, err := s.CountDueEntryIntents(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Purging again removes nothing.
	stats, err = s.PurgeStaleEntryIntents(ctx, now, 3600*time.Second)
	require.NoError(t, err)
	assert.Zero(t, stats.Purged)
}

func TestRescheduleDueEntryIntentsLeavesFutureUntouched(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	newAt := now.Add(45 * time.Minute)

	require.NoError(t, s.PutEntryIntent(ctx, testIntent("DUE", "avwap_r3k", now.Add(-time.Minute))))
	require.NoError(t, s.PutEntryIntent(ctx, testIntent("FUT", "avwap_r3k", now.Add(2*time.Hour))))

	n, err := s.RescheduleDueEntryIntents(ctx, now, newAt)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	due, ok, err := s.GetEntryIntent(ctx, "DUE")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newAt, due.ScheduledEntryAt)

	fut, ok, err := s.GetEntryIntent(ctx, "FUT")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(2*time.Hour), fut.ScheduledEntryAt)
}

func TestRecordOrderOnceIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	entry := schema.OrderLedgerEntry{
		IdempotencyKey: "k-1",
		StrategyID:     "avwap_r3k",
		Symbol:         "AAPL",
		Side:           schema.SideBuy,
		Qty:            25,
		CreatedTS:      time.Now(),
	}

	novel, err := s.RecordOrderOnce(ctx, entry)
	require.NoError(t, err)
	assert.True(t, novel)

	novel, err = s.RecordOrderOnce(ctx, entry)
	require.NoError(t, err)
	assert.False(t, novel, "second insert for the same key must report duplicate")

	has, err := s.HasOrderIdempotencyKey(ctx, "k-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = s.HasOrderIdempotencyKey(ctx, "k-2")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRecordEntryFillOneShot(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	filled := time.Now().UTC().Truncate(time.Second)

	novel, err := s.RecordEntryFill(ctx, "2026-08-31", "avwap_r3k", "AAPL", filled)
	require.NoError(t, err)
	assert.True(t, novel)

	novel, err = s.RecordEntryFill(ctx, "2026-08-31", "avwap_r3k", "AAPL", filled.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, novel)

	ts, ok, err := s.GetEntryFill(ctx, "2026-08-31", "avwap_r3k", "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, filled, ts, "first fill timestamp wins")

	// A different date never blocks.
	_, ok, err = s.GetEntryFill(ctx, "2026-09-01", "avwap_r3k", "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	p := schema.PositionState{
		StrategyID:   "avwap_r3k",
		Symbol:       "AAPL",
		SizeShares:   100,
		AvgPrice:     decimal.RequireFromString("101.30"),
		PivotLevel:   decimal.RequireFromString("101.25"),
		R1Level:      decimal.RequireFromString("104"),
		R2Level:      decimal.RequireFromString("108"),
		StopMode:     schema.StopModeOpen,
		StopPrice:    decimal.RequireFromString("98.50"),
		HighWater:    decimal.RequireFromString("101.30"),
		LastUpdateTS: now,
	}
	require.NoError(t, s.UpsertPosition(ctx, p))

	got, ok, err := s.GetPosition(ctx, "avwap_r3k", "AAPL")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.AvgPrice.Equal(p.AvgPrice))
	assert.Equal(t, schema.StopModeOpen, got.StopMode)

	require.NoError(t, s.UpdateStopMode(ctx, "avwap_r3k", "AAPL",
		schema.StopModeCaution, decimal.RequireFromString("100.10"), now.Add(time.Minute)))
	require.NoError(t, s.MarkTrimmed(ctx, "avwap_r3k", "AAPL", "r1", now.Add(2*time.Minute)))

	got, _, err = s.GetPosition(ctx, "avwap_r3k", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, schema.StopModeCaution, got.StopMode)
	assert.True(t, got.StopPrice.Equal(decimal.RequireFromString("100.10")))
	assert.True(t, got.TrimmedR1)
	assert.False(t, got.TrimmedR2)

	require.NoError(t, s.DeletePosition(ctx, "avwap_r3k", "AAPL"))
	_, ok, err = s.GetPosition(ctx, "avwap_r3k", "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	// Narrow mutations on a missing position are reported, not ignored.
	err = s.MarkTrimmed(ctx, "avwap_r3k", "AAPL", "r1", now)
	assert.Error(t, err)
}

func TestCandidateVisibilityWindow(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	fresh := schema.Candidate{
		StrategyID: "avwap_r3k", Symbol: "AAPL",
		PivotLevel: decimal.RequireFromString("101.25"),
		EntryLevel: decimal.RequireFromString("101.40"),
		StopLevel:  decimal.RequireFromString("98.50"),
		AddedAt:    now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	expired := fresh
	expired.Symbol = "MSFT"
	expired.ExpiresAt = now.Add(-time.Minute)
	future := fresh
	future.Symbol = "NVDA"
	future.AddedAt = now.Add(time.Hour)
	future.ExpiresAt = now.Add(2 * time.Hour)

	for _, c := range []schema.Candidate{fresh, expired, future} {
		require.NoError(t, s.UpsertCandidate(ctx, c))
	}

	active, err := s.ListActiveCandidates(ctx, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "AAPL", active[0].Symbol)

	// Expired candidates are invisible but not yet deleted.
	removed, err := s.GCExpiredCandidates(ctx, now.Add(24*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 3, removed)
}
