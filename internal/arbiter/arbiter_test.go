package arbiter

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

var arbNow = time.Date(2026, 8, 31, 14, 30, 0, 0, time.UTC)

func buyIntent(strategy, symbol string, qty int64) schema.TradeIntent {
	return schema.TradeIntent{
		StrategyID: strategy,
		Symbol:     symbol,
		Side:       schema.SideBuy,
		Qty:        qty,
		IntentTS:   arbNow.Add(-time.Minute),
		ValidUntil: arbNow.Add(10 * time.Minute),
		SleeveID:   strategy,
	}
}

func openPosition(strategy, symbol string) schema.PositionState {
	return schema.PositionState{
		StrategyID: strategy,
		Symbol:     symbol,
		SizeShares: 10,
		AvgPrice:   decimal.RequireFromString("100"),
		StopMode:   schema.StopModeOpen,
	}
}

func arbitrate(t *testing.T, cons Constraints, in Inputs) schema.PortfolioDecision {
	t.Helper()
	if in.DateNY == "" {
		in.DateNY = "2026-08-31"
	}
	if in.Now.IsZero() {
		in.Now = arbNow
	}
	return New(cons, nil).Arbitrate(context.Background(), in)
}

func rejectionReasons(d schema.PortfolioDecision) map[string]string {
	out := make(map[string]string, len(d.RejectedIntents))
	for _, r := range d.RejectedIntents {
		out[r.Intent.Symbol+"/"+r.Intent.StrategyID] = r.RejectionReason
	}
	return out
}

func TestArbitrateSymbolConflictLargestQtyWins(t *testing.T) {
	d := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{
		Intents: []schema.TradeIntent{
			buyIntent("S1", "AAA", 5),
			buyIntent("S2", "AAA", 10),
		},
	})

	require.Len(t, d.ApprovedOrders, 1)
	assert.Equal(t, "AAA", d.ApprovedOrders[0].Symbol)
	assert.Equal(t, int64(10), d.ApprovedOrders[0].Qty)
	assert.Equal(t, "S2", d.ApprovedOrders[0].StrategyID)

	require.Len(t, d.RejectedIntents, 1)
	assert.Equal(t, int64(5), d.RejectedIntents[0].Intent.Qty)
	assert.Equal(t, schema.RejectSymbolConflict, d.RejectedIntents[0].RejectionReason)
}

func TestArbitrateConflictTieBreaks(t *testing.T) {
	t.Run("buy outranks sell", func(t *testing.T) {
		sell := buyIntent("S1", "AAA", 50)
		sell.Side = schema.SideSell
		d := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{
			Intents: []schema.TradeIntent{sell, buyIntent("S2", "AAA", 5)},
		})
		require.Len(t, d.ApprovedOrders, 1)
		assert.Equal(t, schema.SideBuy, d.ApprovedOrders[0].Side)
	})

	t.Run("strategy id is the final tie-break", func(t *testing.T) {
		d := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{
			Intents: []schema.TradeIntent{
				buyIntent("S2", "AAA", 10),
				buyIntent("S1", "AAA", 10),
			},
		})
		require.Len(t, d.ApprovedOrders, 1)
		assert.Equal(t, "S1", d.ApprovedOrders[0].StrategyID)
	})
}

func TestArbitrateValidationRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*schema.TradeIntent)
	}{
		{"missing strategy", func(ti *schema.TradeIntent) { ti.StrategyID = "" }},
		{"missing symbol", func(ti *schema.TradeIntent) { ti.Symbol = " " }},
		{"bad side", func(ti *schema.TradeIntent) { ti.Side = "short" }},
		{"zero qty", func(ti *schema.TradeIntent) { ti.Qty = 0 }},
		{"negative qty", func(ti *schema.TradeIntent) { ti.Qty = -3 }},
		{"zero timestamps", func(ti *schema.TradeIntent) { ti.IntentTS = time.Time{} }},
		{"out-of-order timestamps", func(ti *schema.TradeIntent) { ti.ValidUntil = ti.IntentTS.Add(-time.Second) }},
		{"blank reason code", func(ti *schema.TradeIntent) { ti.ReasonCodes = []string{"ok", ""} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ti := buyIntent("S1", "AAA", 5)
			tc.mutate(&ti)
			d := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{Intents: []schema.TradeIntent{ti}})
			assert.Empty(t, d.ApprovedOrders)
			require.Len(t, d.RejectedIntents, 1)
			assert.Equal(t, schema.RejectInvalidIntent, d.RejectedIntents[0].RejectionReason)
		})
	}
}

func TestArbitrateShadowAndStaleness(t *testing.T) {
	stale := buyIntent("S3", "CCC", 4)
	stale.ValidUntil = arbNow.Add(-time.Second)

	d := arbitrate(t, Constraints{MaxPositions: 5, ShadowStrategies: []string{"S2"}}, Inputs{
		Intents: []schema.TradeIntent{
			buyIntent("S1", "AAA", 5),
			buyIntent("S2", "BBB", 5),
			stale,
		},
	})

	require.Len(t, d.ApprovedOrders, 1)
	assert.Equal(t, "AAA", d.ApprovedOrders[0].Symbol)

	reasons := rejectionReasons(d)
	assert.Equal(t, schema.RejectShadowStrategy, reasons["BBB/S2"])
	assert.Equal(t, schema.RejectStaleIntent, reasons["CCC/S3"])
}

func TestArbitrateConcentrationBlocksHeldSymbol(t *testing.T) {
	d := arbitrate(t, Constraints{MaxPositions: 5, MaxSymbolConcentration: 1}, Inputs{
		Intents:       []schema.TradeIntent{buyIntent("S1", "AAA", 5)},
		OpenPositions: []schema.PositionState{openPosition("S2", "AAA")},
	})

	assert.Empty(t, d.ApprovedOrders)
	require.Len(t, d.RejectedIntents, 1)
	assert.Equal(t, schema.RejectSymbolConcentration, d.RejectedIntents[0].RejectionReason)
}

func TestArbitrateCapacityUsesProjectedCounts(t *testing.T) {
	d := arbitrate(t, Constraints{MaxPositions: 2}, Inputs{
		Intents: []schema.TradeIntent{
			buyIntent("S1", "AAA", 5),
			buyIntent("S1", "BBB", 5),
			buyIntent("S1", "CCC", 5),
		},
		OpenPositions: []schema.PositionState{openPosition("S1", "ZZZ")},
	})

	// One open plus one approval exhausts the cap; the alphabetically later
	// symbols lose, in order.
	require.Len(t, d.ApprovedOrders, 1)
	assert.Equal(t, "AAA", d.ApprovedOrders[0].Symbol)
	reasons := rejectionReasons(d)
	assert.Equal(t, schema.RejectMaxPositions, reasons["BBB/S1"])
	assert.Equal(t, schema.RejectMaxPositions, reasons["CCC/S1"])
}

func TestArbitratePerStrategyCap(t *testing.T) {
	d := arbitrate(t, Constraints{MaxPositions: 10, MaxPositionsPerStrategy: 1}, Inputs{
		Intents: []schema.TradeIntent{
			buyIntent("S1", "AAA", 5),
			buyIntent("S1", "BBB", 5),
			buyIntent("S2", "CCC", 5),
		},
	})

	require.Len(t, d.ApprovedOrders, 2)
	reasons := rejectionReasons(d)
	assert.Equal(t, schema.RejectMaxPerStrategy, reasons["BBB/S1"])
}

func TestArbitrateSellsBypassEntryCaps(t *testing.T) {
	sell := buyIntent("S1", "AAA", 5)
	sell.Side = schema.SideSell

	d := arbitrate(t, Constraints{MaxPositions: 1, MaxSymbolConcentration: 1}, Inputs{
		Intents:       []schema.TradeIntent{sell},
		OpenPositions: []schema.PositionState{openPosition("S1", "AAA"), openPosition("S1", "BBB")},
	})

	require.Len(t, d.ApprovedOrders, 1)
	assert.Equal(t, schema.SideSell, d.ApprovedOrders[0].Side)
}

func TestArbitrateHashStableUnderInputPermutation(t *testing.T) {
	cons := Constraints{MaxPositions: 5, ShadowStrategies: []string{"ghost"}}
	intents := []schema.TradeIntent{
		buyIntent("S1", "AAA", 5),
		buyIntent("S2", "AAA", 10),
		buyIntent("S3", "BBB", 7),
		buyIntent("ghost", "CCC", 2),
	}
	reversed := make([]schema.TradeIntent, len(intents))
	for i, ti := range intents {
		reversed[len(intents)-1-i] = ti
	}

	a := arbitrate(t, cons, Inputs{RunID: "run-1", Intents: intents})
	b := arbitrate(t, cons, Inputs{RunID: "run-2", Intents: reversed})

	assert.Equal(t, a.DecisionHash, b.DecisionHash,
		"identical logical inputs must hash identically regardless of order and run id")
	assert.Equal(t, a.ApprovedOrders, b.ApprovedOrders)
}

func TestArbitrateHashChangesWithContent(t *testing.T) {
	base := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{
		Intents: []schema.TradeIntent{buyIntent("S1", "AAA", 5)},
	})
	other := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{
		Intents: []schema.TradeIntent{buyIntent("S1", "AAA", 6)},
	})
	assert.NotEqual(t, base.DecisionHash, other.DecisionHash)
}

func TestArbitrateOrderSpecCarriesIdempotencyKey(t *testing.T) {
	d := arbitrate(t, Constraints{MaxPositions: 5}, Inputs{
		Intents: []schema.TradeIntent{buyIntent("S1", "AAA", 5)},
	})
	require.Len(t, d.ApprovedOrders, 1)
	want := schema.IdempotencyKey("S1", "2026-08-31", "AAA", schema.SideBuy, 5)
	assert.Equal(t, want, d.ApprovedOrders[0].IdempotencyKey)
}
