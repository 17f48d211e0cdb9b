package sleeve

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func intPtr(n int) *int { return &n }

func buyOrder(strategy, symbol string, qty int64) schema.OrderSpec {
	return schema.OrderSpec{
		StrategyID:     strategy,
		Symbol:         symbol,
		Side:           schema.SideBuy,
		Qty:            qty,
		TIF:            "day",
		IdempotencyKey: schema.IdempotencyKey(strategy, "2026-08-31", symbol, schema.SideBuy, qty),
	}
}

func heldPosition(strategy, symbol string, shares int64, avg string) schema.PositionState {
	return schema.PositionState{
		StrategyID: strategy,
		Symbol:     symbol,
		SizeShares: shares,
		AvgPrice:   dec(avg),
		StopMode:   schema.StopModeOpen,
	}
}

func enforce(p Policy, orders []schema.OrderSpec, open []schema.PositionState, prices map[string]decimal.Decimal) Result {
	return New(p, nil).Enforce(context.Background(), orders, open, prices)
}

func primaryReasons(r Result) map[string]string {
	out := make(map[string]string, len(r.Blocked))
	for _, b := range r.Blocked {
		out[b.Order.Symbol+"/"+b.Order.StrategyID] = b.ReasonCodes[0]
	}
	return out
}

func TestMissingSleeveBlocksEntireRun(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {MaxConcurrentPositions: intPtr(5)},
		},
		DailyPnL: map[string]decimal.Decimal{"S1": dec("0")},
	}
	r := enforce(p, []schema.OrderSpec{
		buyOrder("S1", "AAA", 5),
		buyOrder("S2", "BBB", 5), // no sleeve configured
	}, nil, nil)

	assert.True(t, r.Summary.RunBlocked)
	assert.Empty(t, r.Approved, "one unsleeved strategy blocks every order this run")
	require.Len(t, r.Blocked, 2)
	reasons := primaryReasons(r)
	assert.Equal(t, schema.SleeveMissingSleeve, reasons["AAA/S1"])
	assert.Equal(t, schema.SleeveMissingSleeve, reasons["BBB/S2"])
}

func TestUnsleevedAllowedPassesThrough(t *testing.T) {
	p := Policy{AllowUnsleeved: true}
	r := enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 5)}, nil, nil)
	assert.False(t, r.Summary.RunBlocked)
	require.Len(t, r.Approved, 1)
	assert.Empty(t, r.Blocked)
}

func TestMaxPositionsUsesProjectedCount(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {MaxConcurrentPositions: intPtr(2)},
		},
	}
	r := enforce(p, []schema.OrderSpec{
		buyOrder("S1", "AAA", 5),
		buyOrder("S1", "BBB", 5),
	}, []schema.PositionState{heldPosition("S1", "ZZZ", 10, "50")}, nil)

	// One open plus the first approval meets the cap of two.
	require.Len(t, r.Approved, 1)
	assert.Equal(t, "AAA", r.Approved[0].Symbol)
	reasons := primaryReasons(r)
	assert.Equal(t, schema.SleeveMaxPositions, reasons["BBB/S1"])
}

func TestMaxGrossExposureProjectsApprovedNotional(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {MaxGrossExposureUSD: decPtr("2000")},
		},
	}
	prices := map[string]decimal.Decimal{"AAA": dec("100"), "BBB": dec("100")}

	// 500 held + 1000 first order = 1500; the second 1000 breaches 2000.
	r := enforce(p, []schema.OrderSpec{
		buyOrder("S1", "AAA", 10),
		buyOrder("S1", "BBB", 10),
	}, []schema.PositionState{heldPosition("S1", "ZZZ", 10, "50")}, prices)

	require.Len(t, r.Approved, 1)
	assert.Equal(t, "AAA", r.Approved[0].Symbol)
	reasons := primaryReasons(r)
	assert.Equal(t, schema.SleeveMaxGrossExposure, reasons["BBB/S1"])
}

func TestMaxGrossExposureUnpriceableOrderFailsClosed(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {MaxGrossExposureUSD: decPtr("10000")},
		},
	}

	// No reference price and no limit price: the projection cannot be
	// computed, so the cap blocks instead of assuming zero exposure.
	r := enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 10)}, nil, nil)
	assert.Empty(t, r.Approved)
	require.Len(t, r.Blocked, 1)
	assert.Equal(t, schema.SleeveMaxGrossExposure, primaryReasons(r)["AAA/S1"])

	// The same order with a reference price passes under the cap.
	r = enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 10)}, nil,
		map[string]decimal.Decimal{"AAA": dec("100")})
	assert.Empty(t, r.Blocked)
	require.Len(t, r.Approved, 1)
}

func TestMaxDailyLossBlocksAtThreshold(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {MaxDailyLossUSD: decPtr("500")},
			"S2": {MaxDailyLossUSD: decPtr("500")},
		},
		DailyPnL: map[string]decimal.Decimal{
			"S1": dec("-500"),
			"S2": dec("-499.99"),
		},
	}
	r := enforce(p, []schema.OrderSpec{
		buyOrder("S1", "AAA", 5),
		buyOrder("S2", "BBB", 5),
	}, nil, nil)

	require.Len(t, r.Approved, 1)
	assert.Equal(t, "S2", r.Approved[0].StrategyID)
	reasons := primaryReasons(r)
	assert.Equal(t, schema.SleeveMaxDailyLoss, reasons["AAA/S1"])
}

func TestMissingPnLFailsClosed(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {MaxDailyLossUSD: decPtr("500")},
		},
	}
	r := enforce(p, []schema.OrderSpec{
		buyOrder("S1", "AAA", 5),
		buyOrder("S1", "BBB", 5),
	}, nil, nil)

	assert.Empty(t, r.Approved, "unresolvable P&L must block all of the strategy's entries")
	require.Len(t, r.Blocked, 2)
	for _, b := range r.Blocked {
		assert.Equal(t, schema.SleeveMissingPnL, b.ReasonCodes[0])
	}
	assert.Equal(t, 2, r.Summary.Histogram[schema.SleeveMissingPnL])
}

func TestSymbolOverlapAcrossSleeves(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{"S1": {}, "S2": {}},
	}
	open := []schema.PositionState{heldPosition("S2", "AAA", 10, "100")}

	r := enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 5)}, open, nil)
	require.Len(t, r.Blocked, 1)
	assert.Equal(t, schema.SleeveSymbolOverlap, r.Blocked[0].ReasonCodes[0])

	p.AllowSymbolOverlap = true
	r = enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 5)}, open, nil)
	assert.Empty(t, r.Blocked)

	// The same strategy adding to its own symbol is not an overlap.
	p.AllowSymbolOverlap = false
	r = enforce(p, []schema.OrderSpec{buyOrder("S2", "AAA", 5)}, open, nil)
	assert.Empty(t, r.Blocked)
}

func TestSellsAreNeverGated(t *testing.T) {
	sell := buyOrder("S1", "AAA", 5)
	sell.Side = schema.SideSell

	// No sleeves configured at all; a buy would void the run.
	r := enforce(Policy{}, []schema.OrderSpec{sell}, nil, nil)
	require.Len(t, r.Approved, 1)
	assert.Empty(t, r.Blocked)
	assert.False(t, r.Summary.RunBlocked)
}

func TestMultipleReasonCodesKeepRuleOrder(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{
			"S1": {
				MaxConcurrentPositions: intPtr(1),
				MaxDailyLossUSD:        decPtr("100"),
			},
		},
		DailyPnL: map[string]decimal.Decimal{"S1": dec("-200")},
	}
	r := enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 5)},
		[]schema.PositionState{heldPosition("S1", "ZZZ", 10, "50")}, nil)

	require.Len(t, r.Blocked, 1)
	assert.Equal(t, []string{schema.SleeveMaxPositions, schema.SleeveMaxDailyLoss}, r.Blocked[0].ReasonCodes)
}

func TestSummaryTracksExposure(t *testing.T) {
	p := Policy{
		Sleeves: map[string]schema.StrategySleeve{"S1": {}},
	}
	prices := map[string]decimal.Decimal{"AAA": dec("100")}
	r := enforce(p, []schema.OrderSpec{buyOrder("S1", "AAA", 10)},
		[]schema.PositionState{heldPosition("S1", "ZZZ", 10, "50")}, prices)

	s := r.Summary.Strategies["S1"]
	assert.Equal(t, 1, s.Open)
	assert.Equal(t, 1, s.Approved)
	assert.True(t, s.GrossCurrent.Equal(dec("500")), "current gross %s", s.GrossCurrent)
	assert.True(t, s.GrossProjected.Equal(dec("1500")), "projected gross %s", s.GrossProjected)
}
