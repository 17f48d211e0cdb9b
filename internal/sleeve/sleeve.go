// Package sleeve applies per-strategy risk budgets to arbitration's approved
// orders. It is a second gate, independent of the portfolio-wide limits:
// position count, gross exposure, and daily loss are checked per strategy,
// plus a cross-sleeve symbol-overlap policy. Every check fails closed.
package sleeve

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// Policy is the static enforcement configuration for one run.
type Policy struct {
	Sleeves map[string]schema.StrategySleeve
	// DailyPnL is the externally supplied realized P&L per strategy. A
	// strategy absent from the map has unresolvable P&L.
	DailyPnL map[string]decimal.Decimal
	// AllowUnsleeved permits strategies with no configured sleeve. When
	// false, one unsleeved strategy voids the entire enforcement pass.
	AllowUnsleeved bool
	// AllowSymbolOverlap permits a new entry in a symbol another strategy
	// already holds.
	AllowSymbolOverlap bool
}

// BlockedOrder records one order stopped by enforcement. The primary reason
// is always ReasonCodes[0].
type BlockedOrder struct {
	Order       schema.OrderSpec `json:"order"`
	ReasonCodes []string         `json:"reason_codes"`
}

// StrategySummary is the per-strategy slice of the cycle summary.
type StrategySummary struct {
	Open           int             `json:"open"`
	Approved       int             `json:"approved"`
	Blocked        int             `json:"blocked"`
	GrossCurrent   decimal.Decimal `json:"gross_current"`
	GrossProjected decimal.Decimal `json:"gross_projected"`
}

// Summary is the per-cycle enforcement report.
type Summary struct {
	Strategies map[string]StrategySummary `json:"strategies"`
	Histogram  map[string]int             `json:"reason_code_histogram"`
	RunBlocked bool                       `json:"run_blocked"`
}

// Result is the outcome of one enforcement pass.
type Result struct {
	Approved []schema.OrderSpec
	Blocked  []BlockedOrder
	Summary  Summary
}

// Enforcer evaluates the policy against one cycle's approved orders.
type Enforcer struct {
	policy Policy
	log    observability.Logger
}

// New builds an enforcer.
func New(policy Policy, logger observability.Logger) *Enforcer {
	if logger == nil {
		logger = observability.Log()
	}
	return &Enforcer{policy: policy, log: logger}
}

// Enforce filters the approved orders through every sleeve rule. Orders are
// visited in (symbol, strategy_id, qty) order so blocking outcomes are
// reproducible. ReferencePrices supplies the per-symbol price used to value
// a not-yet-filled entry for the exposure projection.
func (e *Enforcer) Enforce(ctx context.Context, orders []schema.OrderSpec, open []schema.PositionState, referencePrices map[string]decimal.Decimal) Result {
	sorted := append([]schema.OrderSpec(nil), orders...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		return a.Qty < b.Qty
	})

	res := Result{Summary: Summary{
		Strategies: make(map[string]StrategySummary),
		Histogram:  make(map[string]int),
	}}

	openCount := make(map[string]int)
	gross := make(map[string]decimal.Decimal)
	heldBy := make(map[string]map[string]struct{})
	for _, p := range open {
		openCount[p.StrategyID]++
		gross[p.StrategyID] = gross[p.StrategyID].Add(p.Notional())
		if heldBy[p.Symbol] == nil {
			heldBy[p.Symbol] = make(map[string]struct{})
		}
		heldBy[p.Symbol][p.StrategyID] = struct{}{}
	}
	projected := make(map[string]decimal.Decimal, len(gross))
	for k, v := range gross {
		projected[k] = v
	}

	// An unsleeved strategy means the pass as a whole cannot be trusted, so
	// it blocks every order this run, not just its own.
	if !e.policy.AllowUnsleeved {
		for _, o := range sorted {
			if o.Side != schema.SideBuy {
				continue
			}
			if _, ok := e.policy.Sleeves[o.StrategyID]; !ok {
				res.Summary.RunBlocked = true
				e.log.Error("strategy has no sleeve, blocking the run",
					observability.F("strategy", o.StrategyID),
					observability.F("reason", schema.SleeveMissingSleeve))
				break
			}
		}
	}

	approvedCount := make(map[string]int)
	for _, o := range sorted {
		if o.Side != schema.SideBuy {
			// Exits are never risk-gated; they only reduce exposure.
			res.Approved = append(res.Approved, o)
			continue
		}

		codes := e.evaluate(o, openCount, approvedCount, projected, heldBy, referencePrices, res.Summary.RunBlocked)
		if len(codes) > 0 {
			res.Blocked = append(res.Blocked, BlockedOrder{Order: o, ReasonCodes: codes})
			for _, c := range codes {
				res.Summary.Histogram[c]++
			}
			observability.EngineMetrics().IntentRejected(ctx, codes[0])
			bump(res.Summary.Strategies, o.StrategyID, openCount[o.StrategyID], gross[o.StrategyID], projected[o.StrategyID], 0, 1)
			continue
		}

		approvedCount[o.StrategyID]++
		notional, _ := orderNotional(o, referencePrices)
		projected[o.StrategyID] = projected[o.StrategyID].Add(notional)
		res.Approved = append(res.Approved, o)
		bump(res.Summary.Strategies, o.StrategyID, openCount[o.StrategyID], gross[o.StrategyID], projected[o.StrategyID], 1, 0)
	}

	e.log.Info("sleeve enforcement complete",
		observability.F("approved", len(res.Approved)),
		observability.F("blocked", len(res.Blocked)),
		observability.F("run_blocked", res.Summary.RunBlocked))
	return res
}

// evaluate collects every violated rule for one entry order. Codes are
// appended in rule order, so the primary reason is stable.
func (e *Enforcer) evaluate(
	o schema.OrderSpec,
	openCount, approvedCount map[string]int,
	projected map[string]decimal.Decimal,
	heldBy map[string]map[string]struct{},
	prices map[string]decimal.Decimal,
	runBlocked bool,
) []string {
	var codes []string

	s, sleeved := e.policy.Sleeves[o.StrategyID]
	if runBlocked {
		codes = append(codes, schema.SleeveMissingSleeve)
	}
	if !sleeved {
		if !runBlocked && !e.policy.AllowUnsleeved {
			codes = append(codes, schema.SleeveMissingSleeve)
		}
		return codes
	}

	if s.MaxConcurrentPositions != nil &&
		openCount[o.StrategyID]+approvedCount[o.StrategyID] >= *s.MaxConcurrentPositions {
		codes = append(codes, schema.SleeveMaxPositions)
	}

	if s.MaxGrossExposureUSD != nil {
		notional, priced := orderNotional(o, prices)
		switch {
		case !priced:
			// An unpriceable entry cannot prove headroom under the cap, so
			// it fails closed like unresolvable P&L does.
			codes = append(codes, schema.SleeveMaxGrossExposure)
		case projected[o.StrategyID].Add(notional).GreaterThan(*s.MaxGrossExposureUSD):
			codes = append(codes, schema.SleeveMaxGrossExposure)
		}
	}

	if s.MaxDailyLossUSD != nil {
		pnl, ok := e.policy.DailyPnL[o.StrategyID]
		switch {
		case !ok:
			// Unresolvable P&L fails closed rather than assuming zero loss.
			codes = append(codes, schema.SleeveMissingPnL)
		case pnl.LessThanOrEqual(s.MaxDailyLossUSD.Neg()):
			codes = append(codes, schema.SleeveMaxDailyLoss)
		}
	}

	if !e.policy.AllowSymbolOverlap {
		for holder := range heldBy[o.Symbol] {
			if holder != o.StrategyID {
				codes = append(codes, schema.SleeveSymbolOverlap)
				break
			}
		}
	}

	return codes
}

// orderNotional values a not-yet-filled order at its reference price, or its
// limit price as a fallback. The second return reports whether any price was
// available; callers enforcing an exposure cap must treat false as a block,
// never as zero exposure.
func orderNotional(o schema.OrderSpec, prices map[string]decimal.Decimal) (decimal.Decimal, bool) {
	price, ok := prices[o.Symbol]
	if !ok {
		if o.LimitPrice == nil {
			return decimal.Zero, false
		}
		price = *o.LimitPrice
	}
	return price.Mul(decimal.NewFromInt(o.Qty)), true
}

func bump(m map[string]StrategySummary, strategy string, open int, current, projected decimal.Decimal, approved, blocked int) {
	s := m[strategy]
	s.Open = open
	s.Approved += approved
	s.Blocked += blocked
	s.GrossCurrent = current
	s.GrossProjected = projected
	m[strategy] = s
}
