// Package arbiter collapses the cycle's trade intents from every strategy
// into one authoritative, reproducible portfolio decision. The pipeline runs
// in a strict stage order and each stage only sees intents that survived the
// previous one; all iteration happens over explicitly sorted slices so the
// same logical inputs always produce the same decision hash.
package arbiter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// Constraints are the portfolio-wide limits in force for one cycle.
type Constraints struct {
	MaxPositions            int
	MaxPositionsPerStrategy int
	MaxSymbolConcentration  int
	ShadowStrategies        []string
}

// Inputs is everything one arbitration pass may look at. OpenPositions is
// the current book; capacity checks project approvals on top of it.
type Inputs struct {
	RunID         string
	DateNY        string
	Now           time.Time
	Intents       []schema.TradeIntent
	OpenPositions []schema.PositionState
}

// Arbiter runs the arbitration pipeline.
type Arbiter struct {
	cons Constraints
	log  observability.Logger
}

// New builds an arbiter with the given cycle constraints.
func New(cons Constraints, logger observability.Logger) *Arbiter {
	if logger == nil {
		logger = observability.Log()
	}
	return &Arbiter{cons: cons, log: logger}
}

// Arbitrate runs the full pipeline: schema validation, shadow filter,
// staleness filter, symbol-conflict resolution, concentration filter, and
// capacity filters. The returned decision carries its canonical hash.
func (a *Arbiter) Arbitrate(ctx context.Context, in Inputs) schema.PortfolioDecision {
	shadow := make(map[string]struct{}, len(a.cons.ShadowStrategies))
	for _, s := range a.cons.ShadowStrategies {
		shadow[s] = struct{}{}
	}

	var rejected []schema.RejectedIntent
	reject := func(ti schema.TradeIntent, reason string) {
		rejected = append(rejected, schema.RejectedIntent{
			Intent:          ti,
			RejectionReason: reason,
			ReasonCodes:     []string{reason},
		})
		observability.EngineMetrics().IntentRejected(ctx, reason)
	}

	// Stage 1: schema validation.
	var live []schema.TradeIntent
	for _, ti := range in.Intents {
		if err := validateIntent(ti); err != nil {
			a.log.Warn("intent failed validation",
				observability.F("symbol", ti.Symbol),
				observability.F("strategy", ti.StrategyID),
				observability.F("error", err.Error()))
			reject(ti, schema.RejectInvalidIntent)
			continue
		}
		live = append(live, ti)
	}

	// Stage 2: shadow strategies are evaluated but never executed.
	live = filterInPlace(live, func(ti schema.TradeIntent) bool {
		if _, ok := shadow[ti.StrategyID]; ok {
			reject(ti, schema.RejectShadowStrategy)
			return false
		}
		return true
	})

	// Stage 3: staleness. Fail closed, an expired intent is never executed.
	live = filterInPlace(live, func(ti schema.TradeIntent) bool {
		if ti.ValidUntil.Before(in.Now) {
			reject(ti, schema.RejectStaleIntent)
			return false
		}
		return true
	})

	// Stage 4: symbol-conflict resolution. Sort by (symbol, side priority,
	// -qty, strategy_id) and keep the first intent per symbol. Largest
	// quantity wins, buys outrank sells, strategy id breaks the final tie.
	sortIntents(live)
	seen := make(map[string]struct{}, len(live))
	live = filterInPlace(live, func(ti schema.TradeIntent) bool {
		if _, dup := seen[ti.Symbol]; dup {
			reject(ti, schema.RejectSymbolConflict)
			return false
		}
		seen[ti.Symbol] = struct{}{}
		return true
	})

	openBySymbol := make(map[string]int)
	openByStrategy := make(map[string]int)
	for _, p := range in.OpenPositions {
		openBySymbol[p.Symbol]++
		openByStrategy[p.StrategyID]++
	}

	// Stage 5: concentration. With the cap at one, a symbol that already has
	// an open position accepts no new entries.
	live = filterInPlace(live, func(ti schema.TradeIntent) bool {
		if a.cons.MaxSymbolConcentration <= 1 && openBySymbol[ti.Symbol] > 0 && ti.Side == schema.SideBuy {
			reject(ti, schema.RejectSymbolConcentration)
			return false
		}
		return true
	})

	// Stage 6: capacity, against projected counts (open plus approved this
	// cycle) in the same stable order as conflict resolution.
	totalOpen := len(in.OpenPositions)
	approvedTotal := 0
	approvedByStrategy := make(map[string]int)
	var approved []schema.OrderSpec
	for _, ti := range live {
		if ti.Side == schema.SideBuy {
			if a.cons.MaxPositions > 0 && totalOpen+approvedTotal >= a.cons.MaxPositions {
				reject(ti, schema.RejectMaxPositions)
				continue
			}
			if a.cons.MaxPositionsPerStrategy > 0 &&
				openByStrategy[ti.StrategyID]+approvedByStrategy[ti.StrategyID] >= a.cons.MaxPositionsPerStrategy {
				reject(ti, schema.RejectMaxPerStrategy)
				continue
			}
			approvedTotal++
			approvedByStrategy[ti.StrategyID]++
		}
		approved = append(approved, schema.OrderSpec{
			StrategyID:     ti.StrategyID,
			Symbol:         ti.Symbol,
			Side:           ti.Side,
			Qty:            ti.Qty,
			TIF:            "day",
			IdempotencyKey: schema.IdempotencyKey(ti.StrategyID, in.DateNY, ti.Symbol, ti.Side, ti.Qty),
		})
	}

	decision := schema.PortfolioDecision{
		RunID:           in.RunID,
		DateNY:          in.DateNY,
		ApprovedOrders:  approved,
		RejectedIntents: rejected,
		Constraints: schema.ConstraintsSnapshot{
			MaxPositions:            a.cons.MaxPositions,
			MaxPositionsPerStrategy: a.cons.MaxPositionsPerStrategy,
			MaxSymbolConcentration:  a.cons.MaxSymbolConcentration,
			ShadowStrategies:        sortedCopy(a.cons.ShadowStrategies),
		},
	}
	canonicalize(&decision)
	decision.DecisionHash = DecisionHash(decision)

	a.log.Info("arbitration complete",
		observability.F("run_id", in.RunID),
		observability.F("approved", len(decision.ApprovedOrders)),
		observability.F("rejected", len(decision.RejectedIntents)),
		observability.F("decision_hash", decision.DecisionHash))
	return decision
}

func validateIntent(ti schema.TradeIntent) error {
	if strings.TrimSpace(ti.StrategyID) == "" {
		return errMissing("strategy_id")
	}
	if strings.TrimSpace(ti.Symbol) == "" {
		return errMissing("symbol")
	}
	if !ti.Side.Valid() {
		return errField("side", string(ti.Side))
	}
	if ti.Qty <= 0 {
		return errField("qty", "non-positive")
	}
	if ti.IntentTS.IsZero() || ti.ValidUntil.IsZero() {
		return errField("timestamps", "zero")
	}
	if ti.ValidUntil.Before(ti.IntentTS) {
		return errField("timestamps", "valid_until precedes intent_ts")
	}
	for _, rc := range ti.ReasonCodes {
		if strings.TrimSpace(rc) == "" {
			return errField("reason_codes", "blank entry")
		}
	}
	return nil
}

type fieldError struct{ field, detail string }

func (e fieldError) Error() string {
	if e.detail == "" {
		return "intent missing " + e.field
	}
	return "intent " + e.field + ": " + e.detail
}

func errMissing(field string) error       { return fieldError{field: field} }
func errField(field, detail string) error { return fieldError{field: field, detail: detail} }

// sortIntents orders by (symbol, side priority, -qty, strategy_id). This is
// the load-bearing sort: conflict winners and capacity exhaustion both derive
// from it.
func sortIntents(intents []schema.TradeIntent) {
	sort.SliceStable(intents, func(i, j int) bool {
		a, b := intents[i], intents[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Side.Priority() != b.Side.Priority() {
			return a.Side.Priority() < b.Side.Priority()
		}
		if a.Qty != b.Qty {
			return a.Qty > b.Qty
		}
		return a.StrategyID < b.StrategyID
	})
}

func filterInPlace(intents []schema.TradeIntent, keep func(schema.TradeIntent) bool) []schema.TradeIntent {
	out := intents[:0]
	for _, ti := range intents {
		if keep(ti) {
			out = append(out, ti)
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	if out == nil {
		out = []string{}
	}
	return out
}

// canonicalize fixes the serialization order of every list inside a
// decision so that hashing and the audit record are input-order independent.
func canonicalize(d *schema.PortfolioDecision) {
	sort.Slice(d.ApprovedOrders, func(i, j int) bool {
		a, b := d.ApprovedOrders[i], d.ApprovedOrders[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.StrategyID < b.StrategyID
	})
	sort.Slice(d.RejectedIntents, func(i, j int) bool {
		a, b := d.RejectedIntents[i], d.RejectedIntents[j]
		if a.Intent.Symbol != b.Intent.Symbol {
			return a.Intent.Symbol < b.Intent.Symbol
		}
		if a.Intent.StrategyID != b.Intent.StrategyID {
			return a.Intent.StrategyID < b.Intent.StrategyID
		}
		return a.RejectionReason < b.RejectionReason
	})
	for i := range d.RejectedIntents {
		sort.Strings(d.RejectedIntents[i].ReasonCodes)
	}
	sort.Strings(d.Constraints.ShadowStrategies)
}

// hashEnvelope is the exact byte layout fed to the decision hash. The run id
// is deliberately excluded: it identifies the process run, not the decision,
// and two runs over identical inputs must agree on the hash.
type hashEnvelope struct {
	DateNY          string                     `json:"date_ny"`
	ApprovedOrders  []schema.OrderSpec         `json:"approved_orders"`
	RejectedIntents []schema.RejectedIntent    `json:"rejected_intents"`
	Constraints     schema.ConstraintsSnapshot `json:"constraints_snapshot"`
}

// DecisionHash computes the canonical hash of an already-canonicalized
// decision. Recomputing over the same logical content reproduces the value.
func DecisionHash(d schema.PortfolioDecision) string {
	raw, err := json.Marshal(hashEnvelope{
		DateNY:          d.DateNY,
		ApprovedOrders:  d.ApprovedOrders,
		RejectedIntents: d.RejectedIntents,
		Constraints:     d.Constraints,
	})
	if err != nil {
		// Marshal over plain structs cannot fail; treat it as corruption.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
