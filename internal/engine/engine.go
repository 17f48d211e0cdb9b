// Package engine runs the execution loop: one single-threaded cycle walks
// clock gates, intent lifecycle, arbitration, sleeve enforcement, idempotent
// submission, and audit persistence, in that fixed order. Loop-level
// failures are recorded and the loop continues; only configuration and
// store-initialization failures are fatal.
package engine

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/config"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/arbiter"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/broker"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/execstate"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/intent"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/ledger"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/sleeve"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/store"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/submit"
)

// takeProfitMultiple places the default target a fixed fraction above the
// pivot when the candidate does not carry its own target.
var takeProfitMultiple = decimal.RequireFromString("1.05")

// candidateRetention keeps expired candidates queryable for a day before
// the housekeeping pass deletes them.
const candidateRetention = 24 * time.Hour

func distancePct(entry, pivot decimal.Decimal) decimal.Decimal {
	if pivot.IsZero() {
		return decimal.Zero
	}
	return entry.Sub(pivot).Div(pivot).Mul(decimal.NewFromInt(100))
}

// Engine owns one deployment's execution loop.
type Engine struct {
	cfg       config.Config
	store     *store.Store
	gateway   broker.Client
	intents   *intent.Manager
	submitter *submit.Submitter
	ledger    *ledger.Writer
	log       observability.Logger

	sleevePolicy sleeve.Policy
	// sleeveConfigErr holds a sleeve/P&L JSON parse failure. The policy
	// stays empty so enforcement fails closed, and every cycle records the
	// configuration gate until the config is fixed.
	sleeveConfigErr error

	hostname string
	nowFn    func() time.Time
}

// New wires an engine from parsed configuration, an opened store, and the
// broker collaborator.
func New(cfg config.Config, st *store.Store, gateway broker.Client, logger observability.Logger) *Engine {
	if logger == nil {
		logger = observability.Log()
	}
	hostname, _ := os.Hostname()

	delayMin, delayMax := cfg.IntentDelayWindow()
	mgr := intent.NewManager(st, intent.Config{
		DelayMin:         delayMin,
		DelayMax:         delayMax,
		TTL:              cfg.IntentTTL(),
		RescheduleOnGate: cfg.RescheduleOnGate,
		OneShot:          cfg.OneShot,
		OneShotCooldown:  cfg.OneShotCooldown(),
		Deterministic:    !cfg.Live(),
	}, logger)

	e := &Engine{
		cfg:       cfg,
		store:     st,
		gateway:   gateway,
		intents:   mgr,
		submitter: submit.New(st, gateway, cfg.SubmitParallelism, logger),
		ledger:    ledger.NewWriter(cfg.LedgerDir, logger),
		log:       logger,
		hostname:  hostname,
		nowFn:     func() time.Time { return time.Now().UTC() },
	}

	e.sleevePolicy = sleeve.Policy{
		AllowUnsleeved:     cfg.AllowUnsleeved,
		AllowSymbolOverlap: cfg.AllowSymbolOverlap,
	}
	sleeves, err := config.ParseSleeves(cfg.SleevesJSON)
	if err != nil {
		e.sleeveConfigErr = err
		e.log.Error("sleeve config rejected", observability.F("error", err.Error()))
	} else {
		e.sleevePolicy.Sleeves = sleeves
	}
	pnl, err := config.ParseDailyPnL(cfg.DailyPnLJSON)
	if err != nil {
		// A strategy with no resolvable P&L fails closed downstream.
		e.sleeveConfigErr = err
		e.log.Error("daily P&L config rejected", observability.F("error", err.Error()))
	} else {
		e.sleevePolicy.DailyPnL = pnl
	}
	return e
}

// RunCycle executes one full pass and persists its decision record. The
// returned record is what was written; the error is loop-level only.
func (e *Engine) RunCycle(ctx context.Context) (*ledger.DecisionRecord, error) {
	now := e.nowFn()
	dateNY := tradingDate(now)
	mode := string(e.cfg.Mode)

	rec := &ledger.DecisionRecord{
		RunID:  uuid.NewString(),
		DateNY: dateNY,
		TSUTC:  now,
		Mode:   mode,
		Cycle: ledger.CycleMeta{
			PID:             os.Getpid(),
			Hostname:        e.hostname,
			LoopIntervalSec: e.cfg.PollInterval().Seconds(),
		},
	}

	book, err := execstate.Load(e.cfg.StateDir, dateNY)
	if err != nil {
		return rec, e.failCycle(ctx, rec, "execstate/load", err)
	}

	// TTL purge runs before anything else looks at the intent table, in
	// every cycle, open market or not.
	if _, err := e.intents.PurgeStale(ctx, now); err != nil {
		return rec, e.failCycle(ctx, rec, "store/purge", err)
	}
	if _, err := e.store.GCExpiredCandidates(ctx, now, candidateRetention); err != nil {
		rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
			Origin: "engine/candidates_gc", Error: err.Error(),
		})
	}

	gate := e.evaluateEntryGate(now)
	rec.Gates.Blocks = append(rec.Gates.Blocks, gate.blocks...)
	for _, b := range gate.blocks {
		observability.EngineMetrics().GateBlocked(ctx, b.Code)
	}
	if e.sleeveConfigErr != nil {
		rec.Gates.Blocks = append(rec.Gates.Blocks, ledger.GateBlock{
			Code:    GateConfiguration,
			Message: e.sleeveConfigErr.Error(),
		})
	}

	e.captureInputs(ctx, rec)

	var candidateSkips []ledger.SkippedAction
	if gate.open {
		rows, mtime, err := loadCandidatesFile(e.cfg.CandidatesFile)
		if err != nil {
			rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
				Origin: "engine/candidates", Error: err.Error(),
			})
		} else {
			rec.Inputs.CandidatesFile = e.cfg.CandidatesFile
			rec.Inputs.CandidatesMTime = mtime
			candidateSkips = e.scheduleFromCandidates(ctx, rows, book, now, dateNY)
		}
	}
	rec.Actions.Skipped = append(rec.Actions.Skipped, candidateSkips...)

	due, err := e.intents.CollectDue(ctx, now, gate.open, gate.nextAllowed)
	if err != nil {
		return rec, e.failCycle(ctx, rec, "store/collect_due", err)
	}
	if due.Rescheduled > 0 {
		rec.Gates.Blocks = append(rec.Gates.Blocks, ledger.GateBlock{
			Code:    due.Reason,
			Message: "due intents deferred to the next permitted entry time",
		})
	}

	entryBySymbol := make(map[string]schema.EntryIntent, len(due.Intents))
	refPrices := make(map[string]decimal.Decimal, len(due.Intents))
	var tradeIntents []schema.TradeIntent
	var consumed []ledger.ConsumedEntry
	for _, ei := range due.Intents {
		blocked, reason, err := e.intents.EvaluateOneShot(ctx, dateNY, ei.StrategyID, ei.Symbol, now)
		if err != nil {
			return rec, e.failCycle(ctx, rec, "store/one_shot", err)
		}
		if blocked {
			rec.Actions.Skipped = append(rec.Actions.Skipped, ledger.SkippedAction{
				StrategyID: ei.StrategyID, Symbol: ei.Symbol, Reason: reason,
			})
			consumed = append(consumed, ledger.ConsumedEntry{
				StrategyID: ei.StrategyID, Symbol: ei.Symbol,
				Outcome: "skipped", Reason: reason, ConsumedTS: now,
			})
			continue
		}
		entryBySymbol[ei.Symbol] = ei
		refPrices[ei.Symbol] = ei.RefPrice
		tradeIntents = append(tradeIntents, schema.TradeIntentFromEntry(ei, e.cfg.IntentValidFor()))
	}
	rec.IntentsSeen = tradeIntents

	open, err := e.store.ListPositions(ctx)
	if err != nil {
		return rec, e.failCycle(ctx, rec, "store/positions", err)
	}

	decision := arbiter.New(arbiter.Constraints{
		MaxPositions:            e.cfg.MaxPositions,
		MaxPositionsPerStrategy: e.cfg.MaxPositionsPerStrategy,
		MaxSymbolConcentration:  e.cfg.MaxSymbolConcentration,
		ShadowStrategies:        e.cfg.ShadowStrategies,
	}, e.log).Arbitrate(ctx, arbiter.Inputs{
		RunID:         rec.RunID,
		DateNY:        dateNY,
		Now:           now,
		Intents:       tradeIntents,
		OpenPositions: open,
	})
	rec.Decision = &decision
	rec.Inputs.Constraints = decision.Constraints
	for _, rej := range decision.RejectedIntents {
		rec.Actions.Skipped = append(rec.Actions.Skipped, ledger.SkippedAction{
			StrategyID: rej.Intent.StrategyID,
			Symbol:     rej.Intent.Symbol,
			Reason:     rej.RejectionReason,
		})
		consumed = append(consumed, ledger.ConsumedEntry{
			StrategyID: rej.Intent.StrategyID, Symbol: rej.Intent.Symbol,
			Outcome: "skipped", Reason: rej.RejectionReason, ConsumedTS: now,
		})
	}

	enforced := sleeve.New(e.sleevePolicy, e.log).Enforce(ctx, decision.ApprovedOrders, open, refPrices)
	for _, b := range enforced.Blocked {
		rec.Actions.Skipped = append(rec.Actions.Skipped, ledger.SkippedAction{
			StrategyID: b.Order.StrategyID,
			Symbol:     b.Order.Symbol,
			Reason:     b.ReasonCodes[0],
		})
		consumed = append(consumed, ledger.ConsumedEntry{
			StrategyID: b.Order.StrategyID, Symbol: b.Order.Symbol,
			Outcome: "skipped", Reason: b.ReasonCodes[0], ConsumedTS: now,
		})
	}

	batch := e.submitter.SubmitBatch(ctx, rec.RunID, dateNY, enforced.Approved)
	for _, s := range batch.Submitted {
		rec.Actions.Submitted = append(rec.Actions.Submitted, ledger.SubmittedAction{
			StrategyID:      s.Order.StrategyID,
			Symbol:          s.Order.Symbol,
			Side:            string(s.Order.Side),
			Qty:             s.Order.Qty,
			ExternalOrderID: s.ExternalOrderID,
		})
		consumed = append(consumed, ledger.ConsumedEntry{
			StrategyID: s.Order.StrategyID, Symbol: s.Order.Symbol,
			Outcome: "submitted", ConsumedTS: now,
		})
	}
	for _, s := range batch.Skipped {
		rec.Actions.Skipped = append(rec.Actions.Skipped, ledger.SkippedAction{
			StrategyID: s.Order.StrategyID, Symbol: s.Order.Symbol, Reason: s.Reason,
		})
	}
	for _, f := range batch.Failed {
		rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
			Origin: "submit/order", Symbol: f.Order.Symbol, Error: f.Error,
		})
	}

	e.applyFills(ctx, book, batch.Submitted, entryBySymbol, now)

	if err := execstate.Save(e.cfg.StateDir, book); err != nil {
		rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
			Origin: "execstate/save", Error: err.Error(),
		})
	}
	if err := ledger.AppendConsumedEntries(e.cfg.StateDir, dateNY, consumed); err != nil {
		rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
			Origin: "ledger/consumed", Error: err.Error(),
		})
	}

	rec.Artifacts = []string{
		execstate.SnapshotPath(e.cfg.StateDir, dateNY),
		ledger.ConsumedEntriesPath(e.cfg.StateDir, dateNY),
		e.ledger.DayPath(dateNY),
		e.ledger.LatestPath(),
	}
	if err := e.ledger.Append(rec); err != nil {
		return rec, err
	}

	observability.EngineMetrics().CycleCompleted(ctx, mode)
	e.log.Info("cycle complete",
		observability.F("run_id", rec.RunID),
		observability.F("mode", mode),
		observability.F("submitted", len(rec.Actions.Submitted)),
		observability.F("skipped", len(rec.Actions.Skipped)),
		observability.F("errors", len(rec.Actions.Errors)))
	return rec, nil
}

// failCycle records a store-level failure as the state-store gate block plus
// an action error, writes the partial decision record, and hands the error
// back to the loop. No orders are submitted on such a cycle.
func (e *Engine) failCycle(ctx context.Context, rec *ledger.DecisionRecord, origin string, err error) error {
	rec.Gates.Blocks = append(rec.Gates.Blocks, ledger.GateBlock{
		Code:    GateStateStoreInit,
		Message: err.Error(),
	})
	rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
		Origin: origin, Error: err.Error(),
	})
	observability.EngineMetrics().GateBlocked(ctx, GateStateStoreInit)
	if lerr := e.ledger.Append(rec); lerr != nil {
		e.log.Error("decision record write failed during cycle failure",
			observability.F("run_id", rec.RunID),
			observability.F("error", lerr.Error()))
	}
	return err
}

// captureInputs snapshots the broker account for the decision record. An
// unreachable account endpoint is an action error, not a cycle failure.
func (e *Engine) captureInputs(ctx context.Context, rec *ledger.DecisionRecord) {
	acct, err := e.gateway.Account(ctx)
	if err != nil {
		rec.Actions.Errors = append(rec.Actions.Errors, ledger.ActionError{
			Origin: "broker/account", Error: err.Error(),
		})
		return
	}
	rec.Inputs.AccountEquity = acct.Equity.String()
	rec.Inputs.BuyingPower = acct.BuyingPower.String()
}

// applyFills walks accepted submissions through the symbol state machine and
// reconciles broker holdings into position rows.
func (e *Engine) applyFills(ctx context.Context, book *execstate.Book, submitted []submit.Submitted, entries map[string]schema.EntryIntent, now time.Time) {
	if len(submitted) == 0 {
		return
	}

	held := make(map[string]broker.Position)
	if positions, err := e.gateway.Positions(ctx); err == nil {
		for _, p := range positions {
			held[p.Symbol] = p
		}
	} else {
		e.log.Warn("broker positions unavailable, deferring fill reconciliation",
			observability.F("error", err.Error()))
	}

	for _, s := range submitted {
		sym := s.Order.Symbol
		if s.Order.Side != schema.SideBuy {
			if book.Get(sym).State == execstate.StateOpen {
				if err := book.Transition(sym, execstate.StateExiting, now); err == nil {
					book.RecordExitOrder(sym, s.ExternalOrderID)
				}
			}
			continue
		}

		if book.Get(sym).State == execstate.StateFlat {
			if err := book.Transition(sym, execstate.StateEntering, now); err != nil {
				e.log.Error("state transition rejected",
					observability.F("symbol", sym),
					observability.F("error", err.Error()))
				continue
			}
		}
		book.RecordEntryOrder(sym, s.ExternalOrderID)
		if ei, ok := entries[sym]; ok {
			book.AttachEntryIntent(sym, schema.IdempotencyKey(ei.StrategyID, book.DateNY, sym, schema.SideBuy, ei.SizeShares))
		}

		pos, filled := held[sym]
		if !filled {
			continue
		}
		if err := book.Transition(sym, execstate.StateOpen, now); err != nil {
			continue
		}
		ei := entries[sym]
		if err := e.store.UpsertPosition(ctx, schema.PositionState{
			StrategyID:   s.Order.StrategyID,
			Symbol:       sym,
			SizeShares:   pos.Qty,
			AvgPrice:     pos.AvgPrice,
			PivotLevel:   ei.PivotLevel,
			StopMode:     schema.StopModeOpen,
			StopPrice:    ei.StopLoss,
			HighWater:    pos.AvgPrice,
			LastUpdateTS: now,
		}); err != nil {
			e.log.Error("position upsert failed",
				observability.F("symbol", sym),
				observability.F("error", err.Error()))
		}
	}
}
