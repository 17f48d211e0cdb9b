// Package submit turns an enforced decision's approved orders into broker
// submissions, with ledger-backed dedup. The contract: for a given
// (strategy, NY date, symbol, side, qty) at most one order is ever
// submitted, across crashes and across repeated polling of the same intent.
package submit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/broker"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/store"
)

// SkipDuplicate marks an order whose idempotency key already has a ledger row.
const SkipDuplicate = "duplicate_idempotency_key"

// Submitted records one accepted broker submission.
type Submitted struct {
	Order           schema.OrderSpec `json:"order"`
	ExternalOrderID string           `json:"external_order_id"`
}

// Skipped records one order suppressed before reaching the broker.
type Skipped struct {
	Order  schema.OrderSpec `json:"order"`
	Reason string           `json:"reason"`
}

// Failed records one order whose broker call errored. The failure is
// isolated: sibling orders still get their attempt, and the order itself is
// retried on a later cycle because no ledger row was written.
type Failed struct {
	Order schema.OrderSpec `json:"order"`
	Error string           `json:"error"`
}

// BatchResult is the outcome of one cycle's submission pass, each list in
// (symbol, strategy) order.
type BatchResult struct {
	Submitted []Submitted `json:"submitted"`
	Skipped   []Skipped   `json:"skipped"`
	Failed    []Failed    `json:"errors"`
}

// Submitter drives idempotent batch submission against the broker gateway.
type Submitter struct {
	store       *store.Store
	gateway     broker.OrderGateway
	log         observability.Logger
	parallelism int

	// storeMu serializes every store write while broker calls fan out.
	storeMu sync.Mutex
}

// New wires a submitter. Parallelism bounds the number of in-flight broker
// calls; values below one are treated as serial.
func New(st *store.Store, gateway broker.OrderGateway, parallelism int, logger observability.Logger) *Submitter {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Submitter{store: st, gateway: gateway, log: logger, parallelism: parallelism}
}

// SubmitBatch submits every approved order, fanning out across symbols so a
// slow broker call cannot starve the rest of the batch. Store writes are
// serialized behind a single mutex; the broker calls are the only concurrent
// part. decisionID links the audit rows back to the authorizing decision.
func (s *Submitter) SubmitBatch(ctx context.Context, decisionID, dateNY string, orders []schema.OrderSpec) BatchResult {
	var (
		mu  sync.Mutex
		res BatchResult
	)

	p := pool.New().WithMaxGoroutines(s.parallelism)
	for _, o := range orders {
		p.Go(func() {
			outcome, extID, err := s.submitOne(ctx, decisionID, dateNY, o)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed = append(res.Failed, Failed{Order: o, Error: err.Error()})
			case outcome != "":
				res.Skipped = append(res.Skipped, Skipped{Order: o, Reason: outcome})
			default:
				res.Submitted = append(res.Submitted, Submitted{Order: o, ExternalOrderID: extID})
			}
		})
	}
	p.Wait()

	sortResult(&res)
	s.log.Info("submission batch complete",
		observability.F("decision_id", decisionID),
		observability.F("submitted", len(res.Submitted)),
		observability.F("skipped", len(res.Skipped)),
		observability.F("errors", len(res.Failed)))
	return res
}

// submitOne returns a non-empty skip reason, an external order id, or an
// error. Exactly one of the three outcomes applies.
func (s *Submitter) submitOne(ctx context.Context, decisionID, dateNY string, o schema.OrderSpec) (string, string, error) {
	seen, err := s.hasKey(ctx, o.IdempotencyKey)
	if err != nil {
		return "", "", err
	}
	if seen {
		s.log.Debug("order already in ledger, skipping",
			observability.F("symbol", o.Symbol),
			observability.F("key", o.IdempotencyKey))
		return SkipDuplicate, "", nil
	}

	extID, err := s.gateway.SubmitOrder(ctx, o)
	if err != nil {
		s.log.Error("broker submission failed",
			observability.F("symbol", o.Symbol),
			observability.F("error", err.Error()))
		return "", "", errs.New("submit/order", errs.CodeSubmission,
			errs.WithSymbol(o.Symbol), errs.WithCause(err))
	}

	if err := s.recordAccepted(ctx, decisionID, dateNY, o, extID); err != nil {
		return "", "", err
	}
	observability.EngineMetrics().OrderSubmitted(ctx, o.StrategyID)
	return "", extID, nil
}

func (s *Submitter) hasKey(ctx context.Context, key string) (bool, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()
	return s.store.HasOrderIdempotencyKey(ctx, key)
}

// recordAccepted persists the ledger row, the audit linkage, and the entry
// fill marker for an accepted order, under the store mutex.
func (s *Submitter) recordAccepted(ctx context.Context, decisionID, dateNY string, o schema.OrderSpec, extID string) error {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	now := time.Now().UTC()
	novel, err := s.store.RecordOrderOnce(ctx, schema.OrderLedgerEntry{
		IdempotencyKey:  o.IdempotencyKey,
		StrategyID:      o.StrategyID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Qty:             o.Qty,
		CreatedTS:       now,
		ExternalOrderID: extID,
	})
	if err != nil {
		return err
	}
	if !novel {
		s.log.Warn("ledger row already present for accepted order",
			observability.F("symbol", o.Symbol),
			observability.F("key", o.IdempotencyKey))
	}

	if err := s.store.RecordOrderSubmission(ctx, store.OrderSubmission{
		DecisionID:      decisionID,
		IntentID:        o.IdempotencyKey,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Qty:             o.Qty,
		ExternalOrderID: extID,
		SubmittedTS:     now,
	}); err != nil {
		return err
	}

	if o.Side == schema.SideBuy {
		if _, err := s.store.RecordEntryFill(ctx, dateNY, o.StrategyID, o.Symbol, now); err != nil {
			return err
		}
	}
	return nil
}

// sortResult puts each outcome list into (symbol, strategy) order so the
// decision record serializes identically regardless of goroutine timing.
func sortResult(res *BatchResult) {
	sort.Slice(res.Submitted, func(i, j int) bool {
		return orderLess(res.Submitted[i].Order, res.Submitted[j].Order)
	})
	sort.Slice(res.Skipped, func(i, j int) bool {
		return orderLess(res.Skipped[i].Order, res.Skipped[j].Order)
	})
	sort.Slice(res.Failed, func(i, j int) bool {
		return orderLess(res.Failed[i].Order, res.Failed[j].Order)
	})
}

func orderLess(a, b schema.OrderSpec) bool {
	if a.Symbol != b.Symbol {
		return a.Symbol < b.Symbol
	}
	return a.StrategyID < b.StrategyID
}
