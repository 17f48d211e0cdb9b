package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// HasOrderIdempotencyKey reports whether the key was ever recorded. A true
// result is permanent: the order must never be submitted again.
func (s *Store) HasOrderIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_ledger WHERE idempotency_key = ?;`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check idempotency key: %w", err)
	}
	return n > 0, nil
}

// RecordOrderOnce inserts the ledger row for entry's idempotency key and
// reports whether the order is novel. The unique primary key makes the
// insert atomic-or-ignored; a false return means some earlier cycle (or
// process) already recorded the key.
func (s *Store) RecordOrderOnce(ctx context.Context, entry schema.OrderLedgerEntry) (bool, error) {
	const q = `
INSERT INTO order_ledger (idempotency_key, strategy_id, symbol, side, qty, created_ts, external_order_id)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING;`
	res, err := s.db.ExecContext(ctx, q,
		entry.IdempotencyKey, entry.StrategyID, entry.Symbol, string(entry.Side),
		entry.Qty, unixOrZero(entry.CreatedTS), entry.ExternalOrderID,
	)
	if err != nil {
		return false, fmt.Errorf("record order %s: %w", entry.IdempotencyKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordEntryFill marks that (date, strategy, symbol) filled an entry,
// returning false when the marker already existed. This is the primitive
// behind one-shot-per-symbol suppression.
func (s *Store) RecordEntryFill(ctx context.Context, dateNY, strategyID, symbol string, filledTS time.Time) (bool, error) {
	const q = `
INSERT INTO entry_fills (date_ny, strategy_id, symbol, filled_ts)
VALUES (?, ?, ?, ?)
ON CONFLICT (date_ny, strategy_id, symbol) DO NOTHING;`
	res, err := s.db.ExecContext(ctx, q, dateNY, strategyID, symbol, unixOrZero(filledTS))
	if err != nil {
		return false, fmt.Errorf("record entry fill %s/%s: %w", strategyID, symbol, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetEntryFill returns the fill timestamp recorded for (date, strategy,
// symbol), if any.
func (s *Store) GetEntryFill(ctx context.Context, dateNY, strategyID, symbol string) (time.Time, bool, error) {
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT filled_ts FROM entry_fills WHERE date_ny = ? AND strategy_id = ? AND symbol = ?;`,
		dateNY, strategyID, symbol).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get entry fill %s/%s: %w", strategyID, symbol, err)
	}
	return timeFromUnix(ts), true, nil
}

// OrderSubmission links an accepted broker submission back to the
// arbitration decision that authorized it.
type OrderSubmission struct {
	DecisionID      string      `json:"decision_id"`
	IntentID        string      `json:"intent_id"`
	Symbol          string      `json:"symbol"`
	Side            schema.Side `json:"side"`
	Qty             int64       `json:"qty"`
	ExternalOrderID string      `json:"external_order_id,omitempty"`
	SubmittedTS     time.Time   `json:"submitted_ts"`
}

// RecordOrderSubmission stores the audit linkage row for a submission.
func (s *Store) RecordOrderSubmission(ctx context.Context, sub OrderSubmission) error {
	const q = `
INSERT INTO order_submissions (decision_id, intent_id, symbol, side, qty, external_order_id, submitted_ts)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (decision_id, intent_id, symbol, side) DO NOTHING;`
	_, err := s.db.ExecContext(ctx, q,
		sub.DecisionID, sub.IntentID, sub.Symbol, string(sub.Side),
		sub.Qty, sub.ExternalOrderID, unixOrZero(sub.SubmittedTS),
	)
	if err != nil {
		return fmt.Errorf("record order submission %s/%s: %w", sub.DecisionID, sub.Symbol, err)
	}
	return nil
}

// ListOrderSubmissions returns the submissions recorded for a decision,
// ordered by (symbol, side).
func (s *Store) ListOrderSubmissions(ctx context.Context, decisionID string) ([]OrderSubmission, error) {
	const q = `
SELECT decision_id, intent_id, symbol, side, qty, external_order_id, submitted_ts
FROM order_submissions
WHERE decision_id = ?
ORDER BY symbol, side;`
	rows, err := s.db.QueryContext(ctx, q, decisionID)
	if err != nil {
		return nil, fmt.Errorf("list order submissions: %w", err)
	}
	defer rows.Close()

	var out []OrderSubmission
	for rows.Next() {
		var (
			sub  OrderSubmission
			side string
			ts   int64
		)
		if err := rows.Scan(&sub.DecisionID, &sub.IntentID, &sub.Symbol, &side,
			&sub.Qty, &sub.ExternalOrderID, &ts); err != nil {
			return nil, fmt.Errorf("scan order submission: %w", err)
		}
		sub.Side = schema.Side(side)
		sub.SubmittedTS = timeFromUnix(ts)
		out = append(out, sub)
	}
	return out, rows.Err()
}
