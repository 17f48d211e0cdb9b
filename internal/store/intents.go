package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

const entryIntentColumns = `symbol, strategy_id, pivot_level, boh_confirmed_at, scheduled_entry_at,
       size_shares, stop_loss, take_profit, ref_price, dist_pct`

// PurgeStats reports what a TTL purge removed, for the decision record.
type PurgeStats struct {
	Purged       int64     `json:"purged"`
	OldestAgeSec float64   `json:"oldest_age_sec"`
	MinScheduled time.Time `json:"min_scheduled_at"`
	MaxScheduled time.Time `json:"max_scheduled_at"`
}

// PutEntryIntent stores the live intent for a symbol, overwriting any
// previous one. The symbol is the primary key: re-evaluation replaces.
func (s *Store) PutEntryIntent(ctx context.Context, intent schema.EntryIntent) error {
	if err := intent.Validate(); err != nil {
		return err
	}
	const q = `
INSERT INTO entry_intents (` + entryIntentColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol) DO UPDATE SET
    strategy_id        = excluded.strategy_id,
    pivot_level        = excluded.pivot_level,
    boh_confirmed_at   = excluded.boh_confirmed_at,
    scheduled_entry_at = excluded.scheduled_entry_at,
    size_shares        = excluded.size_shares,
    stop_loss          = excluded.stop_loss,
    take_profit        = excluded.take_profit,
    ref_price          = excluded.ref_price,
    dist_pct           = excluded.dist_pct;`
	_, err := s.db.ExecContext(ctx, q,
		intent.Symbol, intent.StrategyID, intent.PivotLevel.String(),
		unixOrZero(intent.BOHConfirmedAt), unixOrZero(intent.ScheduledEntryAt),
		intent.SizeShares, intent.StopLoss.String(), intent.TakeProfit.String(),
		intent.RefPrice.String(), intent.DistPct.String(),
	)
	if err != nil {
		return fmt.Errorf("put entry intent %s: %w", intent.Symbol, err)
	}
	return nil
}

// GetEntryIntent returns the live intent for symbol, if any.
func (s *Store) GetEntryIntent(ctx context.Context, symbol string) (schema.EntryIntent, bool, error) {
	const q = `SELECT ` + entryIntentColumns + ` FROM entry_intents WHERE symbol = ?;`
	row := s.db.QueryRowContext(ctx, q, symbol)
	intent, err := scanEntryIntent(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.EntryIntent{}, false, nil
	}
	if err != nil {
		return schema.EntryIntent{}, false, fmt.Errorf("get entry intent %s: %w", symbol, err)
	}
	return intent, true, nil
}

// PopDueEntryIntents atomically reads and deletes every intent whose
// scheduled time is at or before now, ordered by scheduled_entry_at
// ascending. Safe to call every cycle, including when nothing is due.
func (s *Store) PopDueEntryIntents(ctx context.Context, now time.Time) ([]schema.EntryIntent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("pop due intents: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `SELECT ` + entryIntentColumns + `
FROM entry_intents
WHERE scheduled_entry_at <= ?
ORDER BY scheduled_entry_at ASC, symbol ASC;`
	rows, err := tx.QueryContext(ctx, sel, unixOrZero(now))
	if err != nil {
		return nil, fmt.Errorf("pop due intents: select: %w", err)
	}

	var due []schema.EntryIntent
	for rows.Next() {
		intent, err := scanEntryIntent(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("pop due intents: scan: %w", err)
		}
		due = append(due, intent)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("pop due intents: %w", err)
	}
	rows.Close()

	if len(due) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entry_intents WHERE scheduled_entry_at <= ?;`, unixOrZero(now)); err != nil {
		return nil, fmt.Errorf("pop due intents: delete: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("pop due intents: commit: %w", err)
	}
	return due, nil
}

// CountDueEntryIntents reports how many intents are currently due.
func (s *Store) CountDueEntryIntents(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entry_intents WHERE scheduled_entry_at <= ?;`, unixOrZero(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due intents: %w", err)
	}
	return n, nil
}

// PurgeStaleEntryIntents deletes intents whose age strictly exceeds ttl and
// reports what was removed. An intent aged exactly ttl survives. Runs
// unconditionally every cycle, independent of market-open state, and always
// before due evaluation so a stale intent can never be submitted.
func (s *Store) PurgeStaleEntryIntents(ctx context.Context, now time.Time, ttl time.Duration) (PurgeStats, error) {
	cutoff := now.Add(-ttl)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("purge stale intents: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		count    int64
		minSched sql.NullInt64
		maxSched sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
SELECT COUNT(*), MIN(scheduled_entry_at), MAX(scheduled_entry_at)
FROM entry_intents
WHERE scheduled_entry_at < ?;`, unixOrZero(cutoff)).Scan(&count, &minSched, &maxSched)
	if err != nil {
		return PurgeStats{}, fmt.Errorf("purge stale intents: inspect: %w", err)
	}

	stats := PurgeStats{Purged: count}
	if minSched.Valid {
		stats.MinScheduled = timeFromUnix(minSched.Int64)
		stats.OldestAgeSec = now.Sub(stats.MinScheduled).Seconds()
	}
	if maxSched.Valid {
		stats.MaxScheduled = timeFromUnix(maxSched.Int64)
	}

	if count > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entry_intents WHERE scheduled_entry_at < ?;`, unixOrZero(cutoff)); err != nil {
			return PurgeStats{}, fmt.Errorf("purge stale intents: delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return PurgeStats{}, fmt.Errorf("purge stale intents: commit: %w", err)
	}
	return stats, nil
}

// RescheduleDueEntryIntents pushes only the currently-due intents to
// newScheduledAt, leaving future-scheduled intents untouched. Used when an
// entry gate defers execution instead of dropping the intents.
func (s *Store) RescheduleDueEntryIntents(ctx context.Context, now, newScheduledAt time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE entry_intents
SET scheduled_entry_at = ?
WHERE scheduled_entry_at <= ?;`, unixOrZero(newScheduledAt), unixOrZero(now))
	if err != nil {
		return 0, fmt.Errorf("reschedule due intents: %w", err)
	}
	return res.RowsAffected()
}

func scanEntryIntent(scan func(...any) error) (schema.EntryIntent, error) {
	var (
		intent                       schema.EntryIntent
		pivot, stop, take, ref, dist string
		bohConfirmedAt, scheduledAt  int64
	)
	if err := scan(
		&intent.Symbol, &intent.StrategyID, &pivot, &bohConfirmedAt, &scheduledAt,
		&intent.SizeShares, &stop, &take, &ref, &dist,
	); err != nil {
		return schema.EntryIntent{}, err
	}
	var err error
	if intent.PivotLevel, err = decimal.NewFromString(pivot); err != nil {
		return schema.EntryIntent{}, fmt.Errorf("pivot_level: %w", err)
	}
	if intent.StopLoss, err = decimal.NewFromString(stop); err != nil {
		return schema.EntryIntent{}, fmt.Errorf("stop_loss: %w", err)
	}
	if intent.TakeProfit, err = decimal.NewFromString(take); err != nil {
		return schema.EntryIntent{}, fmt.Errorf("take_profit: %w", err)
	}
	if intent.RefPrice, err = decimal.NewFromString(ref); err != nil {
		return schema.EntryIntent{}, fmt.Errorf("ref_price: %w", err)
	}
	if intent.DistPct, err = decimal.NewFromString(dist); err != nil {
		return schema.EntryIntent{}, fmt.Errorf("dist_pct: %w", err)
	}
	intent.BOHConfirmedAt = timeFromUnix(bohConfirmedAt)
	intent.ScheduledEntryAt = timeFromUnix(scheduledAt)
	return intent, nil
}
