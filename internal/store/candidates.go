package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// UpsertCandidate inserts or replaces a strategy candidate row.
func (s *Store) UpsertCandidate(ctx context.Context, c schema.Candidate) error {
	const q = `
INSERT INTO candidates (strategy_id, symbol, pivot_level, entry_level, stop_level, added_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (strategy_id, symbol) DO UPDATE SET
    pivot_level = excluded.pivot_level,
    entry_level = excluded.entry_level,
    stop_level  = excluded.stop_level,
    added_at    = excluded.added_at,
    expires_at  = excluded.expires_at;`
	_, err := s.db.ExecContext(ctx, q,
		c.StrategyID, c.Symbol,
		c.PivotLevel.String(), c.EntryLevel.String(), c.StopLevel.String(),
		unixOrZero(c.AddedAt), unixOrZero(c.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("upsert candidate %s/%s: %w", c.StrategyID, c.Symbol, err)
	}
	return nil
}

// ListActiveCandidates returns candidates whose visibility window contains
// now, ordered by (strategy_id, symbol). Expired candidates become invisible
// without being deleted; GCExpiredCandidates removes them later.
func (s *Store) ListActiveCandidates(ctx context.Context, now time.Time) ([]schema.Candidate, error) {
	const q = `
SELECT strategy_id, symbol, pivot_level, entry_level, stop_level, added_at, expires_at
FROM candidates
WHERE added_at <= ? AND expires_at > ?
ORDER BY strategy_id, symbol;`
	ts := unixOrZero(now)
	rows, err := s.db.QueryContext(ctx, q, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("list active candidates: %w", err)
	}
	defer rows.Close()

	var out []schema.Candidate
	for rows.Next() {
		var (
			c                  schema.Candidate
			pivot, entry, stop string
			addedAt, expiresAt int64
		)
		if err := rows.Scan(&c.StrategyID, &c.Symbol, &pivot, &entry, &stop, &addedAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		if c.PivotLevel, err = decimal.NewFromString(pivot); err != nil {
			return nil, fmt.Errorf("candidate %s: pivot_level: %w", c.Symbol, err)
		}
		if c.EntryLevel, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("candidate %s: entry_level: %w", c.Symbol, err)
		}
		if c.StopLevel, err = decimal.NewFromString(stop); err != nil {
			return nil, fmt.Errorf("candidate %s: stop_level: %w", c.Symbol, err)
		}
		c.AddedAt = timeFromUnix(addedAt)
		c.ExpiresAt = timeFromUnix(expiresAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// GCExpiredCandidates physically deletes candidates expired for longer than
// keepFor and returns the number removed.
func (s *Store) GCExpiredCandidates(ctx context.Context, now time.Time, keepFor time.Duration) (int64, error) {
	const q = `DELETE FROM candidates WHERE expires_at <= ?;`
	cutoff := unixOrZero(now) - int64(keepFor.Seconds())
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gc expired candidates: %w", err)
	}
	return res.RowsAffected()
}
