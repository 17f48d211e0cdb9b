package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

const positionColumns = `strategy_id, symbol, size_shares, avg_price, pivot_level, r1_level, r2_level,
       stop_mode, stop_price, high_water, invalidation_count, trimmed_r1, trimmed_r2, last_update_ts`

// UpsertPosition inserts or replaces the position row for (strategy, symbol).
func (s *Store) UpsertPosition(ctx context.Context, p schema.PositionState) error {
	if !p.StopMode.Valid() {
		return errs.New("store", errs.CodeInvalid,
			errs.WithSymbol(p.Symbol),
			errs.WithMessage(fmt.Sprintf("unknown stop mode %q", p.StopMode)))
	}
	const q = `
INSERT INTO positions (` + positionColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (strategy_id, symbol) DO UPDATE SET
    size_shares        = excluded.size_shares,
    avg_price          = excluded.avg_price,
    pivot_level        = excluded.pivot_level,
    r1_level           = excluded.r1_level,
    r2_level           = excluded.r2_level,
    stop_mode          = excluded.stop_mode,
    stop_price         = excluded.stop_price,
    high_water         = excluded.high_water,
    invalidation_count = excluded.invalidation_count,
    trimmed_r1         = excluded.trimmed_r1,
    trimmed_r2         = excluded.trimmed_r2,
    last_update_ts     = excluded.last_update_ts;`
	_, err := s.db.ExecContext(ctx, q,
		p.StrategyID, p.Symbol, p.SizeShares, p.AvgPrice.String(),
		p.PivotLevel.String(), p.R1Level.String(), p.R2Level.String(),
		string(p.StopMode), p.StopPrice.String(), p.HighWater.String(),
		p.InvalidationCount, boolToInt(p.TrimmedR1), boolToInt(p.TrimmedR2),
		unixOrZero(p.LastUpdateTS),
	)
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", p.StrategyID, p.Symbol, err)
	}
	return nil
}

// GetPosition returns the position for (strategy, symbol), if open.
func (s *Store) GetPosition(ctx context.Context, strategyID, symbol string) (schema.PositionState, bool, error) {
	const q = `SELECT ` + positionColumns + ` FROM positions WHERE strategy_id = ? AND symbol = ?;`
	row := s.db.QueryRowContext(ctx, q, strategyID, symbol)
	p, err := scanPosition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return schema.PositionState{}, false, nil
	}
	if err != nil {
		return schema.PositionState{}, false, fmt.Errorf("get position %s/%s: %w", strategyID, symbol, err)
	}
	return p, true, nil
}

// ListPositions returns every open position ordered by (symbol, strategy_id).
func (s *Store) ListPositions(ctx context.Context) ([]schema.PositionState, error) {
	const q = `SELECT ` + positionColumns + ` FROM positions ORDER BY symbol, strategy_id;`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []schema.PositionState
	for rows.Next() {
		p, err := scanPosition(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes the row on flat-out.
func (s *Store) DeletePosition(ctx context.Context, strategyID, symbol string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM positions WHERE strategy_id = ? AND symbol = ?;`, strategyID, symbol)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", strategyID, symbol, err)
	}
	return nil
}

// UpdateStopMode is a narrow, auditable mutation of the stop management
// fields only.
func (s *Store) UpdateStopMode(ctx context.Context, strategyID, symbol string, mode schema.StopMode, stopPrice decimal.Decimal, now time.Time) error {
	if !mode.Valid() {
		return errs.New("store", errs.CodeInvalid,
			errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("unknown stop mode %q", mode)))
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE positions
SET stop_mode = ?, stop_price = ?, last_update_ts = ?
WHERE strategy_id = ? AND symbol = ?;`,
		string(mode), stopPrice.String(), unixOrZero(now), strategyID, symbol)
	if err != nil {
		return fmt.Errorf("update stop mode %s/%s: %w", strategyID, symbol, err)
	}
	return requireRow(res, strategyID, symbol)
}

// MarkTrimmed flags the r1 or r2 trim as taken for the position.
func (s *Store) MarkTrimmed(ctx context.Context, strategyID, symbol, which string, now time.Time) error {
	var column string
	switch which {
	case "r1":
		column = "trimmed_r1"
	case "r2":
		column = "trimmed_r2"
	default:
		return errs.New("store", errs.CodeInvalid,
			errs.WithSymbol(symbol),
			errs.WithMessage(fmt.Sprintf("unknown trim level %q", which)))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE positions SET `+column+` = 1, last_update_ts = ? WHERE strategy_id = ? AND symbol = ?;`,
		unixOrZero(now), strategyID, symbol)
	if err != nil {
		return fmt.Errorf("mark trimmed %s/%s: %w", strategyID, symbol, err)
	}
	return requireRow(res, strategyID, symbol)
}

func requireRow(res sql.Result, strategyID, symbol string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errs.New("store", errs.CodeNotFound,
			errs.WithSymbol(symbol),
			errs.WithField("strategy", strategyID),
			errs.WithMessage("position not open"))
	}
	return nil
}

func scanPosition(scan func(...any) error) (schema.PositionState, error) {
	var (
		p                          schema.PositionState
		avg, pivot, r1, r2, sp, hw string
		mode                       string
		trimmedR1, trimmedR2       int
		lastUpdate                 int64
	)
	if err := scan(
		&p.StrategyID, &p.Symbol, &p.SizeShares, &avg, &pivot, &r1, &r2,
		&mode, &sp, &hw, &p.InvalidationCount, &trimmedR1, &trimmedR2, &lastUpdate,
	); err != nil {
		return schema.PositionState{}, err
	}
	var err error
	if p.AvgPrice, err = decimal.NewFromString(avg); err != nil {
		return schema.PositionState{}, fmt.Errorf("avg_price: %w", err)
	}
	if p.PivotLevel, err = decimal.NewFromString(pivot); err != nil {
		return schema.PositionState{}, fmt.Errorf("pivot_level: %w", err)
	}
	if p.R1Level, err = decimal.NewFromString(r1); err != nil {
		return schema.PositionState{}, fmt.Errorf("r1_level: %w", err)
	}
	if p.R2Level, err = decimal.NewFromString(r2); err != nil {
		return schema.PositionState{}, fmt.Errorf("r2_level: %w", err)
	}
	if p.StopPrice, err = decimal.NewFromString(sp); err != nil {
		return schema.PositionState{}, fmt.Errorf("stop_price: %w", err)
	}
	if p.HighWater, err = decimal.NewFromString(hw); err != nil {
		return schema.PositionState{}, fmt.Errorf("high_water: %w", err)
	}
	p.StopMode = schema.StopMode(mode)
	p.TrimmedR1 = trimmedR1 != 0
	p.TrimmedR2 = trimmedR2 != 0
	p.LastUpdateTS = timeFromUnix(lastUpdate)
	return p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
