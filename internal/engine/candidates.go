package engine

import (
	"context"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/execstate"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/ledger"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// CandidateRow is one line of the strategies' candidate file: a candidate
// plus the pre-sized share count. Sizing is upstream's job; rows without a
// positive size are recorded and skipped, never guessed at.
type CandidateRow struct {
	schema.Candidate
	SizeShares int64 `json:"size_shares"`
}

// loadCandidatesFile reads the candidate list and its mtime for the decision
// record. A missing file is an empty list, not an error.
func loadCandidatesFile(path string) ([]CandidateRow, time.Time, error) {
	if path == "" {
		return nil, time.Time{}, nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	var rows []CandidateRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, info.ModTime(), err
	}
	return rows, info.ModTime(), nil
}

// scheduleFromCandidates upserts the file's candidates into the store and
// creates entry intents for the ones nothing else is already handling: no
// open position, no live intent, symbol FLAT, and one-shot not engaged.
// Returns the skips for the decision record.
func (e *Engine) scheduleFromCandidates(ctx context.Context, rows []CandidateRow, book *execstate.Book, now time.Time, dateNY string) []ledger.SkippedAction {
	var skipped []ledger.SkippedAction

	for _, row := range rows {
		c := row.Candidate
		if c.AddedAt.IsZero() {
			c.AddedAt = now
		}
		if c.ExpiresAt.IsZero() {
			c.ExpiresAt = marketClose(now)
		}
		if err := e.store.UpsertCandidate(ctx, c); err != nil {
			e.log.Error("candidate upsert failed",
				observability.F("symbol", c.Symbol),
				observability.F("error", err.Error()))
			continue
		}
	}

	active, err := e.store.ListActiveCandidates(ctx, now)
	if err != nil {
		e.log.Error("list active candidates failed", observability.F("error", err.Error()))
		return skipped
	}
	sizes := make(map[string]int64, len(rows))
	for _, row := range rows {
		sizes[row.StrategyID+"|"+row.Symbol] = row.SizeShares
	}

	for _, c := range active {
		size := sizes[c.StrategyID+"|"+c.Symbol]
		if size <= 0 {
			skipped = append(skipped, ledger.SkippedAction{
				StrategyID: c.StrategyID, Symbol: c.Symbol, Reason: "unsized_candidate",
			})
			continue
		}
		if book.Get(c.Symbol).State != execstate.StateFlat {
			continue
		}
		if _, held, err := e.store.GetPosition(ctx, c.StrategyID, c.Symbol); err != nil || held {
			continue
		}
		if _, live, err := e.store.GetEntryIntent(ctx, c.Symbol); err != nil || live {
			continue
		}
		blocked, reason, err := e.intents.EvaluateOneShot(ctx, dateNY, c.StrategyID, c.Symbol, now)
		if err != nil {
			e.log.Error("one-shot evaluation failed",
				observability.F("symbol", c.Symbol),
				observability.F("error", err.Error()))
			continue
		}
		if blocked {
			skipped = append(skipped, ledger.SkippedAction{
				StrategyID: c.StrategyID, Symbol: c.Symbol, Reason: reason,
			})
			continue
		}

		draft := schema.EntryIntent{
			StrategyID:     c.StrategyID,
			Symbol:         c.Symbol,
			PivotLevel:     c.PivotLevel,
			BOHConfirmedAt: now,
			SizeShares:     size,
			StopLoss:       c.StopLevel,
			TakeProfit:     c.PivotLevel.Mul(takeProfitMultiple),
			RefPrice:       c.EntryLevel,
			DistPct:        distancePct(c.EntryLevel, c.PivotLevel),
		}
		if _, err := e.intents.ScheduleEntry(ctx, draft, now, dateNY); err != nil {
			e.log.Error("entry intent scheduling failed",
				observability.F("symbol", c.Symbol),
				observability.F("error", err.Error()))
		}
	}
	return skipped
}
