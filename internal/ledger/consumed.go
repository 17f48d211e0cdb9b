package ledger

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/atomicfile"
)

// ConsumedEntry marks one entry intent taken off the schedule, whether it
// turned into an order or was skipped with a reason.
type ConsumedEntry struct {
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Outcome    string    `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	ConsumedTS time.Time `json:"consumed_ts"`
}

// ConsumedEntriesPath returns the per-day consumed-entries file path.
func ConsumedEntriesPath(stateDir, dateNY string) string {
	return filepath.Join(stateDir, "consumed_entries_"+dateNY+".json")
}

// LoadConsumedEntries reads the day's consumed entries; a missing file is
// an empty day.
func LoadConsumedEntries(stateDir, dateNY string) ([]ConsumedEntry, error) {
	raw, err := os.ReadFile(ConsumedEntriesPath(stateDir, dateNY))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []ConsumedEntry
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AppendConsumedEntries merges new entries into the day's file and rewrites
// it atomically, sorted by (symbol, strategy_id, consumed_ts).
func AppendConsumedEntries(stateDir, dateNY string, entries []ConsumedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	existing, err := LoadConsumedEntries(stateDir, dateNY)
	if err != nil {
		return errs.New("ledger/consumed", errs.CodeLedgerWrite, errs.WithCause(err))
	}
	merged := append(existing, entries...)
	sort.Slice(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		return a.ConsumedTS.Before(b.ConsumedTS)
	})

	raw, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return errs.New("ledger/consumed", errs.CodeLedgerWrite, errs.WithCause(err))
	}
	path := ConsumedEntriesPath(stateDir, dateNY)
	if err := atomicfile.WriteFile(path, raw, 0o644); err != nil {
		return errs.New("ledger/consumed", errs.CodeLedgerWrite,
			errs.WithField("path", path), errs.WithCause(err))
	}
	return nil
}
