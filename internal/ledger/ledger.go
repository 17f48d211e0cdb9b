// Package ledger persists the audit trail: one canonical decision record
// per cycle, appended to a date-partitioned JSONL file and mirrored into a
// single latest-pointer file. Records are canonicalized before writing so
// logically identical decisions serialize byte-identically.
package ledger

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/atomicfile"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

const (
	decisionsDir = "PORTFOLIO_DECISIONS"
	latestFile   = "portfolio_decision_latest.json"
)

// CycleMeta identifies the process and loop that produced a record.
type CycleMeta struct {
	PID             int     `json:"pid"`
	Hostname        string  `json:"hostname"`
	LoopIntervalSec float64 `json:"loop_interval_sec"`
}

// Inputs captures everything the cycle consumed.
type Inputs struct {
	CandidatesFile  string                     `json:"candidates_file,omitempty"`
	CandidatesMTime time.Time                  `json:"candidates_mtime"`
	AccountEquity   string                     `json:"account_equity,omitempty"`
	BuyingPower     string                     `json:"buying_power,omitempty"`
	Constraints     schema.ConstraintsSnapshot `json:"constraints_snapshot"`
}

// GateBlock is one entry-side gate that stopped part of the cycle.
type GateBlock struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SkippedAction is an intent or order that was deliberately not executed.
type SkippedAction struct {
	StrategyID string `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Reason     string `json:"reason"`
}

// ActionError is a failure that occurred while acting, with its origin.
type ActionError struct {
	Origin string `json:"origin"`
	Symbol string `json:"symbol,omitempty"`
	Error  string `json:"error"`
}

// SubmittedAction is one accepted broker submission.
type SubmittedAction struct {
	StrategyID      string `json:"strategy_id"`
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Qty             int64  `json:"qty"`
	ExternalOrderID string `json:"external_order_id"`
}

// Gates groups every block encountered during the cycle.
type Gates struct {
	Blocks []GateBlock `json:"blocks"`
}

// Actions groups everything the cycle did or declined to do.
type Actions struct {
	Submitted []SubmittedAction `json:"submitted"`
	Skipped   []SkippedAction   `json:"skipped"`
	Errors    []ActionError     `json:"errors"`
}

// DecisionRecord is the audit-grade snapshot of one execution cycle.
// Nothing that happened in a cycle is allowed to stay out of it.
type DecisionRecord struct {
	RunID       string                    `json:"run_id"`
	DateNY      string                    `json:"date_ny"`
	TSUTC       time.Time                 `json:"ts_utc"`
	Mode        string                    `json:"mode"`
	Cycle       CycleMeta                 `json:"cycle"`
	Inputs      Inputs                    `json:"inputs"`
	IntentsSeen []schema.TradeIntent      `json:"intents_seen"`
	Gates       Gates                     `json:"gates"`
	Actions     Actions                   `json:"actions"`
	Decision    *schema.PortfolioDecision `json:"decision,omitempty"`
	Artifacts   []string                  `json:"artifacts"`
}

// Canonicalize sorts every list field by its fixed key tuple. Two records
// built from the same logical content marshal to the same bytes afterwards.
func (r *DecisionRecord) Canonicalize() {
	sort.Slice(r.IntentsSeen, func(i, j int) bool {
		a, b := r.IntentsSeen[i], r.IntentsSeen[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.StrategyID < b.StrategyID
	})
	sort.Slice(r.Gates.Blocks, func(i, j int) bool {
		a, b := r.Gates.Blocks[i], r.Gates.Blocks[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
	sort.Slice(r.Actions.Submitted, func(i, j int) bool {
		a, b := r.Actions.Submitted[i], r.Actions.Submitted[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.StrategyID < b.StrategyID
	})
	sort.Slice(r.Actions.Skipped, func(i, j int) bool {
		a, b := r.Actions.Skipped[i], r.Actions.Skipped[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		return a.Reason < b.Reason
	})
	sort.Slice(r.Actions.Errors, func(i, j int) bool {
		a, b := r.Actions.Errors[i], r.Actions.Errors[j]
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Origin < b.Origin
	})
	sort.Strings(r.Artifacts)
}

// Writer appends decision records under a ledger root directory.
type Writer struct {
	root string
	log  observability.Logger
}

// NewWriter builds a writer rooted at dir.
func NewWriter(dir string, logger observability.Logger) *Writer {
	if logger == nil {
		logger = observability.Log()
	}
	return &Writer{root: dir, log: logger}
}

// DayPath returns the JSONL ledger path for a NY date.
func (w *Writer) DayPath(dateNY string) string {
	return filepath.Join(w.root, decisionsDir, dateNY+".jsonl")
}

// LatestPath returns the latest-pointer file path.
func (w *Writer) LatestPath() string {
	return filepath.Join(w.root, latestFile)
}

// Append canonicalizes the record, appends it to the day's JSONL file, and
// rewrites the latest pointer. Both writes are atomic replacements; a
// failure leaves the previous versions intact.
func (w *Writer) Append(rec *DecisionRecord) error {
	rec.Canonicalize()

	line, err := json.Marshal(rec)
	if err != nil {
		return errs.New("ledger/append", errs.CodeLedgerWrite, errs.WithCause(err))
	}
	dayPath := w.DayPath(rec.DateNY)
	if err := atomicfile.AppendLine(dayPath, line, 0o644); err != nil {
		return errs.New("ledger/append", errs.CodeLedgerWrite,
			errs.WithField("path", dayPath), errs.WithCause(err))
	}

	pretty, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errs.New("ledger/latest", errs.CodeLedgerWrite, errs.WithCause(err))
	}
	if err := atomicfile.WriteFile(w.LatestPath(), pretty, 0o644); err != nil {
		return errs.New("ledger/latest", errs.CodeLedgerWrite,
			errs.WithField("path", w.LatestPath()), errs.WithCause(err))
	}

	w.log.Debug("decision record persisted",
		observability.F("run_id", rec.RunID),
		observability.F("date", rec.DateNY),
		observability.F("path", dayPath))
	return nil
}

// ReadDay loads every record appended for a NY date, in append order.
func (w *Writer) ReadDay(dateNY string) ([]DecisionRecord, error) {
	f, err := os.Open(w.DayPath(dateNY))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []DecisionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec DecisionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}
