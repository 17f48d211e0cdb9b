package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Candidate is a strategy-provided symbol with its pivot and protective levels.
// Candidates are visible only inside their [AddedAt, ExpiresAt) window.
type Candidate struct {
	StrategyID string          `json:"strategy_id"`
	Symbol     string          `json:"symbol"`
	PivotLevel decimal.Decimal `json:"pivot_level"`
	EntryLevel decimal.Decimal `json:"entry_level"`
	StopLevel  decimal.Decimal `json:"stop_level"`
	AddedAt    time.Time       `json:"added_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
}

// EntryIntent is a proposed, not yet submitted order to open a position,
// carrying a scheduled execution time. At most one live intent exists per
// symbol; re-evaluation overwrites it.
type EntryIntent struct {
	StrategyID       string          `json:"strategy_id"`
	Symbol           string          `json:"symbol"`
	PivotLevel       decimal.Decimal `json:"pivot_level"`
	BOHConfirmedAt   time.Time       `json:"boh_confirmed_at"`
	ScheduledEntryAt time.Time       `json:"scheduled_entry_at"`
	SizeShares       int64           `json:"size_shares"`
	StopLoss         decimal.Decimal `json:"stop_loss"`
	TakeProfit       decimal.Decimal `json:"take_profit"`
	RefPrice         decimal.Decimal `json:"ref_price"`
	DistPct          decimal.Decimal `json:"dist_pct"`
}

// Validate checks the structural invariants of an entry intent.
func (i EntryIntent) Validate() error {
	if strings.TrimSpace(i.StrategyID) == "" {
		return fmt.Errorf("entry intent: strategy_id required")
	}
	if strings.TrimSpace(i.Symbol) == "" {
		return fmt.Errorf("entry intent: symbol required")
	}
	if i.SizeShares <= 0 {
		return fmt.Errorf("entry intent %s: size_shares must be positive", i.Symbol)
	}
	if i.ScheduledEntryAt.Before(i.BOHConfirmedAt) {
		return fmt.Errorf("entry intent %s: scheduled_entry_at precedes boh_confirmed_at", i.Symbol)
	}
	return nil
}

// TradeIntent is the immutable arbitration input derived 1:1 from an entry
// intent or produced directly by a strategy.
type TradeIntent struct {
	StrategyID  string    `json:"strategy_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Qty         int64     `json:"qty"`
	IntentTS    time.Time `json:"intent_ts_utc"`
	ValidUntil  time.Time `json:"valid_until_ts_utc"`
	ReasonCodes []string  `json:"reason_codes,omitempty"`
	RiskTags    []string  `json:"risk_tags,omitempty"`
	SleeveID    string    `json:"sleeve_id,omitempty"`
}

// TradeIntentFromEntry converts a due entry intent into its arbitration form.
func TradeIntentFromEntry(e EntryIntent, validFor time.Duration) TradeIntent {
	return TradeIntent{
		StrategyID: e.StrategyID,
		Symbol:     e.Symbol,
		Side:       SideBuy,
		Qty:        e.SizeShares,
		IntentTS:   e.ScheduledEntryAt,
		ValidUntil: e.ScheduledEntryAt.Add(validFor),
		SleeveID:   e.StrategyID,
	}
}
