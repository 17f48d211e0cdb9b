package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rejection reasons produced by portfolio arbitration, in pipeline order.
const (
	RejectInvalidIntent       = "invalid_intent"
	RejectShadowStrategy      = "shadow_strategy"
	RejectStaleIntent         = "stale_intent"
	RejectSymbolConflict      = "symbol_conflict"
	RejectSymbolConcentration = "symbol_concentration"
	RejectMaxPositions        = "max_positions"
	RejectMaxPerStrategy      = "max_positions_per_strategy"
)

// Reason codes produced by strategy sleeve enforcement.
const (
	SleeveMissingSleeve    = "s2_missing_sleeve"
	SleeveMaxPositions     = "s2_max_positions"
	SleeveMaxGrossExposure = "s2_max_gross_exposure"
	SleeveMaxDailyLoss     = "s2_max_daily_loss"
	SleeveMissingPnL       = "s2_missing_pnl"
	SleeveSymbolOverlap    = "s2_symbol_overlap"
)

// OrderSpec is the value object handed to the submission pipeline. The
// limit price is left nil for the downstream pricing collaborator.
type OrderSpec struct {
	StrategyID     string           `json:"strategy_id"`
	Symbol         string           `json:"symbol"`
	Side           Side             `json:"side"`
	Qty            int64            `json:"qty"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	TIF            string           `json:"tif"`
	IdempotencyKey string           `json:"idempotency_key"`
}

// RejectedIntent explains why a trade intent was not executed. The primary
// rejection reason is always the first entry of ReasonCodes.
type RejectedIntent struct {
	Intent          TradeIntent `json:"intent"`
	RejectionReason string      `json:"rejection_reason"`
	ReasonCodes     []string    `json:"reason_codes"`
}

// ConstraintsSnapshot records the exact portfolio limits in force when a
// decision was produced.
type ConstraintsSnapshot struct {
	MaxPositions            int      `json:"max_positions"`
	MaxPositionsPerStrategy int      `json:"max_positions_per_strategy"`
	MaxSymbolConcentration  int      `json:"max_symbol_concentration"`
	ShadowStrategies        []string `json:"shadow_strategies"`
}

// PortfolioDecision is the single authoritative output of one arbitration
// cycle. DecisionHash is a pure function of the remaining fields after
// canonical sorting; recomputing it over the same logical inputs must
// reproduce the same value.
type PortfolioDecision struct {
	RunID           string              `json:"run_id"`
	DateNY          string              `json:"date_ny"`
	ApprovedOrders  []OrderSpec         `json:"approved_orders"`
	RejectedIntents []RejectedIntent    `json:"rejected_intents"`
	Constraints     ConstraintsSnapshot `json:"constraints_snapshot"`
	DecisionHash    string              `json:"decision_hash"`
}

// StrategySleeve is the static per-strategy risk budget. Nil fields mean
// the corresponding limit is not enforced for the strategy.
type StrategySleeve struct {
	MaxDailyLossUSD        *decimal.Decimal `json:"max_daily_loss_usd,omitempty"`
	MaxGrossExposureUSD    *decimal.Decimal `json:"max_gross_exposure_usd,omitempty"`
	MaxConcurrentPositions *int             `json:"max_concurrent_positions,omitempty"`
}

// OrderLedgerEntry is the write-once dedup row behind idempotent submission.
type OrderLedgerEntry struct {
	IdempotencyKey  string    `json:"idempotency_key"`
	StrategyID      string    `json:"strategy_id"`
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Qty             int64     `json:"qty"`
	CreatedTS       time.Time `json:"created_ts"`
	ExternalOrderID string    `json:"external_order_id,omitempty"`
}
