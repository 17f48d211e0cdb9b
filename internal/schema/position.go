package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// StopMode tracks how aggressively the sell-side evaluator manages a position.
type StopMode string

const (
	// StopModeOpen is the default trailing management mode.
	StopModeOpen StopMode = "OPEN"
	// StopModeCaution tightens the stop after an invalidation event.
	StopModeCaution StopMode = "CAUTION"
	// StopModeExiting marks a position whose exit has been requested.
	StopModeExiting StopMode = "EXITING"
)

// Valid reports whether the stop mode is a known value.
func (m StopMode) Valid() bool {
	switch m {
	case StopModeOpen, StopModeCaution, StopModeExiting:
		return true
	default:
		return false
	}
}

// PositionState is the persisted row for one open symbol. It is mutated by
// the sell-side evaluator and by fill confirmation, and deleted on flat-out.
type PositionState struct {
	StrategyID        string          `json:"strategy_id"`
	Symbol            string          `json:"symbol"`
	SizeShares        int64           `json:"size_shares"`
	AvgPrice          decimal.Decimal `json:"avg_price"`
	PivotLevel        decimal.Decimal `json:"pivot_level"`
	R1Level           decimal.Decimal `json:"r1_level"`
	R2Level           decimal.Decimal `json:"r2_level"`
	StopMode          StopMode        `json:"stop_mode"`
	StopPrice         decimal.Decimal `json:"stop_price"`
	HighWater         decimal.Decimal `json:"high_water"`
	InvalidationCount int             `json:"invalidation_count"`
	TrimmedR1         bool            `json:"trimmed_r1"`
	TrimmedR2         bool            `json:"trimmed_r2"`
	LastUpdateTS      time.Time       `json:"last_update_ts"`
}

// Notional returns the gross dollar value of the position at its average price.
func (p PositionState) Notional() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(p.SizeShares))
}
