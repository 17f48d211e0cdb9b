// Package broker defines the engine's collaborator boundary for market data
// and order transport. The engine only ever talks to these interfaces;
// connection handling, retries, and rate limiting live behind them.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// Bar is one OHLCV bar as supplied by the market-data collaborator.
type Bar struct {
	Symbol string          `json:"symbol"`
	TS     time.Time       `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Account is the broker-reported account snapshot.
type Account struct {
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

// Position is the broker-side view of a holding, used to reconcile against
// the engine's own position rows.
type Position struct {
	Symbol   string          `json:"symbol"`
	Qty      int64           `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// MarketData supplies bars for gate checks and sell-side evaluation.
type MarketData interface {
	// LastTwoClosedBars returns the two most recently closed intraday bars,
	// oldest first.
	LastTwoClosedBars(ctx context.Context, symbol string) ([]Bar, error)
	// DailyBars returns up to lookback daily bars, oldest first.
	DailyBars(ctx context.Context, symbol string, lookback int) ([]Bar, error)
}

// OrderGateway places orders and reports broker-side state.
type OrderGateway interface {
	// SubmitOrder places the order and returns the broker's external id.
	SubmitOrder(ctx context.Context, spec schema.OrderSpec) (string, error)
	Positions(ctx context.Context) ([]Position, error)
	Account(ctx context.Context) (Account, error)
}

// Client is the full collaborator surface the engine is wired against.
type Client interface {
	MarketData
	OrderGateway
}
