package engine

import (
	"time"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/ledger"
)

// Gate codes recorded in the decision record when the entry side is stopped.
const (
	GateMarketClosed   = "market_closed"
	GateMarketSettle   = "market_settle"
	GateEntryDelay     = "entry_delay_after_open"
	GateKillSwitch     = "kill_switch"
	GateStateStoreInit = "state_store_init_failed"
	GateConfiguration  = "configuration"
)

var nyLocation = mustLoadNY()

func mustLoadNY() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(err)
	}
	return loc
}

// tradingDate returns the NY calendar date for a wall-clock instant.
func tradingDate(now time.Time) string {
	return now.In(nyLocation).Format("2006-01-02")
}

// marketOpen returns 09:30 ET on now's trading date.
func marketOpen(now time.Time) time.Time {
	ny := now.In(nyLocation)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 9, 30, 0, 0, nyLocation)
}

// marketClose returns 16:00 ET on now's trading date.
func marketClose(now time.Time) time.Time {
	ny := now.In(nyLocation)
	return time.Date(ny.Year(), ny.Month(), ny.Day(), 16, 0, 0, 0, nyLocation)
}

// isTradingDay treats weekends as closed. Exchange holidays are expected to
// yield empty candidate files upstream, so the engine only guards weekends.
func isTradingDay(now time.Time) bool {
	switch now.In(nyLocation).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

// gateState is the outcome of the per-cycle entry gate evaluation. Entries
// and exits are independently cancellable: a closed entry gate never stops
// exit-side store operations.
type gateState struct {
	open        bool
	nextAllowed time.Time
	blocks      []ledger.GateBlock
}

// evaluateEntryGate applies the clock and kill-switch gates in order. The
// first closed gate decides nextAllowed; the kill switch never reschedules
// because there is no known reopen time.
func (e *Engine) evaluateEntryGate(now time.Time) gateState {
	var g gateState

	if e.cfg.KillSwitchActive() {
		g.blocks = append(g.blocks, ledger.GateBlock{
			Code:    GateKillSwitch,
			Message: "kill switch engaged, entry side disabled",
		})
		return g
	}

	if !isTradingDay(now) {
		g.blocks = append(g.blocks, ledger.GateBlock{
			Code:    GateMarketClosed,
			Message: "not a trading day",
		})
		return g
	}

	open := marketOpen(now)
	if now.Before(open) || !now.Before(marketClose(now)) {
		g.blocks = append(g.blocks, ledger.GateBlock{
			Code:    GateMarketClosed,
			Message: "outside regular trading hours",
		})
		return g
	}

	settleUntil := open.Add(time.Duration(e.cfg.MarketSettleMin) * time.Minute)
	if now.Before(settleUntil) {
		g.nextAllowed = settleUntil
		g.blocks = append(g.blocks, ledger.GateBlock{
			Code:    GateMarketSettle,
			Message: "waiting for the post-open settle window",
		})
		return g
	}

	entriesFrom := open.Add(time.Duration(e.cfg.EntryDelayAfterOpenMin) * time.Minute)
	if now.Before(entriesFrom) {
		g.nextAllowed = entriesFrom
		g.blocks = append(g.blocks, ledger.GateBlock{
			Code:    GateEntryDelay,
			Message: "entry delay after open has not elapsed",
		})
		return g
	}

	g.open = true
	return g
}
