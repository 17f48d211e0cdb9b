// Package execstate tracks the per-symbol execution lifecycle for one
// trading day: FLAT -> ENTERING -> OPEN -> EXITING -> FLAT. Transitions are
// the only mutation path; the book is persisted as a daily snapshot file.
package execstate

import (
	"fmt"
	"time"
)

// State is the per-symbol lifecycle phase.
type State string

const (
	// StateFlat means no position and no working entry order.
	StateFlat State = "FLAT"
	// StateEntering means an entry order has been submitted but not filled.
	StateEntering State = "ENTERING"
	// StateOpen means the entry filled and the position is held.
	StateOpen State = "OPEN"
	// StateExiting means an exit order has been submitted but not confirmed.
	StateExiting State = "EXITING"
)

// ErrInvalidTransition rejects a lifecycle move the state machine forbids.
type ErrInvalidTransition struct {
	Symbol string
	From   State
	To     State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("symbol %s: invalid transition %s -> %s", e.Symbol, e.From, e.To)
}

// allowed enumerates the legal transitions. ENTERING -> FLAT covers a
// cancelled or rejected entry; EXITING -> OPEN covers a rejected exit.
var allowed = map[State][]State{
	StateFlat:     {StateEntering},
	StateEntering: {StateOpen, StateFlat},
	StateOpen:     {StateExiting},
	StateExiting:  {StateFlat, StateOpen},
}

// SymbolState is the persisted lifecycle record for one symbol. The order
// id lists are append-only; State is the single current phase.
type SymbolState struct {
	State            State      `json:"state"`
	LastTransitionTS time.Time  `json:"last_transition_ts_utc"`
	EntryIntentID    string     `json:"entry_intent_id,omitempty"`
	EntryOrderIDs    []string   `json:"entry_order_ids"`
	ExitOrderIDs     []string   `json:"exit_order_ids"`
	EntryFillTS      *time.Time `json:"entry_fill_ts_utc,omitempty"`
	LastExitTS       *time.Time `json:"last_exit_ts_utc,omitempty"`
}

// Book holds every symbol's execution state for one trading day.
type Book struct {
	DateNY  string                  `json:"date_ny"`
	Symbols map[string]*SymbolState `json:"symbols"`
}

// NewBook creates an empty book for the trading day.
func NewBook(dateNY string) *Book {
	return &Book{DateNY: dateNY, Symbols: make(map[string]*SymbolState)}
}

// Get returns the state for symbol, defaulting to FLAT.
func (b *Book) Get(symbol string) SymbolState {
	if st, ok := b.Symbols[symbol]; ok {
		return *st
	}
	return SymbolState{State: StateFlat}
}

// Transition moves symbol to the target state, recording the timestamp and
// any phase side effects. It is the only mutation path for the book.
func (b *Book) Transition(symbol string, to State, now time.Time) error {
	st, ok := b.Symbols[symbol]
	if !ok {
		st = &SymbolState{State: StateFlat, EntryOrderIDs: []string{}, ExitOrderIDs: []string{}}
		b.Symbols[symbol] = st
	}

	if !transitionAllowed(st.State, to) {
		return ErrInvalidTransition{Symbol: symbol, From: st.State, To: to}
	}

	st.State = to
	st.LastTransitionTS = now.UTC()
	switch to {
	case StateOpen:
		ts := now.UTC()
		st.EntryFillTS = &ts
	case StateFlat:
		ts := now.UTC()
		st.LastExitTS = &ts
	}
	return nil
}

// AttachEntryIntent links the intent that initiated the current entry.
func (b *Book) AttachEntryIntent(symbol, intentID string) {
	st := b.ensure(symbol)
	st.EntryIntentID = intentID
}

// RecordEntryOrder appends an entry order id for the symbol.
func (b *Book) RecordEntryOrder(symbol, orderID string) {
	st := b.ensure(symbol)
	st.EntryOrderIDs = append(st.EntryOrderIDs, orderID)
}

// RecordExitOrder appends an exit order id for the symbol.
func (b *Book) RecordExitOrder(symbol, orderID string) {
	st := b.ensure(symbol)
	st.ExitOrderIDs = append(st.ExitOrderIDs, orderID)
}

func (b *Book) ensure(symbol string) *SymbolState {
	st, ok := b.Symbols[symbol]
	if !ok {
		st = &SymbolState{State: StateFlat, EntryOrderIDs: []string{}, ExitOrderIDs: []string{}}
		b.Symbols[symbol] = st
	}
	return st
}

func transitionAllowed(from, to State) bool {
	for _, next := range allowed[from] {
		if next == to {
			return true
		}
	}
	return false
}
