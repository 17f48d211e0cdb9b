// Package schema defines the canonical domain types shared across the engine.
package schema

import "strings"

// Side identifies the direction of an order or trade intent.
type Side string

const (
	// SideBuy opens or adds to a long position.
	SideBuy Side = "buy"
	// SideSell reduces or closes a long position.
	SideSell Side = "sell"
)

// ParseSide normalizes a side string to its canonical value.
func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToLower(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// Valid reports whether the side is a known value.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Priority orders buys before sells for deterministic conflict resolution.
func (s Side) Priority() int {
	if s == SideBuy {
		return 0
	}
	return 1
}
