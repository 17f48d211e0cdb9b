package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdempotencyKey derives the deterministic fingerprint of an order's logical
// identity. The same (strategy, NY date, symbol, side, qty) always produces
// the same key, across processes and restarts, so the order ledger can
// guarantee at-most-one submission per key.
func IdempotencyKey(strategyID, dateNY, symbol string, side Side, qty int64) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", strategyID, dateNY, symbol, side, qty)))
	return hex.EncodeToString(h[:])
}
