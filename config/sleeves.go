package config

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
)

// ParseSleeves decodes the per-strategy sleeve budgets from their JSON
// representation, e.g.
//
//	{"avwap_r3k": {"max_daily_loss_usd": "500", "max_concurrent_positions": 3}}
//
// An empty input yields an empty map, which is distinct from a parse error:
// the sleeve enforcer fails closed on the latter.
func ParseSleeves(raw string) (map[string]schema.StrategySleeve, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]schema.StrategySleeve{}, nil
	}
	var sleeves map[string]schema.StrategySleeve
	if err := json.Unmarshal([]byte(trimmed), &sleeves); err != nil {
		return nil, fmt.Errorf("parse strategy sleeves: %w", err)
	}
	for id, sleeve := range sleeves {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("parse strategy sleeves: empty strategy id")
		}
		if sleeve.MaxDailyLossUSD != nil && sleeve.MaxDailyLossUSD.IsNegative() {
			return nil, fmt.Errorf("parse strategy sleeves: %s: negative max_daily_loss_usd", id)
		}
		if sleeve.MaxGrossExposureUSD != nil && sleeve.MaxGrossExposureUSD.IsNegative() {
			return nil, fmt.Errorf("parse strategy sleeves: %s: negative max_gross_exposure_usd", id)
		}
		if sleeve.MaxConcurrentPositions != nil && *sleeve.MaxConcurrentPositions < 0 {
			return nil, fmt.Errorf("parse strategy sleeves: %s: negative max_concurrent_positions", id)
		}
	}
	return sleeves, nil
}

// ParseDailyPnL decodes the externally-supplied per-strategy realized P&L,
// e.g. {"avwap_r3k": "-125.50"}. Values may be JSON numbers or strings.
func ParseDailyPnL(raw string) (map[string]decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]decimal.Decimal{}, nil
	}
	var pnl map[string]decimal.Decimal
	if err := json.Unmarshal([]byte(trimmed), &pnl); err != nil {
		return nil, fmt.Errorf("parse daily pnl: %w", err)
	}
	for id := range pnl {
		if strings.TrimSpace(id) == "" {
			return nil, fmt.Errorf("parse daily pnl: empty strategy id")
		}
	}
	return pnl, nil
}
