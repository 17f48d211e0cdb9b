// Package config centralises runtime configuration for the execution engine.
// Values are resolved in three layers: safe defaults, an optional YAML file,
// then environment variables. Every default fails closed: live trading is
// disabled, the kill switch wins, and missing risk configuration blocks
// rather than permits.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Mode selects the engine execution mode.
type Mode string

const (
	// ModeDryRun evaluates and records decisions without broker submission.
	ModeDryRun Mode = "dry_run"
	// ModeLive submits approved orders to the broker collaborator.
	ModeLive Mode = "live"
)

// OneShotMode selects how entry-fill suppression behaves after a fill.
type OneShotMode string

const (
	// OneShotOff disables entry-fill suppression.
	OneShotOff OneShotMode = "off"
	// OneShotSession blocks re-entry for the rest of the trading day.
	OneShotSession OneShotMode = "session"
	// OneShotCooldown blocks re-entry until the cooldown window elapses.
	OneShotCooldown OneShotMode = "cooldown"
)

// Config is the complete engine configuration, parsed once at startup and
// passed explicitly into each component.
type Config struct {
	Mode           Mode   `yaml:"mode" env:"ENGINE_MODE" envDefault:"dry_run"`
	LiveTrading    bool   `yaml:"live_trading" env:"LIVE_TRADING" envDefault:"false"`
	KillSwitch     bool   `yaml:"kill_switch" env:"KILL_SWITCH" envDefault:"false"`
	KillSwitchFile string `yaml:"kill_switch_file" env:"KILL_SWITCH_FILE"`

	DatabasePath   string `yaml:"database_path" env:"ENGINE_DB_PATH" envDefault:"engine_state.db"`
	StateDir       string `yaml:"state_dir" env:"ENGINE_STATE_DIR" envDefault:"state"`
	LedgerDir      string `yaml:"ledger_dir" env:"ENGINE_LEDGER_DIR" envDefault:"ledger"`
	CandidatesFile string `yaml:"candidates_file" env:"CANDIDATES_FILE"`

	EntryDelayAfterOpenMin int `yaml:"entry_delay_after_open_min" env:"ENTRY_DELAY_AFTER_OPEN_MIN" envDefault:"30"`
	MarketSettleMin        int `yaml:"market_settle_min" env:"MARKET_SETTLE_MIN" envDefault:"5"`

	IntentTTLSec      int  `yaml:"intent_ttl_sec" env:"INTENT_TTL_SEC" envDefault:"3600"`
	IntentDelayMinSec int  `yaml:"intent_delay_min_sec" env:"INTENT_DELAY_MIN_SEC" envDefault:"60"`
	IntentDelayMaxSec int  `yaml:"intent_delay_max_sec" env:"INTENT_DELAY_MAX_SEC" envDefault:"300"`
	IntentValidForSec int  `yaml:"intent_valid_for_sec" env:"INTENT_VALID_FOR_SEC" envDefault:"900"`
	RescheduleOnGate  bool `yaml:"reschedule_on_gate" env:"RESCHEDULE_ON_GATE" envDefault:"false"`

	OneShot            OneShotMode `yaml:"one_shot_mode" env:"ONE_SHOT_MODE" envDefault:"session"`
	OneShotCooldownMin int         `yaml:"one_shot_cooldown_min" env:"ONE_SHOT_COOLDOWN_MIN" envDefault:"120"`

	MaxPositions            int      `yaml:"max_positions" env:"MAX_POSITIONS" envDefault:"5"`
	MaxPositionsPerStrategy int      `yaml:"max_positions_per_strategy" env:"MAX_POSITIONS_PER_STRATEGY" envDefault:"3"`
	MaxSymbolConcentration  int      `yaml:"max_symbol_concentration" env:"MAX_SYMBOL_CONCENTRATION" envDefault:"1"`
	ShadowStrategies        []string `yaml:"shadow_strategies" env:"SHADOW_STRATEGIES" envSeparator:","`

	SleevesJSON        string `yaml:"strategy_sleeves_json" env:"STRATEGY_SLEEVES_JSON"`
	DailyPnLJSON       string `yaml:"strategy_daily_pnl_json" env:"STRATEGY_DAILY_PNL_JSON"`
	AllowUnsleeved     bool   `yaml:"allow_unsleeved" env:"ALLOW_UNSLEEVED_STRATEGIES" envDefault:"false"`
	AllowSymbolOverlap bool   `yaml:"allow_symbol_overlap" env:"ALLOW_SYMBOL_OVERLAP" envDefault:"false"`

	PollIntervalSec    int `yaml:"poll_interval_sec" env:"POLL_INTERVAL_SEC" envDefault:"30"`
	PollIntervalMinSec int `yaml:"poll_interval_min_sec" env:"POLL_INTERVAL_MIN_SEC" envDefault:"5"`
	PollIntervalMaxSec int `yaml:"poll_interval_max_sec" env:"POLL_INTERVAL_MAX_SEC" envDefault:"120"`

	SubmitParallelism int     `yaml:"submit_parallelism" env:"SUBMIT_PARALLELISM" envDefault:"4"`
	OrderRatePerSec   float64 `yaml:"order_rate_per_sec" env:"ORDER_RATE_PER_SEC" envDefault:"2"`

	BrokerAPIKey    string `yaml:"broker_api_key" env:"BROKER_API_KEY"`
	BrokerAPISecret string `yaml:"broker_api_secret" env:"BROKER_API_SECRET"`

	TelemetryEndpoint string `yaml:"telemetry_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName       string `yaml:"service_name" env:"ENGINE_SERVICE_NAME" envDefault:"avwap-execution-engine"`
	LogLevel          string `yaml:"log_level" env:"ENGINE_LOG_LEVEL" envDefault:"info"`
}

// LoadOrDefault resolves configuration from the optional YAML file at path
// overlaid with environment variables. The boolean reports whether the file
// was found.
func LoadOrDefault(path string) (Config, bool, error) {
	var cfg Config
	loadedFromFile := false

	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, false, fmt.Errorf("parse config file %s: %w", path, err)
			}
			loadedFromFile = true
		case os.IsNotExist(err):
			// Defaults plus environment only.
		default:
			return Config{}, false, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, loadedFromFile, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, loadedFromFile, err
	}
	return cfg, loadedFromFile, nil
}

// Validate rejects configurations the engine cannot run safely under.
func (c Config) Validate() error {
	switch c.Mode {
	case ModeDryRun, ModeLive:
	default:
		return fmt.Errorf("invalid engine mode %q", c.Mode)
	}
	switch c.OneShot {
	case OneShotOff, OneShotSession, OneShotCooldown:
	default:
		return fmt.Errorf("invalid one-shot mode %q", c.OneShot)
	}
	if c.IntentDelayMinSec < 0 || c.IntentDelayMaxSec < c.IntentDelayMinSec {
		return fmt.Errorf("invalid intent delay window [%d,%d]", c.IntentDelayMinSec, c.IntentDelayMaxSec)
	}
	if c.IntentTTLSec <= 0 {
		return fmt.Errorf("intent TTL must be positive, got %d", c.IntentTTLSec)
	}
	if c.PollIntervalMinSec <= 0 || c.PollIntervalMaxSec < c.PollIntervalMinSec {
		return fmt.Errorf("invalid poll interval window [%d,%d]", c.PollIntervalMinSec, c.PollIntervalMaxSec)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database path required")
	}
	if c.Live() && (strings.TrimSpace(c.BrokerAPIKey) == "" || strings.TrimSpace(c.BrokerAPISecret) == "") {
		return fmt.Errorf("live trading requires broker credentials")
	}
	return nil
}

// Live reports whether the engine may submit real orders. Both the mode and
// the explicit live-trading flag must agree.
func (c Config) Live() bool {
	return c.Mode == ModeLive && c.LiveTrading
}

// KillSwitchActive reports whether the kill switch is engaged via the env
// flag or the flag file. The kill switch stops entry-side actions only.
func (c Config) KillSwitchActive() bool {
	if c.KillSwitch {
		return true
	}
	if strings.TrimSpace(c.KillSwitchFile) == "" {
		return false
	}
	_, err := os.Stat(c.KillSwitchFile)
	return err == nil
}

// IntentTTL returns the intent time-to-live as a duration.
func (c Config) IntentTTL() time.Duration {
	return time.Duration(c.IntentTTLSec) * time.Second
}

// IntentDelayWindow returns the scheduling delay bounds.
func (c Config) IntentDelayWindow() (time.Duration, time.Duration) {
	return time.Duration(c.IntentDelayMinSec) * time.Second,
		time.Duration(c.IntentDelayMaxSec) * time.Second
}

// IntentValidFor returns how long a popped intent stays executable.
func (c Config) IntentValidFor() time.Duration {
	return time.Duration(c.IntentValidForSec) * time.Second
}

// OneShotCooldown returns the cooldown window for re-entry suppression.
func (c Config) OneShotCooldown() time.Duration {
	return time.Duration(c.OneShotCooldownMin) * time.Minute
}

// PollInterval returns the base poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// PollIntervalBounds returns the adaptive poll interval window.
func (c Config) PollIntervalBounds() (time.Duration, time.Duration) {
	return time.Duration(c.PollIntervalMinSec) * time.Second,
		time.Duration(c.PollIntervalMaxSec) * time.Second
}
