// Command engine runs the trade-execution engine: it polls the candidate
// file, schedules and arbitrates entry intents, enforces strategy sleeves,
// submits approved orders, and appends a decision record every cycle.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/config"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/broker"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/engine"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/store"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/lib/telemetry"
)

const defaultConfigPath = "config/engine.yaml"

// defaultPaperEquity seeds the simulated account when no broker transport
// is wired (dry-run mode).
var defaultPaperEquity = decimal.NewFromInt(100_000)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", defaultConfigPath, "path to engine configuration file")
	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, fromFile, err := config.LoadOrDefault(*cfgPath)
	if err != nil {
		return errs.New("engine/config", errs.CodeConfiguration, errs.WithCause(err))
	}

	logger, err := observability.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return errs.New("engine/config", errs.CodeConfiguration, errs.WithCause(err))
	}
	defer func() { _ = logger.Sync() }()
	observability.SetLogger(logger)

	if !fromFile {
		logger.Info("configuration file not found, using defaults and environment",
			observability.F("path", *cfgPath))
	}
	logger.Info("configuration resolved",
		observability.F("mode", string(cfg.Mode)),
		observability.F("live", cfg.Live()),
		observability.F("database", cfg.DatabasePath))

	_, shutdownTelemetry, err := telemetry.Init(ctx, cfg)
	if err != nil {
		// Telemetry is best-effort; the engine runs without it.
		logger.Warn("telemetry init failed", observability.F("error", err.Error()))
	} else {
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	st, err := store.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return errs.New("engine/store", errs.CodeStateStoreInit, errs.WithCause(err))
	}
	defer func() { _ = st.Close() }()

	gateway, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	eng := engine.New(cfg, st, gateway, logger)

	if *once {
		rec, err := eng.RunCycle(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			// Cycle-level failures are recorded, not fatal: the exit
			// code reflects only configuration and store-init errors.
			logger.Error("cycle failed", observability.F("error", err.Error()))
		}
		if rec != nil {
			logger.Info("cycle completed",
				observability.F("run_id", rec.RunID),
				observability.F("submitted", len(rec.Actions.Submitted)),
				observability.F("skipped", len(rec.Actions.Skipped)))
		}
		return nil
	}

	logger.Info("engine started, awaiting shutdown signal")
	if err := eng.Run(ctx); err != nil {
		logger.Error("engine loop exited", observability.F("error", err.Error()))
	}
	logger.Info("engine stopped")
	return nil
}

// buildGateway selects the broker transport. Dry-run mode uses the paper
// broker; live mode requires a real transport adapter, which this build
// does not ship, so it is rejected at startup rather than silently
// simulated.
func buildGateway(cfg config.Config, logger observability.Logger) (broker.Client, error) {
	if cfg.Live() {
		return nil, errs.New("engine/broker", errs.CodeConfiguration,
			errs.WithMessage("live trading requires a broker transport adapter; none is configured"))
	}
	return broker.NewPaper(cfg.OrderRatePerSec, defaultPaperEquity, logger), nil
}
