package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
)

// Run executes cycles until the context is cancelled. A failed cycle is
// logged and the loop moves on; the service never terminates on a
// loop-level error.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine loop starting",
		observability.F("mode", string(e.cfg.Mode)),
		observability.F("live", e.cfg.Live()),
		observability.F("poll_interval", e.cfg.PollInterval()))

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine loop stopping")
			return nil
		case <-timer.C:
		}

		if _, err := e.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			e.log.Error("cycle failed", observability.F("error", err.Error()))
		}

		timer.Reset(e.nextPollInterval(ctx))
	}
}

// nextPollInterval adapts the sleep between cycles: the loop polls at the
// minimum interval when an intent comes due within the base window, at the
// maximum outside trading hours, and at the base interval otherwise.
func (e *Engine) nextPollInterval(ctx context.Context) time.Duration {
	minIv, maxIv := e.cfg.PollIntervalBounds()
	base := e.cfg.PollInterval()
	if base < minIv {
		base = minIv
	}
	if base > maxIv {
		base = maxIv
	}

	now := e.nowFn()
	if !isTradingDay(now) || now.Before(marketOpen(now)) || !now.Before(marketClose(now)) {
		return maxIv
	}

	n, err := e.store.CountDueEntryIntents(ctx, now.Add(base))
	if err != nil {
		e.log.Warn("due-intent count failed", observability.F("error", err.Error()))
		return base
	}
	if n > 0 {
		return minIv
	}
	return base
}
