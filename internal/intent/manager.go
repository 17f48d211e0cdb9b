// Package intent manages the entry-intent lifecycle: creation with a
// scheduling delay, TTL purge, gate-triggered rescheduling, and one-shot
// entry suppression. The lifecycle is independent of the symbol execution
// state machine; the store owns each intent until it is popped or purged.
package intent

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"time"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/config"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/schema"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/store"
)

// Reason codes attached to lifecycle outcomes. Purge and reschedule are
// distinct: one drops intents, the other defers them.
const (
	ReasonTTLPurged       = "intent_ttl_purged"
	ReasonGateRescheduled = "entry_gate_rescheduled"
	ReasonOneShotSession  = "one_shot_session"
	ReasonOneShotCooldown = "one_shot_cooldown"
)

// Config controls delay, expiry, and suppression policy.
type Config struct {
	DelayMin         time.Duration
	DelayMax         time.Duration
	TTL              time.Duration
	RescheduleOnGate bool
	OneShot          config.OneShotMode
	OneShotCooldown  time.Duration

	// Deterministic derives delays without entropy (dry-run and tests).
	Deterministic bool
}

// Manager drives the intent lifecycle against the persistent store.
type Manager struct {
	store *store.Store
	cfg   Config
	log   observability.Logger
}

// NewManager wires a lifecycle manager.
func NewManager(st *store.Store, cfg Config, logger observability.Logger) *Manager {
	if logger == nil {
		logger = observability.Log()
	}
	return &Manager{store: st, cfg: cfg, log: logger}
}

// ScheduleEntry assigns the draft intent its scheduled execution time
// (now plus the policy delay) and persists it, overwriting any previous
// intent for the symbol.
func (m *Manager) ScheduleEntry(ctx context.Context, draft schema.EntryIntent, now time.Time, dateNY string) (schema.EntryIntent, error) {
	draft.ScheduledEntryAt = now.Add(m.delayFor(draft.StrategyID, draft.Symbol, dateNY))
	if draft.BOHConfirmedAt.IsZero() {
		draft.BOHConfirmedAt = now
	}
	if err := m.store.PutEntryIntent(ctx, draft); err != nil {
		return schema.EntryIntent{}, err
	}
	m.log.Debug("entry intent scheduled",
		observability.F("symbol", draft.Symbol),
		observability.F("strategy", draft.StrategyID),
		observability.F("scheduled_at", draft.ScheduledEntryAt))
	return draft, nil
}

// delayFor picks a delay inside [DelayMin, DelayMax]. The deterministic
// path hashes (strategy, symbol, date) so dry-run reproduces the same
// schedule for the same day; the live path draws uniformly. Both respect
// the same bounds.
func (m *Manager) delayFor(strategyID, symbol, dateNY string) time.Duration {
	window := m.cfg.DelayMax - m.cfg.DelayMin
	if window <= 0 {
		return m.cfg.DelayMin
	}
	if m.cfg.Deterministic {
		h := sha256.Sum256([]byte(strategyID + "|" + symbol + "|" + dateNY))
		frac := binary.BigEndian.Uint64(h[:8])
		return m.cfg.DelayMin + time.Duration(frac%uint64(window+1))
	}
	return m.cfg.DelayMin + rand.N(window+1)
}

// PurgeStale removes intents older than the TTL. It must run before due
// evaluation every cycle so a stale intent can never be submitted, and it
// runs regardless of market-open state.
func (m *Manager) PurgeStale(ctx context.Context, now time.Time) (store.PurgeStats, error) {
	stats, err := m.store.PurgeStaleEntryIntents(ctx, now, m.cfg.TTL)
	if err != nil {
		return store.PurgeStats{}, err
	}
	if stats.Purged > 0 {
		observability.EngineMetrics().IntentsPurged(ctx, stats.Purged)
		m.log.Info("stale entry intents purged",
			observability.F("count", stats.Purged),
			observability.F("oldest_age_sec", stats.OldestAgeSec),
			observability.F("reason", ReasonTTLPurged))
	}
	return stats, nil
}

// DueResult reports one cycle's due-intent collection.
type DueResult struct {
	Intents     []schema.EntryIntent
	Rescheduled int64
	Reason      string
}

// CollectDue pops every due intent when the entry gate is open. When the
// gate is closed: with reschedule-on-gate active and a known reopen time,
// due intents are pushed to nextAllowed instead of being dropped; otherwise
// they are left in place for a later cycle (or the TTL purge). A gate with
// no reopen time (kill switch, closed market) must never reschedule: a zero
// target would stamp intents into the past and hand them to the purge.
func (m *Manager) CollectDue(ctx context.Context, now time.Time, gateOpen bool, nextAllowed time.Time) (DueResult, error) {
	if !gateOpen {
		if !m.cfg.RescheduleOnGate || nextAllowed.IsZero() {
			return DueResult{}, nil
		}
		moved, err := m.store.RescheduleDueEntryIntents(ctx, now, nextAllowed)
		if err != nil {
			return DueResult{}, err
		}
		if moved > 0 {
			m.log.Info("due intents deferred by entry gate",
				observability.F("count", moved),
				observability.F("next_allowed", nextAllowed),
				observability.F("reason", ReasonGateRescheduled))
		}
		return DueResult{Rescheduled: moved, Reason: ReasonGateRescheduled}, nil
	}

	due, err := m.store.PopDueEntryIntents(ctx, now)
	if err != nil {
		return DueResult{}, err
	}
	return DueResult{Intents: due}, nil
}

// EvaluateOneShot reports whether a recorded entry fill suppresses further
// entries for (date, strategy, symbol). A missing or expired fill record
// never blocks.
func (m *Manager) EvaluateOneShot(ctx context.Context, dateNY, strategyID, symbol string, now time.Time) (bool, string, error) {
	if m.cfg.OneShot == config.OneShotOff {
		return false, "", nil
	}
	filledTS, ok, err := m.store.GetEntryFill(ctx, dateNY, strategyID, symbol)
	if err != nil {
		return false, "", err
	}
	if !ok {
		return false, "", nil
	}
	switch m.cfg.OneShot {
	case config.OneShotSession:
		return true, ReasonOneShotSession, nil
	case config.OneShotCooldown:
		if now.Before(filledTS.Add(m.cfg.OneShotCooldown)) {
			return true, ReasonOneShotCooldown, nil
		}
		return false, "", nil
	default:
		return false, "", nil
	}
}
