package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	dbmigrations "github.com/kvanhimbergen/avwap-r3k-scanner-sub001/db/migrations"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
)

var (
	migrationsCounter     metric.Int64Counter
	migrationsCounterOnce sync.Once
)

// Migrate applies the embedded schema migrations to db. A database already
// migrated beyond the last migration known to this binary is a hard
// configuration error: refusing to run is safer than reinterpreting or
// resetting rows written by a newer schema.
func Migrate(ctx context.Context, db *sql.DB, logger observability.Logger) error {
	if logger == nil {
		logger = observability.Log()
	}

	latest, err := latestKnownVersion()
	if err != nil {
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("enumerate embedded migrations"),
			errs.WithCause(err))
	}

	src, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("open migration source"),
			errs.WithCause(err))
	}

	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("initialise sqlite migration driver"),
			errs.WithCause(err))
	}

	current, dirty, err := driver.Version()
	if err != nil {
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("read schema version"),
			errs.WithCause(err))
	}
	if dirty {
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("schema is dirty from an interrupted migration"),
			errs.WithField("version", strconv.Itoa(current)))
	}
	if current > int(latest) {
		recordMigrationMetric(ctx, "refused")
		return errs.New("store", errs.CodeConfiguration,
			errs.WithMessage("database schema is newer than this binary"),
			errs.WithField("db_version", strconv.Itoa(current)),
			errs.WithField("binary_version", strconv.FormatUint(uint64(latest), 10)))
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("initialise migrate instance"),
			errs.WithCause(err))
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			logger.Debug("schema up to date",
				observability.F("version", current))
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("apply migrations"),
			errs.WithCause(err))
	}

	recordMigrationMetric(ctx, "applied")
	logger.Info("schema migrations applied",
		observability.F("from", current),
		observability.F("to", latest))
	return nil
}

// latestKnownVersion returns the highest migration version embedded in the
// binary, derived from the NNNN_name.up.sql naming convention.
func latestKnownVersion() (uint, error) {
	entries, err := fs.ReadDir(dbmigrations.Files, ".")
	if err != nil {
		return 0, err
	}
	var latest uint
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".up.sql") {
			continue
		}
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			return 0, fmt.Errorf("malformed migration filename %q", name)
		}
		v, err := strconv.ParseUint(name[:idx], 10, 32)
		if err != nil {
			return 0, fmt.Errorf("malformed migration version in %q: %w", name, err)
		}
		if uint(v) > latest {
			latest = uint(v)
		}
	}
	if latest == 0 {
		return 0, errors.New("no embedded migrations found")
	}
	return latest, nil
}

func recordMigrationMetric(ctx context.Context, outcome string) {
	migrationsCounterOnce.Do(func() {
		meter := otel.Meter("store.migrations")
		counter, err := meter.Int64Counter("engine_schema_migrations_total",
			metric.WithDescription("Schema migration attempts by outcome"))
		if err != nil {
			return
		}
		migrationsCounter = counter
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
