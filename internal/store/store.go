// Package store implements the engine's single source of truth: an embedded
// SQLite database holding candidates, scheduled entry intents, open
// positions, the order idempotency ledger, and one-shot entry-fill markers.
// The database is opened in WAL mode with synchronous=NORMAL and is written
// by exactly one process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "modernc.org/sqlite"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/errs"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
)

const (
	openRetryMaxElapsed = 15 * time.Second
	busyTimeoutMillis   = 5000
)

// Store owns the embedded database handle. All methods are safe for the
// single-writer usage the engine guarantees; the connection pool is pinned
// to one connection so SQLite never sees concurrent writers.
type Store struct {
	db  *sql.DB
	log observability.Logger
}

// Open opens (creating if necessary) the database at path, applies pending
// schema migrations, and returns the ready store. Transient open failures
// are retried with exponential backoff before the error is declared a
// StateStoreInitError.
func Open(ctx context.Context, path string, logger observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.Log()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		url.PathEscape(path), busyTimeoutMillis,
	)

	operation := func() (*sql.DB, error) {
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}

	db, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(openRetryMaxElapsed),
	)
	if err != nil {
		return nil, errs.New("store", errs.CodeStateStoreInit,
			errs.WithMessage("open database"),
			errs.WithField("path", path),
			errs.WithCause(err))
	}

	if err := Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("state store ready", observability.F("path", path))
	return &Store{db: db, log: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the migration runner and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().Unix()
}

func timeFromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
