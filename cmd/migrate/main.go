// Command migrate applies the embedded schema migrations to an engine
// state database without starting the engine itself.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/observability"
	"github.com/kvanhimbergen/avwap-r3k-scanner-sub001/internal/store"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		path    = flag.String("database", "", "Path to the engine SQLite database file")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for the migration to complete")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*path) == "" {
		return errors.New("-database flag is required")
	}

	var logger observability.Logger
	if *quiet {
		logger = observability.Log()
	} else {
		zl, err := observability.NewZapLogger("info")
		if err != nil {
			return err
		}
		defer func() { _ = zl.Sync() }()
		logger = zl
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// Open applies all pending embedded migrations before returning.
	st, err := store.Open(ctx, *path, logger)
	if err != nil {
		return err
	}
	return st.Close()
}
