// Package dbmigrations exposes embedded SQL migrations for the engine binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into the engine binaries.
//
//go:embed *.sql
var Files embed.FS
