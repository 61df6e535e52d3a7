// Package dbmigrations exposes embedded SQL migrations for Relay binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into Relay binaries.
//
//go:embed *.sql
var Files embed.FS
