// Package dbmigrations exposes embedded SQL migrations for fundwatch binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into fundwatch binaries.
//
//go:embed *.sql
var Files embed.FS
