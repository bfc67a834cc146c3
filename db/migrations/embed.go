// Package dbmigrations exposes embedded SQL migrations for execore binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into execore binaries.
//
//go:embed *.sql
var Files embed.FS
