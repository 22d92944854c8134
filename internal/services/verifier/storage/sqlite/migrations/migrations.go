// Package migrations embeds the verifier SQLite schema.
package migrations

import "embed"

// FS holds the verifier migrations.
//
//go:embed *.sql
var FS embed.FS
