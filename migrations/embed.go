// Package migrations embeds the SQL schema applied by cmd/migrate.
package migrations

import "embed"

// FS holds the up/down migration files in golang-migrate naming.
//
//go:embed *.sql
var FS embed.FS
