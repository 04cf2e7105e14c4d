// Package migrations embeds the SQL schema migrations for the ledger database.
package migrations

import "embed"

// FS holds the golang-migrate formatted files (NNNNNN_name.up.sql / .down.sql).
//
//go:embed *.sql
var FS embed.FS
