// Package migrations embeds the SQL schema so the binary can migrate a
// fresh database without files on disk.
package migrations

import "embed"

// FS holds the *.up.sql and *.down.sql files at its root.
//
//go:embed *.sql
var FS embed.FS
