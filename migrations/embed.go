// Package migrations embeds the SQLite schema for the uplink's identity
// store so the binary needs no SQL files on disk.
package migrations

import "embed"

// FS holds every *.sql migration at its root. Pass it to
// database.DB.Migrate.
//
//go:embed *.sql
var FS embed.FS
