// Package database provides the SQLite connection behind the uplink's
// persistent identity (platform device id and sequence counter).
//
// Telemetry itself never goes through SQLite; the outbox is file-backed.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migrations are additive-only. Each version is a pair of files named
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql at the root of the
// supplied filesystem; each is applied in its own transaction.
package database
