// Package database opens and migrates the SQLite device store.
//
// The store runs in WAL mode so API reads proceed while heartbeats write,
// with the pool capped at one connection to match SQLite's single-writer
// model. Schema changes ship as embedded SQL migrations and are applied
// on startup:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.Files()); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns are nullable or carry defaults,
// and columns are never dropped or renamed, so older binaries can read a
// newer store during a rolling upgrade.
package database
