// Package database opens the hub's SQLite store and applies its schema
// migrations.
//
// The store holds automation rules, their execution history and the audit
// log. Tables are STRICT and every query is parameterised. Migrations are
// additive: new columns are nullable or defaulted, and each .up.sql has a
// matching .down.sql for development rollbacks.
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
package database
