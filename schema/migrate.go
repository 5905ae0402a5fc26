// Package schema owns the HA-replicated tables' DDL and the struct/column
// metadata the repl package binds Sync Operations against. Grounded on
// spec §6.2's logical table definitions plus original_source's
// tag/category supplements (group_name/tag_type, parent_id/level/
// sort_order), migrated with golang-migrate the way a modern Go service in
// this pack's ecosystem would (the teacher itself has no SQL schema -- its
// "schema" is an in-memory cluster map -- so this package is enriched
// wholesale from the pack's database-migration idiom).
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package schema

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/NVIDIA/imgcrawld/cmn"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ReplicatedTables lists every table the HA layer keeps in sync, matching
// cmn.SyncConfig.SyncTables' default.
var ReplicatedTables = []string{"images", "categories", "crawl_sessions", "tags"}

// Migrate applies every pending migration against dsn, creating tables that
// don't yet exist. Used at node startup and by the failover controller's
// "create missing tables from the schema" step (§4.9).
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("%w: load embedded migrations: %v", cmn.ErrSchema, err)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", cmn.ErrSchemaOrConn, dsn, err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("%w: postgres driver: %v", cmn.ErrSchemaOrConn, err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("%w: build migrator: %v", cmn.ErrSchema, err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%w: apply migrations: %v", cmn.ErrSchema, err)
	}
	return nil
}

// TablesExist reports whether every table in ReplicatedTables is present on
// the node reachable at dsn, used by the failover controller's target
// validation step (§4.9 step 1).
func TablesExist(ctx context.Context, dsn string) (bool, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return false, fmt.Errorf("%w: open %s: %v", cmn.ErrSchemaOrConn, dsn, err)
	}
	defer db.Close()

	for _, table := range ReplicatedTables {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("%w: check table %s: %v", cmn.ErrSchemaOrConn, table, err)
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}
