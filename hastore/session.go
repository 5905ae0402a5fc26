// Package hastore implements the Auto-Sync Session: a database session
// wrapper that transparently appends a replication op to the shared
// repl.Log on every successful commit. Grounded on AutoSyncSession in
// original_source/database/distributed_ha_manager.py, reshaped per
// DESIGN NOTES §9 into an explicit interface + composition instead of
// Python's __getattr__ proxying.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package hastore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/repl"
	"github.com/NVIDIA/imgcrawld/schema"
)

// Row is a table row keyed by column name, using plain Go values
// (string/int64/float64/bool/time.Time/nil, or any JSON-marshalable value
// for a jsonb column). Session implementations classify each value against
// schema.Table's column Kind to build the right repl.ColumnValue.
type Row map[string]any

// Rows is the minimal query-result cursor Session.Query returns.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Close()
	Err() error
}

// Session is the explicit interface the teacher's AutoSyncSession
// proxied implicitly. Every mutating call also appends a pending
// replication op, flushed to the log on Commit.
type Session interface {
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Insert(ctx context.Context, table string, row Row) (id int64, err error)
	Update(ctx context.Context, table string, id int64, row Row) error
	Delete(ctx context.Context, table string, id int64) error
	Query(ctx context.Context, q string, args ...any) (Rows, error)
	Close() error
}

// AutoSyncSession composes a pgx transaction against the node selected by
// Cluster (primary for writers, any healthy node for readers) with a
// reference to the shared *repl.Log. Pending ops are built eagerly on
// each Insert/Update/Delete call -- not deferred to Commit -- so Commit
// only has to append already-serialized repl.Op values.
type AutoSyncSession struct {
	pool    *pgxpool.Pool
	log     *repl.Log
	origin  string
	targets []string

	tx      pgx.Tx
	pending []repl.Op
}

// newAutoSyncSession is unexported; sessions are obtained via Cluster.
func newAutoSyncSession(pool *pgxpool.Pool, log *repl.Log, origin string, targets []string) *AutoSyncSession {
	return &AutoSyncSession{pool: pool, log: log, origin: origin, targets: targets}
}

func (s *AutoSyncSession) Begin(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", cmn.ErrSchemaOrConn, err)
	}
	s.tx = tx
	s.pending = nil
	return nil
}

// Commit commits the underlying transaction first; only on success are
// the pending ops appended to the log, matching §4.8's "rollback on
// commit failure discards the pending list" rule exactly.
func (s *AutoSyncSession) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		_ = s.tx.Rollback(ctx)
		s.tx = nil
		s.pending = nil
		return fmt.Errorf("%w: commit: %v", cmn.ErrSchemaOrConn, err)
	}
	s.tx = nil
	for _, op := range s.pending {
		s.log.Append(op)
	}
	s.pending = nil
	return nil
}

func (s *AutoSyncSession) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback(ctx)
	s.tx = nil
	s.pending = nil
	if err != nil {
		return fmt.Errorf("%w: rollback: %v", cmn.ErrSchemaOrConn, err)
	}
	return nil
}

// Insert runs an INSERT against the live transaction and stages an
// OpInsert for the log. The generated id (from the table's RETURNING
// clause) is both returned to the caller and recorded as the op's RowID.
func (s *AutoSyncSession) Insert(ctx context.Context, tableName string, row Row) (int64, error) {
	table, ok := schema.ByName(tableName)
	if !ok {
		return 0, fmt.Errorf("%w: unknown table %q", cmn.ErrSchema, tableName)
	}
	cols, placeholders, args, payload, err := buildInsert(table, row)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s", table.Name, cols, placeholders, table.PK)

	var id int64
	if err := s.tx.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("%w: insert into %s: %v", cmn.ErrSchemaOrConn, table.Name, err)
	}

	s.stage(repl.OpInsert, table.Name, id, payload)
	return id, nil
}

func (s *AutoSyncSession) Update(ctx context.Context, tableName string, id int64, row Row) error {
	table, ok := schema.ByName(tableName)
	if !ok {
		return fmt.Errorf("%w: unknown table %q", cmn.ErrSchema, tableName)
	}
	setClauses, args, payload, err := buildUpdate(table, row)
	if err != nil {
		return err
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", table.Name, setClauses, table.PK, len(args))
	if _, err := s.tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: update %s id=%d: %v", cmn.ErrSchemaOrConn, table.Name, id, err)
	}

	s.stage(repl.OpUpdate, table.Name, id, payload)
	return nil
}

func (s *AutoSyncSession) Delete(ctx context.Context, tableName string, id int64) error {
	table, ok := schema.ByName(tableName)
	if !ok {
		return fmt.Errorf("%w: unknown table %q", cmn.ErrSchema, tableName)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table.Name, table.PK)
	if _, err := s.tx.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("%w: delete %s id=%d: %v", cmn.ErrSchemaOrConn, table.Name, id, err)
	}

	s.stage(repl.OpDelete, table.Name, id, nil)
	return nil
}

func (s *AutoSyncSession) Query(ctx context.Context, q string, args ...any) (Rows, error) {
	var rows pgx.Rows
	var err error
	if s.tx != nil {
		rows, err = s.tx.Query(ctx, q, args...)
	} else {
		rows, err = s.pool.Query(ctx, q, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", cmn.ErrSchemaOrConn, err)
	}
	return pgxRows{rows}, nil
}

func (s *AutoSyncSession) Close() error {
	if s.tx != nil {
		_ = s.tx.Rollback(context.Background())
		s.tx = nil
	}
	return nil
}

func (s *AutoSyncSession) stage(kind repl.OpKind, table string, id int64, payload []repl.Column) {
	now := time.Now()
	s.pending = append(s.pending, repl.Op{
		ID:        repl.NewOpID(s.origin, now),
		Kind:      kind,
		Table:     table,
		RowID:     id,
		Payload:   payload,
		Origin:    s.origin,
		Targets:   s.targets,
		Status:    repl.StatusPending,
		CreatedAt: now,
	})
}

type pgxRows struct{ pgx.Rows }

func (r pgxRows) Scan(dest ...any) error { return r.Rows.Scan(dest...) }
func (r pgxRows) Err() error             { return r.Rows.Err() }
