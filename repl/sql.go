package repl

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/schema"
)

// decodeColumn turns a tagged ColumnValue into a bindable SQL parameter and
// the placeholder fragment it needs (plain "$n" or "$n::jsonb" for JSON
// columns, since pgx won't infer jsonb from a bare string).
func decodeColumn(col Column) (arg any, castSuffix string, err error) {
	switch v := col.Value.(type) {
	case Scalar:
		return v.V, "", nil
	case Timestamp:
		return v.T, "", nil
	case JSONText:
		var probe any
		if v.Raw != "" {
			if jerr := json.Unmarshal([]byte(v.Raw), &probe); jerr != nil {
				return nil, "", fmt.Errorf("%w: column %s: invalid JSON payload: %v", cmn.ErrParse, col.Name, jerr)
			}
		}
		return v.Raw, "::jsonb", nil
	default:
		return nil, "", fmt.Errorf("repl: column %s has unhandled value type %T", col.Name, col.Value)
	}
}

// upsert applies an INSERT ... ON CONFLICT (id) DO UPDATE, then bumps the
// target's sequence so a later local INSERT never collides with a
// replicated id, per §4.7's sequence invariant.
func upsert(ctx context.Context, pool *pgxpool.Pool, table schema.Table, rowID int64, payload []Column) error {
	cols := []string{table.PK}
	placeholders := []string{"$1"}
	args := []any{rowID}
	setClauses := make([]string, 0, len(payload))

	for i, col := range payload {
		arg, cast, err := decodeColumn(col)
		if err != nil {
			return err
		}
		ph := fmt.Sprintf("$%d%s", i+2, cast)
		cols = append(cols, col.Name)
		placeholders = append(placeholders, ph)
		args = append(args, arg)
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", col.Name, col.Name))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), table.PK, strings.Join(setClauses, ", "),
	)
	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: upsert into %s: %v", cmn.ErrExpectedDrift, table.Name, err)
	}
	return bumpSequence(ctx, pool, table)
}

// applyUpdate issues a by-id UPDATE of every payload column. Affecting zero
// rows is not an error, per §4.7.
func applyUpdate(ctx context.Context, pool *pgxpool.Pool, table schema.Table, rowID int64, payload []Column) error {
	if len(payload) == 0 {
		return nil
	}
	setClauses := make([]string, len(payload))
	args := make([]any, 0, len(payload)+1)
	for i, col := range payload {
		arg, cast, err := decodeColumn(col)
		if err != nil {
			return err
		}
		setClauses[i] = fmt.Sprintf("%s = $%d%s", col.Name, i+1, cast)
		args = append(args, arg)
	}
	args = append(args, rowID)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d", table.Name, strings.Join(setClauses, ", "), table.PK, len(args))
	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: update %s id=%d: %v", cmn.ErrExpectedDrift, table.Name, rowID, err)
	}
	return nil
}

// applyDelete issues a by-id DELETE. Affecting zero rows is not an error.
func applyDelete(ctx context.Context, pool *pgxpool.Pool, table schema.Table, rowID int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", table.Name, table.PK)
	if _, err := pool.Exec(ctx, query, rowID); err != nil {
		return fmt.Errorf("%w: delete %s id=%d: %v", cmn.ErrExpectedDrift, table.Name, rowID, err)
	}
	return nil
}

// bumpSequence re-bumps the table's primary-key sequence past max(id),
// the equivalent of _update_sequence_after_sync, run after every apply so
// a subsequent locally-originated INSERT never collides with a replicated
// row.
func bumpSequence(ctx context.Context, pool *pgxpool.Pool, table schema.Table) error {
	query := fmt.Sprintf(
		`SELECT setval(pg_get_serial_sequence('%s', '%s'), GREATEST((SELECT COALESCE(MAX(%s), 0) FROM %s) + 1, 1), false)`,
		table.Name, table.PK, table.PK, table.Name,
	)
	if _, err := pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("%w: bump sequence for %s: %v", cmn.ErrSequenceCollision, table.Name, err)
	}
	return nil
}

// tableStats is the (count, min(id), max(id)) triple computed per node
// during full reconciliation.
type tableStats struct {
	Count int64
	MinID int64
	MaxID int64
}

func fetchStats(ctx context.Context, pool *pgxpool.Pool, table schema.Table) (tableStats, error) {
	query := fmt.Sprintf("SELECT count(*), COALESCE(MIN(%s),0), COALESCE(MAX(%s),0) FROM %s", table.PK, table.PK, table.Name)
	var s tableStats
	if err := pool.QueryRow(ctx, query).Scan(&s.Count, &s.MinID, &s.MaxID); err != nil {
		return tableStats{}, fmt.Errorf("%w: stats for %s: %v", cmn.ErrSchemaOrConn, table.Name, err)
	}
	return s, nil
}

// newestRow is one (id, updated_at) tuple from a table's newest-N rows.
type newestRow struct {
	ID        int64
	UpdatedAt time.Time
}

func fetchNewest(ctx context.Context, pool *pgxpool.Pool, table schema.Table, n int) ([]newestRow, error) {
	query := fmt.Sprintf("SELECT %s, updated_at FROM %s ORDER BY %s DESC LIMIT $1", table.PK, table.Name, table.PK)
	rows, err := pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("%w: newest rows for %s: %v", cmn.ErrSchemaOrConn, table.Name, err)
	}
	defer rows.Close()

	var out []newestRow
	for rows.Next() {
		var r newestRow
		if err := rows.Scan(&r.ID, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// fetchRow pulls a full row (every replicated column, keyed by name) for
// copying between nodes during reconciliation.
func fetchRow(ctx context.Context, pool *pgxpool.Pool, table schema.Table, rowID int64) (map[string]any, bool, error) {
	names := make([]string, 0, len(table.Columns)+1)
	names = append(names, table.PK)
	for _, c := range table.Columns {
		names = append(names, c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1", strings.Join(names, ", "), table.Name, table.PK)

	rows, err := pool.Query(ctx, query, rowID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: fetch row %s/%d: %v", cmn.ErrSchemaOrConn, table.Name, rowID, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, false, rows.Err()
	}
	values, err := rows.Values()
	if err != nil {
		return nil, false, err
	}
	out := make(map[string]any, len(names))
	for i, name := range names {
		out[name] = values[i]
	}
	return out, true, nil
}

// fetchRowsAfter returns up to limit full rows whose id exceeds afterID,
// ordered by id, for bulk copy during reconciliation.
func fetchRowsAfter(ctx context.Context, pool *pgxpool.Pool, table schema.Table, afterID int64, limit int) ([]map[string]any, error) {
	names := make([]string, 0, len(table.Columns)+1)
	names = append(names, table.PK)
	for _, c := range table.Columns {
		names = append(names, c.Name)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > $1 ORDER BY %s LIMIT $2", strings.Join(names, ", "), table.Name, table.PK, table.PK)

	rows, err := pool.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch rows after %d for %s: %v", cmn.ErrSchemaOrConn, afterID, table.Name, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(names))
		for i, name := range names {
			row[name] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// upsertRawRow applies a full row (as returned by fetchRow/fetchRowsAfter)
// onto pool via the same upsert-by-id discipline as upsert, used when
// reconciliation copies rows wholesale between nodes.
func upsertRawRow(ctx context.Context, pool *pgxpool.Pool, table schema.Table, row map[string]any) error {
	rowID, ok := asInt64(row[table.PK])
	if !ok {
		return fmt.Errorf("repl: row missing numeric %s", table.PK)
	}
	cols := []string{table.PK}
	placeholders := []string{"$1"}
	args := []any{rowID}
	setClauses := make([]string, 0, len(table.Columns))
	i := 2
	for _, c := range table.Columns {
		cols = append(cols, c.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		args = append(args, row[c.Name])
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
		i++
	}
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table.Name, strings.Join(cols, ", "), strings.Join(placeholders, ", "), table.PK, strings.Join(setClauses, ", "),
	)
	if _, err := pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: bulk upsert into %s: %v", cmn.ErrExpectedDrift, table.Name, err)
	}
	return bumpSequence(ctx, pool, table)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}
