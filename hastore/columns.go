package hastore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/repl"
	"github.com/NVIDIA/imgcrawld/schema"
)

// toColumnValue classifies a raw Row value against the table's declared
// column kind, producing the tagged repl.ColumnValue the replication log
// carries. A jsonb column may be handed either a pre-encoded string or a
// Go value to marshal.
func toColumnValue(kind schema.ColumnKind, name string, v any) (repl.ColumnValue, error) {
	switch kind {
	case schema.KindTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("%w: column %s expects a time.Time, got %T", cmn.ErrSchema, name, v)
		}
		return repl.Timestamp{T: t}, nil
	case schema.KindJSON:
		if s, ok := v.(string); ok {
			return repl.JSONText{Raw: s}, nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %s: %v", cmn.ErrParse, name, err)
		}
		return repl.JSONText{Raw: string(raw)}, nil
	default:
		return repl.Scalar{V: v}, nil
	}
}

// buildInsert builds the INSERT column/placeholder/arg lists for every
// column of row present in table's schema, plus the tagged Column slice
// the replication log will carry.
func buildInsert(table schema.Table, row Row) (cols, placeholders string, args []any, payload []repl.Column, err error) {
	var colNames, phs []string
	for _, c := range table.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cv, err := toColumnValue(c.Kind, c.Name, v)
		if err != nil {
			return "", "", nil, nil, err
		}
		colNames = append(colNames, c.Name)
		phs = append(phs, fmt.Sprintf("$%d%s", len(args)+1, castSuffix(c.Kind)))
		args = append(args, rawArg(cv))
		payload = append(payload, repl.Column{Name: c.Name, Value: cv})
	}
	return strings.Join(colNames, ", "), strings.Join(phs, ", "), args, payload, nil
}

// buildUpdate builds a "col = $n, col2 = $n2" SET clause for every column
// of row present in table's schema, plus the tagged Column slice.
func buildUpdate(table schema.Table, row Row) (setClauses string, args []any, payload []repl.Column, err error) {
	var clauses []string
	for _, c := range table.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cv, err := toColumnValue(c.Kind, c.Name, v)
		if err != nil {
			return "", nil, nil, err
		}
		clauses = append(clauses, fmt.Sprintf("%s = $%d%s", c.Name, len(args)+1, castSuffix(c.Kind)))
		args = append(args, rawArg(cv))
		payload = append(payload, repl.Column{Name: c.Name, Value: cv})
	}
	return strings.Join(clauses, ", "), args, payload, nil
}

func castSuffix(kind schema.ColumnKind) string {
	if kind == schema.KindJSON {
		return "::jsonb"
	}
	return ""
}

func rawArg(cv repl.ColumnValue) any {
	switch v := cv.(type) {
	case repl.Scalar:
		return v.V
	case repl.Timestamp:
		return v.T
	case repl.JSONText:
		return v.Raw
	default:
		return nil
	}
}
