// Package repl implements the replication log, incremental sync workers,
// and periodic full reconciliation that keep HA database nodes consistent.
// Grounded on original_source/database/distributed_ha_manager.py
// (_sync_loop, _full_sync_loop, _check_and_sync_data,
// _sync_table_missing_records*, _update_sequence_after_sync), restructured
// per DESIGN NOTES §9 around a typed tagged-variant payload instead of an
// untyped dict.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package repl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/NVIDIA/imgcrawld/cmn"
)

// OpKind is a replicated mutation kind.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus tracks an operation's lifecycle as it's drained and applied.
type OpStatus string

const (
	StatusPending OpStatus = "pending"
	StatusApplied OpStatus = "applied"
	StatusFailed  OpStatus = "failed"
)

// ColumnValue is the tagged-variant sum type DESIGN NOTES §9 calls for in
// place of an untyped payload dict: every column value is exactly one of
// Scalar, Timestamp, or JSONText, each owning its own (de)serialization.
type ColumnValue interface {
	columnValue()
}

// Scalar is a plain number, string, or bool column value, bound verbatim.
type Scalar struct {
	V any `json:"v"`
}

func (Scalar) columnValue() {}

// Timestamp is an ISO-8601 timestamp column value.
type Timestamp struct {
	T time.Time `json:"t"`
}

func (Timestamp) columnValue() {}

// JSONText is a dict/list column value (jsonb), carried as its original
// JSON text until the receiver decodes and rebinds it.
type JSONText struct {
	Raw string `json:"raw"`
}

func (JSONText) columnValue() {}

// Column pairs a column name with its tagged value.
type Column struct {
	Name  string
	Value ColumnValue
}

type wireColumn struct {
	Name  string          `json:"name"`
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes a Column as {"name","kind","value"} so a receiver can
// dispatch on "kind" before parsing "value", the wire shape needed by the
// /api/sync RPC-based delivery mode (§4.10).
func (c Column) MarshalJSON() ([]byte, error) {
	var kind string
	var raw any
	switch v := c.Value.(type) {
	case Scalar:
		kind, raw = "scalar", v.V
	case Timestamp:
		kind, raw = "timestamp", v.T.Format(time.RFC3339Nano)
	case JSONText:
		kind, raw = "json", v.Raw
	default:
		return nil, fmt.Errorf("repl: column %q has unknown value type %T", c.Name, c.Value)
	}
	value, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireColumn{Name: c.Name, Kind: kind, Value: value})
}

func (c *Column) UnmarshalJSON(data []byte) error {
	var w wireColumn
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Name = w.Name
	switch w.Kind {
	case "scalar":
		var v any
		if err := json.Unmarshal(w.Value, &v); err != nil {
			return err
		}
		c.Value = Scalar{V: v}
	case "timestamp":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("repl: column %q: parse timestamp %q: %w", w.Name, s, err)
		}
		c.Value = Timestamp{T: t}
	case "json":
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return err
		}
		c.Value = JSONText{Raw: s}
	default:
		return fmt.Errorf("repl: column %q has unknown wire kind %q", w.Name, w.Kind)
	}
	return nil
}

// Op is one replicated mutation, enqueued by the Auto-Sync Session on
// commit (§4.8) and drained by Workers (§4.7).
type Op struct {
	ID        string
	Kind      OpKind
	Table     string
	RowID     int64
	Payload   []Column
	Origin    string
	Targets   []string
	Status    OpStatus
	CreatedAt time.Time
}

// NewOpID derives a Sync Operation identity from the staging timestamp and
// origin node per §3, with cmn.GenTie as a monotonic tiebreaker for ops
// staged within the same nanosecond on the same node.
func NewOpID(origin string, at time.Time) string {
	return fmt.Sprintf("%d-%s-%s", at.UnixNano(), origin, cmn.GenTie())
}
