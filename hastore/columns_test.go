package hastore

import (
	"testing"
	"time"

	"github.com/NVIDIA/imgcrawld/repl"
	"github.com/NVIDIA/imgcrawld/schema"
)

func TestBuildInsertClassifiesColumnKinds(t *testing.T) {
	row := Row{
		"url":        "http://example.com/cat.jpg",
		"width":      1200,
		"created_at": time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		"tags":       []string{"cat", "cute"},
	}
	cols, placeholders, args, payload, err := buildInsert(schema.Images, row)
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}
	if cols == "" || placeholders == "" {
		t.Fatal("expected non-empty column/placeholder lists")
	}
	if len(args) != len(payload) {
		t.Fatalf("args/payload length mismatch: %d vs %d", len(args), len(payload))
	}

	var sawTimestamp, sawJSON, sawScalar bool
	for _, c := range payload {
		switch c.Value.(type) {
		case repl.Timestamp:
			sawTimestamp = true
		case repl.JSONText:
			sawJSON = true
		case repl.Scalar:
			sawScalar = true
		}
	}
	if !sawTimestamp || !sawJSON || !sawScalar {
		t.Errorf("expected all three column kinds classified, got timestamp=%v json=%v scalar=%v", sawTimestamp, sawJSON, sawScalar)
	}
}

func TestBuildInsertSkipsColumnsNotInRow(t *testing.T) {
	row := Row{"url": "http://example.com/cat.jpg"}
	_, _, args, payload, err := buildInsert(schema.Images, row)
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}
	if len(args) != 1 || len(payload) != 1 {
		t.Fatalf("expected exactly one bound column, got %d args / %d payload", len(args), len(payload))
	}
}

func TestBuildInsertRejectsWrongTimestampType(t *testing.T) {
	row := Row{"created_at": "not-a-time"}
	if _, _, _, _, err := buildInsert(schema.Images, row); err == nil {
		t.Fatal("expected error for non-time.Time value in a timestamp column")
	}
}

func TestBuildUpdateProducesSetClause(t *testing.T) {
	row := Row{"title": "new title"}
	setClauses, args, payload, err := buildUpdate(schema.Images, row)
	if err != nil {
		t.Fatalf("buildUpdate: %v", err)
	}
	if setClauses == "" {
		t.Fatal("expected non-empty SET clause")
	}
	if len(args) != 1 || len(payload) != 1 {
		t.Fatalf("expected one bound column, got %d args / %d payload", len(args), len(payload))
	}
}
