package repl

import (
	"encoding/json"
	"testing"
	"time"
)

func TestColumnJSONRoundTripScalar(t *testing.T) {
	c := Column{Name: "width", Value: Scalar{V: float64(42)}}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Column
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sv, ok := got.Value.(Scalar)
	if !ok {
		t.Fatalf("expected Scalar, got %T", got.Value)
	}
	if sv.V != float64(42) {
		t.Errorf("expected 42, got %v", sv.V)
	}
}

func TestColumnJSONRoundTripTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Column{Name: "created_at", Value: Timestamp{T: ts}}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Column
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tv, ok := got.Value.(Timestamp)
	if !ok {
		t.Fatalf("expected Timestamp, got %T", got.Value)
	}
	if !tv.T.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, tv.T)
	}
}

func TestColumnJSONRoundTripJSON(t *testing.T) {
	c := Column{Name: "tags", Value: JSONText{Raw: `["cat","dog"]`}}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Column
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	jv, ok := got.Value.(JSONText)
	if !ok {
		t.Fatalf("expected JSONText, got %T", got.Value)
	}
	if jv.Raw != `["cat","dog"]` {
		t.Errorf("unexpected raw payload: %s", jv.Raw)
	}
}

func TestColumnUnmarshalUnknownKind(t *testing.T) {
	var got Column
	err := json.Unmarshal([]byte(`{"name":"x","kind":"bogus","value":1}`), &got)
	if err == nil {
		t.Fatal("expected error for unknown wire kind")
	}
}

func TestOpJSONRoundTrip(t *testing.T) {
	op := Op{
		ID:      "op-1",
		Kind:    OpUpdate,
		Table:   "images",
		RowID:   7,
		Payload: []Column{{Name: "title", Value: Scalar{V: "cat"}}},
		Origin:  "primary",
		Targets: []string{"secondary"},
		Status:  StatusPending,
	}
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got Op
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != op.ID || got.Table != op.Table || got.RowID != op.RowID {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Payload) != 1 || got.Payload[0].Name != "title" {
		t.Errorf("unexpected payload: %+v", got.Payload)
	}
}

func TestOpTargetsEmptyMeansAll(t *testing.T) {
	op := Op{Targets: nil}
	if !opTargets(op, "anything") {
		t.Fatal("expected empty targets to match every node")
	}
	op.Targets = []string{"a", "b"}
	if opTargets(op, "c") {
		t.Fatal("expected non-listed target to be excluded")
	}
	if !opTargets(op, "a") {
		t.Fatal("expected listed target to match")
	}
}
