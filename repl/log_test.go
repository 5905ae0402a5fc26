package repl

import (
	"fmt"
	"testing"
	"time"
)

func makeOp(id string) Op {
	return Op{
		ID:        id,
		Kind:      OpInsert,
		Table:     "images",
		RowID:     1,
		Payload:   []Column{{Name: "url", Value: Scalar{V: "http://x/" + id}}},
		Status:    StatusPending,
		CreatedAt: time.Unix(0, 0),
	}
}

func TestLogAppendAndDrainPreservesOrder(t *testing.T) {
	l := NewLog(10)
	for i := 0; i < 5; i++ {
		l.Append(makeOp(fmt.Sprintf("op-%d", i)))
	}
	if got := l.Len(); got != 5 {
		t.Fatalf("expected 5 queued, got %d", got)
	}

	ops := l.Drain()
	if len(ops) != 5 {
		t.Fatalf("expected 5 drained, got %d", len(ops))
	}
	for i, op := range ops {
		want := fmt.Sprintf("op-%d", i)
		if op.ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, op.ID)
		}
	}
	if got := l.Len(); got != 0 {
		t.Fatalf("expected empty after drain, got %d", got)
	}
}

func TestLogDrainEmpty(t *testing.T) {
	l := NewLog(10)
	if ops := l.Drain(); ops != nil {
		t.Fatalf("expected nil drain of empty log, got %v", ops)
	}
}

func TestLogOverflowDropsOldest(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Append(makeOp(fmt.Sprintf("op-%d", i)))
	}
	if got := l.Len(); got != 3 {
		t.Fatalf("expected capacity-bounded 3, got %d", got)
	}
	ops := l.Drain()
	want := []string{"op-2", "op-3", "op-4"}
	for i, op := range ops {
		if op.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], op.ID)
		}
	}
}

func TestLogWakeSignalsOnAppend(t *testing.T) {
	l := NewLog(10)
	l.Append(makeOp("op-0"))
	select {
	case <-l.Wake():
	default:
		t.Fatal("expected wake channel to be signaled after append")
	}
}
