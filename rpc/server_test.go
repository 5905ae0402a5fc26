package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/NVIDIA/imgcrawld/cluster"
	"github.com/NVIDIA/imgcrawld/cmn"
	"github.com/NVIDIA/imgcrawld/failover"
	"github.com/NVIDIA/imgcrawld/repl"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	reg, err := cluster.NewRegistry(cmn.HAConfig{
		Nodes: []cmn.NodeConfig{
			{Name: "p", Role: "primary", Priority: 1},
			{Name: "s1", Role: "secondary", Priority: 2},
		},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	log := repl.NewLog(10)
	workers := repl.NewWorkers(log, nil, cmn.SyncConfig{}, nil)
	return New("p", reg, log, workers, nil, nil)
}

func TestHandleHealthReportsLocalRole(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["role"] != "primary" {
		t.Errorf("expected primary role, got %v", body["role"])
	}
}

func TestHandleStatusListsNodes(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	nodes, ok := body["nodes"].([]any)
	if !ok || len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %v", body["nodes"])
	}
}

func TestHandleSyncAppendsOp(t *testing.T) {
	s := testServer(t)
	payload := []byte(`{"operation_id":"op-1","operation_type":"insert","table_name":"images","source_node":"s1"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/sync", bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.log.Len() != 1 {
		t.Fatalf("expected op appended to log, got len %d", s.log.Len())
	}
}

func TestHandleSyncToggleEnableDisable(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sync/disable", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if s.workers.Enabled() {
		t.Fatal("expected workers disabled after toggle")
	}

	req = httptest.NewRequest(http.MethodPost, "/api/sync/enable", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if !s.workers.Enabled() {
		t.Fatal("expected workers enabled after toggle")
	}
}

func TestHandleSyncToggleUnknownAction(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/sync/bogus", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown action, got %d", rec.Code)
	}
}

type fakeFailover struct {
	ev  failover.Event
	err error
}

func (f *fakeFailover) Trigger(ctx context.Context, reason string) (failover.Event, error) {
	return f.ev, f.err
}

func TestHandleFailoverReturnsNewPrimary(t *testing.T) {
	s := testServer(t)
	s.failover = &fakeFailover{ev: failover.Event{NewPrimary: "s1"}}

	req := httptest.NewRequest(http.MethodPost, "/api/failover/s1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["new_primary"] != "s1" {
		t.Errorf("expected new_primary s1, got %v", body)
	}
}

func TestHandleReplicationLagReportsSecondaries(t *testing.T) {
	s := testServer(t)
	view := s.registry.Get()
	view.Nodes["s1"].LagSeconds.Store(12.5)

	req := httptest.NewRequest(http.MethodGet, "/api/replication-lag", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	lag, ok := body["lag_seconds"].(map[string]any)
	if !ok {
		t.Fatalf("expected lag_seconds map, got %v", body["lag_seconds"])
	}
	if lag["s1"] != 12.5 {
		t.Errorf("expected s1 lag 12.5, got %v", lag["s1"])
	}
}
