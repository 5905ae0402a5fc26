package api

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/NVIDIA/imgcrawld/crawl"
	"github.com/NVIDIA/imgcrawld/transport"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	session := transport.New(transport.Options{})
	return New(session, t.TempDir(), crawl.Options{}, nil)
}

func TestHandleStartCrawlRejectsMissingURL(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("POST", "/crawl", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleStartCrawlRejectsConcurrent(t *testing.T) {
	s := testServer(t)
	s.crawling.Store(true)
	req := httptest.NewRequest("POST", "/crawl", bytes.NewBufferString(`{"start_url":"http://example.com"}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 409 {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCrawlStatusReportsIdleByDefault(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("GET", "/crawl/status", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "idle" {
		t.Fatalf("expected idle status, got %v", body["status"])
	}
}

func TestHandleListImagesWithoutClusterReturnsUnavailable(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("GET", "/images", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleDeleteImagesWithoutClusterReturnsUnavailable(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("DELETE", "/images", bytes.NewBufferString(`{"ids":[1,2]}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 503 {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleTaskStatusUnknownID(t *testing.T) {
	s := testServer(t)
	req := httptest.NewRequest("GET", "/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleTaskStatusReportsProgress(t *testing.T) {
	s := testServer(t)
	task := s.tasks.create(5)
	task.mu.Lock()
	task.Processed, task.Deleted = 5, 4
	task.Errors = []string{"row 3: not found"}
	task.mu.Unlock()
	task.setStatus(taskCompleted)

	req := httptest.NewRequest("GET", "/tasks/"+task.id, nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var snap taskSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "completed" || snap.Deleted != 4 || len(snap.Errors) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestTaskStoreCreateGenerateUniqueIDs(t *testing.T) {
	ts := newTaskStore()
	a := ts.create(1)
	b := ts.create(1)
	if a.id == b.id {
		t.Fatalf("expected unique task ids, got %q twice", a.id)
	}
	time.Sleep(time.Millisecond)
	if _, ok := ts.get(a.id); !ok {
		t.Fatalf("expected to find task %s", a.id)
	}
}
