package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSessionAppliesDelayGate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{
		RandomDelay: false,
		FixedDelay:  50 * time.Millisecond,
		MaxRetries:  0,
	})

	start := time.Now()
	for i := 0; i < 3; i++ {
		resp, err := s.Get(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		resp.Body.Close()
	}
	elapsed := time.Since(start)
	if elapsed < 2*50*time.Millisecond {
		t.Errorf("expected delay gate to space out 3 requests by >= 100ms, took %s", elapsed)
	}
}

func TestSessionSetsRefererAndUserAgent(t *testing.T) {
	var gotUA, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotReferer = r.Header.Get("Referer")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{UseRandomUserAgent: false})
	resp, err := s.Get(context.Background(), srv.URL+"/image.jpg")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if gotUA == "" {
		t.Error("expected a non-empty User-Agent")
	}
	if gotReferer == "" {
		t.Error("expected a Referer derived from the request origin")
	}
}

func TestSessionRetriesOn500(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := New(Options{MaxRetries: 5})
	resp, err := s.Get(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected eventual 200, got %d after %d attempts", resp.StatusCode, attempts)
	}
	if attempts < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts)
	}
}
