package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "2" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "limit must be 2 in this test"})
			return
		}
		code := 0
		_ = json.NewEncoder(w).Encode([]Run{{RunID: "B", Status: "running"}, {RunID: "A", Status: "succeeded", ExitCode: &code}})
	})
	mux.HandleFunc("/api/runs/A", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]Event{{Type: "run_start", RunID: "A"}, {Type: "run_end", RunID: "A"}})
	})
	mux.HandleFunc("/api/runs/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "run not found"})
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		_ = json.NewEncoder(w).Encode([]Event{{Type: q.Get("type"), RunID: q.Get("run_id"), ReplicaID: 1}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientEndpoints(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL + "/api", Timeout: time.Second})
	ctx := context.Background()

	if !c.IsReachable(ctx) {
		t.Fatal("server should be reachable")
	}
	runs, err := c.Runs(ctx, 2)
	if err != nil || len(runs) != 2 || runs[1].ExitCode == nil {
		t.Fatalf("Runs: %v %+v", err, runs)
	}
	events, err := c.Run(ctx, "A")
	if err != nil || len(events) != 2 {
		t.Fatalf("Run: %v %+v", err, events)
	}
	if _, err := c.Run(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	events, err = c.Events(ctx, EventQuery{RunID: "A", Type: "replica_exit", Limit: 5})
	if err != nil || len(events) != 1 || events[0].Type != "replica_exit" || events[0].RunID != "A" {
		t.Fatalf("Events: %v %+v", err, events)
	}
	if _, err := c.Runs(ctx, 3); err == nil {
		t.Fatal("expected API error")
	}
}

func TestClientUnreachable(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/api", Timeout: 200 * time.Millisecond})
	if c.IsReachable(context.Background()) {
		t.Fatal("expected unreachable")
	}
}

func TestDefaults(t *testing.T) {
	c := New(Config{})
	if c.baseURL != DefaultConfig().BaseURL || c.client.Timeout != 10*time.Second {
		t.Fatalf("defaults not applied: %s %v", c.baseURL, c.client.Timeout)
	}
}
