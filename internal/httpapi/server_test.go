package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/techsuite-notify/internal/connection"
	"github.com/rickgao/techsuite-notify/internal/journal"
)

type fakeManager struct {
	stats connection.Stats
}

func (m fakeManager) Stats() connection.Stats { return m.stats }

type fakeJournal struct {
	stats journal.Stats
}

func (j fakeJournal) Stats() journal.Stats { return j.stats }

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     connection.Status
		db         Pinger
		wantCode   int
		wantStatus string
	}{
		{"authenticated", connection.StatusAuthenticated, nil, http.StatusOK, "healthy"},
		{"authenticating", connection.StatusAuthenticating, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"reconnecting", connection.StatusReconnecting, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"error", connection.StatusError, nil, http.StatusServiceUnavailable, "unhealthy"},
		{"database up", connection.StatusAuthenticated, fakePinger{}, http.StatusOK, "healthy"},
		{"database down", connection.StatusAuthenticated, fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewRouter(Options{
				Manager:  fakeManager{stats: connection.Stats{Status: tt.status}},
				DB:       tt.db,
				Gatherer: prometheus.NewRegistry(),
			})

			rec := get(t, h, "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Status     string                     `json:"status"`
				Components map[string]json.RawMessage `json:"components"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if !strings.Contains(string(body.Components["connection"]), `"`+tt.status.String()+`"`) {
				t.Errorf("connection component = %s", body.Components["connection"])
			}
			if _, ok := body.Components["database"]; ok != (tt.db != nil) {
				t.Errorf("database component present = %v, want %v", ok, tt.db != nil)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	h := NewRouter(Options{
		Manager: fakeManager{stats: connection.Stats{
			Status:   connection.StatusReconnecting,
			Attempts: 2,
			QueueLen: 7,
			Channels: []string{"alerts", "tickets"},
		}},
		Journal:  fakeJournal{stats: journal.Stats{Inserts: 42}},
		Gatherer: prometheus.NewRegistry(),
	})

	rec := get(t, h, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body struct {
		Connection struct {
			Status   string   `json:"status"`
			Attempts int      `json:"attempts"`
			QueueLen int      `json:"queue_len"`
			Channels []string `json:"channels"`
		} `json:"connection"`
		Journal *struct {
			Inserts int64 `json:"inserts"`
		} `json:"journal"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if body.Connection.Status != "reconnecting" {
		t.Errorf("status = %q, want reconnecting", body.Connection.Status)
	}
	if body.Connection.Attempts != 2 || body.Connection.QueueLen != 7 {
		t.Errorf("unexpected connection stats: %+v", body.Connection)
	}
	if len(body.Connection.Channels) != 2 {
		t.Errorf("channels = %v", body.Connection.Channels)
	}
	if body.Journal == nil || body.Journal.Inserts != 42 {
		t.Errorf("journal = %+v", body.Journal)
	}
}

func TestStatus_WithoutJournal(t *testing.T) {
	h := NewRouter(Options{
		Manager:  fakeManager{},
		Gatherer: prometheus.NewRegistry(),
	})

	rec := get(t, h, "/status")
	if strings.Contains(rec.Body.String(), `"journal"`) {
		t.Errorf("unexpected journal section: %s", rec.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "notify_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	h := NewRouter(Options{
		Manager:     fakeManager{},
		Gatherer:    reg,
		MetricsPath: "/internal/metrics",
	})

	rec := get(t, h, "/internal/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "notify_test_total 3") {
		t.Errorf("metric missing from body:\n%s", rec.Body.String())
	}

	if rec := get(t, h, "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("default path code = %d, want 404", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewRouter(Options{Manager: fakeManager{}, Gatherer: prometheus.NewRegistry()})

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("code = %d, want 405", rec.Code)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(9191, http.NotFoundHandler())
	if srv.Addr != ":9191" {
		t.Errorf("Addr = %q, want :9191", srv.Addr)
	}
}
