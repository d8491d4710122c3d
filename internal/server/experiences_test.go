package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
)

func seededServer(t *testing.T) (*Server, *experience.Store) {
	t.Helper()
	srv, s, _ := seededServerWithMetrics(t)
	return srv, s
}

func seededServerWithMetrics(t *testing.T) (*Server, *experience.Store, *telemetry.Metrics) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experience_memory.json")
	s, err := experience.Open(path, experience.WithLocker(&experience.MutexLocker{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	for _, e := range []struct {
		cat, res string
		score    float64
	}{
		{"network", "Run mtr between tiers and compare routing tables", 0.86},
		{"disk", "Rotate logs with logrotate and prune docker images", 0.91},
		{"network", "Check MTU mismatch on the new switch", 0.95},
	} {
		if _, err := s.Store(ctx, e.cat, e.res, e.score); err != nil {
			t.Fatalf("Store: %v", err)
		}
	}
	m := telemetry.NewMetrics()
	return New(config.ServerConfig{Address: "127.0.0.1:0"}, s, m, nil), s, m
}

func get(t *testing.T, srv *Server, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", target, err)
		}
	}
	return rec, body
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, m := seededServerWithMetrics(t)
	rec, _ := get(t, srv, "/healthz")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}

	// Labelled counters are absent until a label set is observed.
	rec, _ = get(t, srv, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Fatalf("metrics = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "selfheal_runs_total{") {
		t.Fatal("no run observed yet")
	}

	m.ObserveRun("CONVERGED", 2)
	rec, _ = get(t, srv, "/metrics")
	if !strings.Contains(rec.Body.String(), `selfheal_runs_total{outcome="CONVERGED"} 1`) {
		t.Fatalf("metrics after run:\n%s", rec.Body.String())
	}
}

func TestStats(t *testing.T) {
	srv, _ := seededServer(t)
	rec, body := get(t, srv, "/api/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if body["total_resolutions"].(float64) != 3 || body["best_score"].(float64) != 0.95 {
		t.Fatalf("stats = %v", body)
	}
}

func TestExperiencesListAndRetrieve(t *testing.T) {
	srv, _ := seededServer(t)
	_, body := get(t, srv, "/api/experiences")
	if body["total"].(float64) != 3 {
		t.Fatalf("list = %v", body)
	}

	rec, body := get(t, srv, "/api/experiences?category=NET&top_k=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	matches := body["experiences"].([]any)
	if len(matches) != 1 || matches[0].(map[string]any)["score"].(float64) != 0.95 {
		t.Fatalf("retrieve = %v", body)
	}
	if body["total_matching"].(float64) != 2 {
		t.Fatalf("total_matching = %v", body["total_matching"])
	}

	rec, body = get(t, srv, "/api/experiences?category=net&top_k=zero")
	if rec.Code != http.StatusBadRequest || body["error"] == nil {
		t.Fatalf("bad top_k = %d %v", rec.Code, body)
	}
}

func TestExperienceByID(t *testing.T) {
	srv, _ := seededServer(t)
	rec, body := get(t, srv, "/api/experiences/2")
	if rec.Code != http.StatusOK || body["category"] != "disk" {
		t.Fatalf("get = %d %v", rec.Code, body)
	}
	if rec, _ := get(t, srv, "/api/experiences/99"); rec.Code != http.StatusNotFound {
		t.Fatalf("missing id = %d", rec.Code)
	}
	if rec, _ := get(t, srv, "/api/experiences/abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id = %d", rec.Code)
	}
}

func TestTimelineAndSearch(t *testing.T) {
	srv, _ := seededServer(t)
	_, body := get(t, srv, "/api/timeline")
	points := body["timeline"].([]any)
	if len(points) != 3 {
		t.Fatalf("timeline = %v", body)
	}
	last := points[2].(map[string]any)
	if last["cumulative_avg"].(float64) != 0.907 {
		t.Fatalf("cumulative avg = %v", last["cumulative_avg"])
	}

	rec, body := get(t, srv, "/api/search?q=logrotate")
	if rec.Code != http.StatusOK {
		t.Fatalf("search status %d", rec.Code)
	}
	hits := body["hits"].([]any)
	if len(hits) != 1 {
		t.Fatalf("hits = %v", hits)
	}
	if rec, _ := get(t, srv, "/api/search"); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q = %d", rec.Code)
	}
}

func TestEmptyStore(t *testing.T) {
	s, err := experience.Open(filepath.Join(t.TempDir(), "empty.json"), experience.WithLocker(&experience.MutexLocker{}))
	if err != nil {
		t.Fatal(err)
	}
	srv := New(config.ServerConfig{}, s, nil, nil)
	_, body := get(t, srv, "/api/stats")
	if body["empty"] != true || body["message"] != "No experiences stored yet." {
		t.Fatalf("empty stats = %v", body)
	}
	_, body = get(t, srv, "/api/experiences")
	if got := body["experiences"].([]any); len(got) != 0 {
		t.Fatalf("experiences = %v", got)
	}
	if rec, _ := get(t, srv, "/metrics"); rec.Code != http.StatusNotFound {
		t.Fatalf("metrics without registry = %d", rec.Code)
	}
}

func TestRunShutsDown(t *testing.T) {
	srv, _ := seededServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
