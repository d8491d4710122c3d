package resolver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/reflexion"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"github.com/mohammad-safakhou/selfheal/provider"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeModel answers by recognising which stage wrote the prompt.
type fakeModel struct {
	mu          sync.Mutex
	scores      []float64
	criticCalls int
	refinements int
	prompts     map[string][]string
	failOn      string
}

func (f *fakeModel) provider() provider.Provider {
	return provider.Func(func(ctx context.Context, prompt string) (string, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.prompts == nil {
			f.prompts = make(map[string][]string)
		}
		stage := "narrator"
		switch {
		case strings.Contains(prompt, "triage specialist"):
			stage = "triage"
		case strings.Contains(prompt, "resolution engineer"):
			stage = "resolution"
		case strings.Contains(prompt, "operations reviewer"):
			stage = "critic"
		case strings.Contains(prompt, "refinement specialist"):
			stage = "refiner"
		}
		f.prompts[stage] = append(f.prompts[stage], prompt)
		if stage == f.failOn {
			return "", faults.Collaborator("model", "generate", context.DeadlineExceeded)
		}
		switch stage {
		case "triage":
			return `{"priority":"P2","category":"disk","blast_radius":"single server","symptoms":["95% disk"],"summary":"log growth"}`, nil
		case "resolution":
			return `{"resolution":"1. du -sh /var/log","confidence":0.6}`, nil
		case "critic":
			s := f.scores[len(f.scores)-1]
			if f.criticCalls < len(f.scores) {
				s = f.scores[f.criticCalls]
			}
			f.criticCalls++
			return fmt.Sprintf(`{"completeness":%[1]g,"specificity":%[1]g,"safety":%[1]g,"efficiency":%[1]g,"learning":%[1]g,"feedback":["add rollback"]}`, s), nil
		case "refiner":
			f.refinements++
			return fmt.Sprintf(`{"resolution":"1. du -sh /var/log\n2. rollback v%d","confidence":0.9}`, f.refinements), nil
		default:
			return "Disk incident resolved.", nil
		}
	})
}

func openStore(t *testing.T) *experience.Store {
	t.Helper()
	s, err := experience.Open(filepath.Join(t.TempDir(), "experience_memory.json"), experience.WithLocker(&experience.MutexLocker{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func newResolver(t *testing.T, model *fakeModel, store *experience.Store, loop config.LoopConfig, narrate bool, m *telemetry.Metrics) *Resolver {
	t.Helper()
	r, err := New(Options{Model: model.provider(), Memory: store, Loop: loop, Narrate: narrate, Metrics: m})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestResolveConvergesAndLearns(t *testing.T) {
	store := openStore(t)
	model := &fakeModel{scores: []float64{0.7, 0.9}}
	r := newResolver(t, model, store, config.LoopConfig{QualityThreshold: 0.85, MaxIterations: 5}, false, nil)

	res, err := r.Resolve(context.Background(), "Disk space critical at 95% on db-replica-02")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != reflexion.Converged || res.Iterations != 2 || res.Refinements != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Score != 0.9 || res.ExperienceID != 1 || res.NeedsReview || res.Category != "disk" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !strings.Contains(res.Resolution, "rollback v1") {
		t.Fatalf("resolution should be the refined proposal, got %q", res.Resolution)
	}

	list, err := store.List(context.Background())
	if err != nil || len(list) != 1 || list[0].Category != "disk" || list[0].Score != 0.9 {
		t.Fatalf("stored = %+v, %v", list, err)
	}

	// The next disk incident sees the stored resolution.
	if _, err := r.Resolve(context.Background(), "Disk full on web-01"); err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if !strings.Contains(model.prompts["triage"][1], "rollback v1") {
		t.Fatal("second triage prompt should include the learned resolution")
	}
}

func TestResolveExhausts(t *testing.T) {
	store := openStore(t)
	model := &fakeModel{scores: []float64{0.5}}
	m := telemetry.NewMetrics()
	r := newResolver(t, model, store, config.LoopConfig{QualityThreshold: 0.85, MaxIterations: 2}, false, m)

	res, err := r.Resolve(context.Background(), "Disk space critical")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Outcome != reflexion.Exhausted || !res.NeedsReview || res.Refinements != 2 || res.ExperienceID != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := len(model.prompts["critic"]); n != 2 {
		t.Fatalf("critic calls = %d, want 2", n)
	}
	if list, _ := store.List(context.Background()); len(list) != 0 {
		t.Fatalf("exhausted run must not store, got %d", len(list))
	}
	expected := `
# HELP selfheal_runs_total Incident runs by terminal outcome.
# TYPE selfheal_runs_total counter
selfheal_runs_total{outcome="EXHAUSTED"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "selfheal_runs_total"); err != nil {
		t.Fatal(err)
	}
}

func TestResolveStageFailure(t *testing.T) {
	model := &fakeModel{scores: []float64{0.9}, failOn: "resolution"}
	m := telemetry.NewMetrics()
	r := newResolver(t, model, openStore(t), config.LoopConfig{QualityThreshold: 0.85, MaxIterations: 5}, false, m)

	_, err := r.Resolve(context.Background(), "Disk space critical")
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != "resolution" {
		t.Fatalf("expected resolution StageError, got %v", err)
	}
	var ce faults.CollaboratorError
	if !errors.As(err, &ce) || !ce.TimedOut() {
		t.Fatalf("expected timed out collaborator error, got %v", err)
	}
	expected := `
# HELP selfheal_runs_total Incident runs by terminal outcome.
# TYPE selfheal_runs_total counter
selfheal_runs_total{outcome="failed"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "selfheal_runs_total"); err != nil {
		t.Fatal(err)
	}
	if len(model.prompts["critic"]) != 0 {
		t.Fatal("no later stage may run after a failure")
	}
}

func TestResolveNarrates(t *testing.T) {
	model := &fakeModel{scores: []float64{0.95}}
	r := newResolver(t, model, openStore(t), config.LoopConfig{QualityThreshold: 0.85, MaxIterations: 5}, true, nil)
	if got := strings.Join(r.Steps(), ","); got != "triage,resolution,reflexion,narrator" {
		t.Fatalf("steps = %s", got)
	}
	res, err := r.Resolve(context.Background(), "Disk space critical")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Narration == nil || res.Narration.Text != "Disk incident resolved." {
		t.Fatalf("narration = %+v", res.Narration)
	}
}

func TestResolveRejectsEmptyIncident(t *testing.T) {
	r := newResolver(t, &fakeModel{scores: []float64{0.9}}, openStore(t), config.LoopConfig{}, false, nil)
	if _, err := r.Resolve(context.Background(), "  "); !faults.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := strings.Join(r.Steps(), ","); got != "triage,resolution,reflexion" {
		t.Fatalf("narrator must be off by default, steps = %s", got)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without model and memory")
	}
}
