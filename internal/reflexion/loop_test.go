package reflexion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type report struct{ category string }

func (r report) CategoryName() string { return r.category }

type proposal struct {
	text     string
	revision int
}

func (p proposal) ResolutionText() string { return p.text }

type scriptedCritic struct {
	scores []float64
	calls  int
	seen   []string
}

func (c *scriptedCritic) Name() string { return "critic" }
func (c *scriptedCritic) Reads() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyResolutionProposal, pipeline.KeyTriageReport}
}
func (c *scriptedCritic) Writes() pipeline.Key { return pipeline.KeyEvaluationResult }
func (c *scriptedCritic) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	p, err := pipeline.Value[proposal](in, pipeline.KeyResolutionProposal)
	if err != nil {
		return nil, err
	}
	c.seen = append(c.seen, p.text)
	score := c.scores[len(c.scores)-1]
	if c.calls < len(c.scores) {
		score = c.scores[c.calls]
	}
	c.calls++
	return NewVerdict(Uniform(score), []string{"add rollback steps"}, DefaultThreshold), nil
}

type countingRefiner struct {
	calls int
	err   error
}

func (r *countingRefiner) Name() string { return "refiner" }
func (r *countingRefiner) Reads() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyEvaluationResult, pipeline.KeyResolutionProposal, pipeline.KeyTriageReport}
}
func (r *countingRefiner) Writes() pipeline.Key { return pipeline.KeyResolutionProposal }
func (r *countingRefiner) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	if r.err != nil {
		return nil, r.err
	}
	prev, err := pipeline.Value[proposal](in, pipeline.KeyResolutionProposal)
	if err != nil {
		return nil, err
	}
	if _, err := pipeline.Value[Verdict](in, pipeline.KeyEvaluationResult); err != nil {
		return nil, err
	}
	r.calls++
	return proposal{text: fmt.Sprintf("revision %d", prev.revision+1), revision: prev.revision + 1}, nil
}

type recordingMemory struct {
	calls []stored
	err   error
}

type stored struct {
	Category   string
	Resolution string
	Score      float64
}

func (m *recordingMemory) Store(ctx context.Context, category, resolution string, score float64) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.calls = append(m.calls, stored{category, resolution, score})
	return len(m.calls), nil
}

func seededState() *pipeline.State {
	state := pipeline.NewState("run-1")
	state.Set(pipeline.KeyTriageReport, report{category: "database"}, "triage")
	state.Set(pipeline.KeyResolutionProposal, proposal{text: "revision 0"}, "resolution")
	return state
}

func TestLoopExhaustsWithoutStoring(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.5, 0.6, 0.7, 0.8, 0.84, 0.84, 0.84}}
	refiner := &countingRefiner{}
	mem := &recordingMemory{}
	loop, err := New(critic, refiner, mem, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	state := seededState()
	if err := loop.Execute(context.Background(), state); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rep, ok := ReportFrom(state)
	if !ok {
		t.Fatal("no report in state")
	}
	if rep.Outcome != Exhausted || !rep.NeedsReview() {
		t.Fatalf("outcome = %v", rep.Outcome)
	}
	if critic.calls != 5 || refiner.calls != 5 || rep.Refinements != 5 {
		t.Fatalf("critic=%d refiner=%d refinements=%d", critic.calls, refiner.calls, rep.Refinements)
	}
	if len(mem.calls) != 0 {
		t.Fatalf("exhausted loop stored %d experiences", len(mem.calls))
	}
	latest, _ := state.Get(pipeline.KeyResolutionProposal)
	if latest.(proposal).text != "revision 5" {
		t.Fatalf("best-effort proposal = %v", latest)
	}
}

func TestLoopConvergesOnSecondIteration(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.70, 0.85}}
	refiner := &countingRefiner{}
	mem := &recordingMemory{}
	loop, err := New(critic, refiner, mem, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	state := seededState()
	if err := loop.Execute(context.Background(), state); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rep, _ := ReportFrom(state)
	if rep.Outcome != Converged || rep.Iterations != 2 || rep.Refinements != 1 {
		t.Fatalf("report = %+v", rep)
	}
	want := []stored{{Category: "database", Resolution: "revision 1", Score: 0.85}}
	if diff := cmp.Diff(want, mem.calls); diff != "" {
		t.Fatalf("store calls (-want +got):\n%s", diff)
	}
	if rep.ExperienceID != 1 || rep.FinalScore != 0.85 {
		t.Fatalf("report = %+v", rep)
	}
	if diff := cmp.Diff([]string{"revision 0", "revision 1"}, critic.seen); diff != "" {
		t.Fatalf("critic must see the latest proposal (-want +got):\n%s", diff)
	}
}

func TestLoopConvergesImmediately(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.93}}
	refiner := &countingRefiner{}
	mem := &recordingMemory{}
	loop, _ := New(critic, refiner, mem, Config{})
	state := seededState()
	if err := loop.Execute(context.Background(), state); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rep, _ := ReportFrom(state)
	if rep.Outcome != Converged || refiner.calls != 0 || len(mem.calls) != 1 {
		t.Fatalf("report=%+v refiner=%d stores=%d", rep, refiner.calls, len(mem.calls))
	}
}

type inflatedCritic struct{ scriptedCritic }

func (c *inflatedCritic) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	c.calls++
	return Verdict{Scores: Uniform(0.5), Overall: 0.99, Passed: true}, nil
}

func TestLoopRecomputesOverallFromDimensions(t *testing.T) {
	critic := &inflatedCritic{}
	mem := &recordingMemory{}
	loop, err := New(critic, &countingRefiner{}, mem, Config{MaxIterations: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	state := seededState()
	if err := loop.Execute(context.Background(), state); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rep, _ := ReportFrom(state)
	if rep.Outcome != Exhausted || len(mem.calls) != 0 {
		t.Fatalf("report=%+v stores=%d", rep, len(mem.calls))
	}
	if rep.FinalScore != 0.5 || rep.Verdicts[0].Passed {
		t.Fatalf("verdict = %+v", rep.Verdicts[0])
	}
}

func TestLoopHonoursConfiguredBounds(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.88}}
	refiner := &countingRefiner{}
	mem := &recordingMemory{}
	loop, _ := New(critic, refiner, mem, Config{Threshold: 0.9, MaxIterations: 2})
	state := seededState()
	if err := loop.Execute(context.Background(), state); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rep, _ := ReportFrom(state)
	if rep.Outcome != Exhausted || critic.calls != 2 || refiner.calls != 2 {
		t.Fatalf("report=%+v critic=%d refiner=%d", rep, critic.calls, refiner.calls)
	}
}

func TestLoopStoreFailureAborts(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.9}}
	cause := faults.Collaborator("experience-store", "store: persist", errors.New("read-only filesystem"))
	loop, _ := New(critic, &countingRefiner{}, &recordingMemory{err: cause}, Config{})
	state := seededState()
	err := loop.Execute(context.Background(), state)
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != "reflexion" || !faults.IsCollaborator(err) {
		t.Fatalf("expected reflexion StageError wrapping collaborator error, got %v", err)
	}
	if _, ok := ReportFrom(state); ok {
		t.Fatal("aborted loop must not leave a report")
	}
}

func TestLoopRefinerFailureAborts(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.4}}
	refiner := &countingRefiner{err: faults.Collaborator("model", "generate", context.DeadlineExceeded)}
	mem := &recordingMemory{}
	loop, _ := New(critic, refiner, mem, Config{})
	err := loop.Execute(context.Background(), seededState())
	var se *pipeline.StageError
	if !errors.As(err, &se) || se.Stage != "refiner" {
		t.Fatalf("expected refiner StageError, got %v", err)
	}
	if len(mem.calls) != 0 {
		t.Fatal("failed run must not persist")
	}
}

func TestLoopDefaultsToGeneralCategory(t *testing.T) {
	critic := &scriptedCritic{scores: []float64{0.9}}
	mem := &recordingMemory{}
	loop, _ := New(critic, &countingRefiner{}, mem, Config{})
	state := pipeline.NewState("run-2")
	state.Set(pipeline.KeyTriageReport, report{category: " "}, "triage")
	state.Set(pipeline.KeyResolutionProposal, proposal{text: "restart"}, "resolution")
	if err := loop.Execute(context.Background(), state); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if mem.calls[0].Category != "general" {
		t.Fatalf("category = %q", mem.calls[0].Category)
	}
}

func TestNewRejectsMiswiredStages(t *testing.T) {
	critic := &scriptedCritic{}
	refiner := &countingRefiner{}
	if _, err := New(refiner, critic, &recordingMemory{}, Config{}); err == nil {
		t.Fatal("expected error when stages are swapped")
	}
}

func TestVerdictDerivesOverall(t *testing.T) {
	v := NewVerdict(Dimensions{Completeness: 1.4, Specificity: 0.8, Safety: 0.9, Efficiency: -0.2, Learning: 0.7}, []string{" ", "name the config file"}, 0.85)
	want := Verdict{
		Scores:   Dimensions{Completeness: 1, Specificity: 0.8, Safety: 0.9, Efficiency: 0, Learning: 0.7},
		Overall:  0.68,
		Feedback: []string{"name the config file"},
		Passed:   false,
	}
	if diff := cmp.Diff(want, v); diff != "" {
		t.Fatalf("verdict (-want +got):\n%s", diff)
	}
	if Outcome(Converged).String() != "CONVERGED" || Iterating.Terminal() {
		t.Fatal("outcome helpers")
	}
}
