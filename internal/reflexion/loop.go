// Package reflexion drives the bounded critique/refine loop that turns a
// first-draft resolution into one worth remembering.
package reflexion

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultThreshold     = 0.85
	DefaultMaxIterations = 5
)

var loopTracer trace.Tracer = otel.Tracer("selfheal/internal/reflexion")

// ExperienceWriter is the part of the experience store the loop needs.
// Store returns the id of the new record.
type ExperienceWriter interface {
	Store(ctx context.Context, category, resolution string, score float64) (int, error)
}

// StoreFunc adapts a function to ExperienceWriter.
type StoreFunc func(ctx context.Context, category, resolution string, score float64) (int, error)

func (f StoreFunc) Store(ctx context.Context, category, resolution string, score float64) (int, error) {
	return f(ctx, category, resolution, score)
}

// Categorized is implemented by the triage report.
type Categorized interface {
	CategoryName() string
}

// Proposal is implemented by the resolution proposal.
type Proposal interface {
	ResolutionText() string
}

// Config bounds the loop.
type Config struct {
	Threshold     float64
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// Report describes how the loop ended.
type Report struct {
	Outcome      Outcome   `json:"outcome"`
	Iterations   int       `json:"iterations"`
	Refinements  int       `json:"refinements"`
	FinalScore   float64   `json:"final_score"`
	Verdicts     []Verdict `json:"verdicts"`
	ExperienceID int       `json:"experience_id,omitempty"`
}

// NeedsReview is true when the loop gave up without passing the gate.
func (r Report) NeedsReview() bool { return r.Outcome == Exhausted }

// Loop alternates critic and refiner until the critic's overall score
// reaches the threshold or MaxIterations refinements have run. It holds no
// per-run state and may serve concurrent runs.
type Loop struct {
	critic  pipeline.Stage
	refiner pipeline.Stage
	memory  ExperienceWriter
	cfg     Config
	runner  *pipeline.Runner
	logger  *zap.Logger
	metrics *telemetry.Metrics
}

// Option configures a Loop.
type Option func(*Loop)

func WithRunner(r *pipeline.Runner) Option {
	return func(l *Loop) {
		if r != nil {
			l.runner = r
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = telemetry.OrNop(logger) }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// New builds a loop. The critic must write a Verdict under
// evaluation_result and the refiner must write resolution_proposal.
func New(critic, refiner pipeline.Stage, memory ExperienceWriter, cfg Config, opts ...Option) (*Loop, error) {
	if critic == nil || refiner == nil || memory == nil {
		return nil, fmt.Errorf("reflexion: critic, refiner and memory are required")
	}
	if critic.Writes() != pipeline.KeyEvaluationResult {
		return nil, fmt.Errorf("reflexion: critic %s writes %q, want %q", critic.Name(), critic.Writes(), pipeline.KeyEvaluationResult)
	}
	if refiner.Writes() != pipeline.KeyResolutionProposal {
		return nil, fmt.Errorf("reflexion: refiner %s writes %q, want %q", refiner.Name(), refiner.Writes(), pipeline.KeyResolutionProposal)
	}
	l := &Loop{
		critic:  critic,
		refiner: refiner,
		memory:  memory,
		cfg:     cfg.withDefaults(),
		runner:  &pipeline.Runner{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Loop) Name() string { return "reflexion" }

// Config returns the effective bounds.
func (l *Loop) Config() Config { return l.cfg }

// Execute runs the loop to a terminal outcome and records the Report under
// loop_report. Exhaustion is not an error.
func (l *Loop) Execute(ctx context.Context, state *pipeline.State) error {
	logger := l.logger.With(zap.String("run_id", state.RunID()))
	ctx, span := loopTracer.Start(ctx, "reflexion.loop",
		trace.WithAttributes(
			attribute.Float64("loop.threshold", l.cfg.Threshold),
			attribute.Int("loop.max_iterations", l.cfg.MaxIterations),
		))
	defer span.End()

	report := Report{Outcome: Iterating}
	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	for !report.Outcome.Terminal() {
		verdict, err := l.evaluate(ctx, state, report.Iterations+1)
		if err != nil {
			return fail(err)
		}
		report.Iterations++
		report.Verdicts = append(report.Verdicts, verdict)
		report.FinalScore = verdict.Overall
		l.metrics.ObserveScore(verdict.Overall)
		logger.Info("proposal evaluated",
			zap.Int("iteration", report.Iterations),
			zap.Float64("overall", verdict.Overall),
			zap.Int("feedback_items", len(verdict.Feedback)))

		if verdict.Overall >= l.cfg.Threshold {
			id, err := l.remember(ctx, state, verdict.Overall)
			if err != nil {
				return fail(err)
			}
			report.ExperienceID = id
			report.Outcome = Converged
			break
		}

		if err := l.runner.RunStage(ctx, state, l.refiner); err != nil {
			return fail(err)
		}
		report.Refinements++
		if report.Refinements >= l.cfg.MaxIterations {
			report.Outcome = Exhausted
		}
	}

	state.Set(pipeline.KeyLoopReport, report, l.Name())
	span.SetAttributes(
		attribute.String("loop.outcome", report.Outcome.String()),
		attribute.Int("loop.iterations", report.Iterations),
		attribute.Float64("loop.final_score", report.FinalScore),
	)
	span.SetStatus(codes.Ok, report.Outcome.String())
	logger.Info("loop finished",
		zap.Stringer("outcome", report.Outcome),
		zap.Int("iterations", report.Iterations),
		zap.Int("refinements", report.Refinements),
		zap.Float64("final_score", report.FinalScore))
	return nil
}

func (l *Loop) evaluate(ctx context.Context, state *pipeline.State, iteration int) (Verdict, error) {
	ctx, span := loopTracer.Start(ctx, "reflexion.iteration",
		trace.WithAttributes(attribute.Int("loop.iteration", iteration)))
	defer span.End()
	if err := l.runner.RunStage(ctx, state, l.critic); err != nil {
		return Verdict{}, err
	}
	verdict, err := pipeline.Value[Verdict](pipeline.ViewOf(state, pipeline.KeyEvaluationResult), pipeline.KeyEvaluationResult)
	if err != nil {
		return Verdict{}, &pipeline.StageError{Stage: l.critic.Name(), Err: err}
	}
	// The gate only trusts the dimension scores.
	verdict.Scores = verdict.Scores.Clamp()
	verdict.Overall = verdict.Scores.Mean()
	verdict.Passed = verdict.Overall >= l.cfg.Threshold
	span.SetAttributes(attribute.Float64("critic.overall", verdict.Overall))
	return verdict, nil
}

// remember persists the accepted proposal. A failure aborts the run.
func (l *Loop) remember(ctx context.Context, state *pipeline.State, score float64) (int, error) {
	view := pipeline.ViewOf(state, pipeline.KeyTriageReport, pipeline.KeyResolutionProposal)
	category := "general"
	if report, err := pipeline.Value[Categorized](view, pipeline.KeyTriageReport); err == nil {
		if c := strings.TrimSpace(report.CategoryName()); c != "" {
			category = c
		}
	}
	proposal, err := pipeline.Value[Proposal](view, pipeline.KeyResolutionProposal)
	if err != nil {
		return 0, &pipeline.StageError{Stage: l.Name(), Err: err}
	}
	id, err := l.memory.Store(ctx, category, proposal.ResolutionText(), score)
	l.metrics.ObserveExperienceWrite(err)
	if err != nil {
		return 0, &pipeline.StageError{Stage: l.Name(), Err: err}
	}
	l.logger.Info("experience stored",
		zap.String("run_id", state.RunID()),
		zap.Int("experience_id", id),
		zap.String("category", category),
		zap.Float64("score", score))
	return id, nil
}

// ReportFrom returns the Report a finished loop left in state.
func ReportFrom(state *pipeline.State) (Report, bool) {
	v, ok := state.Get(pipeline.KeyLoopReport)
	if !ok {
		return Report{}, false
	}
	r, ok := v.(Report)
	return r, ok
}
