// Package resolver wires the agent stages, the critique loop and the
// experience store into one incident run.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/agents"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/reflexion"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"github.com/mohammad-safakhou/selfheal/internal/toolset"
	"github.com/mohammad-safakhou/selfheal/provider"
	"go.uber.org/zap"
)

// Memory is what a run needs from the experience store.
type Memory interface {
	agents.ExperienceReader
	Store(ctx context.Context, category, resolution string, score float64) (experience.StoreResult, error)
}

// Result summarises one finished run.
type Result struct {
	RunID        string            `json:"run_id"`
	Outcome      reflexion.Outcome `json:"outcome"`
	Resolution   string            `json:"resolution"`
	Confidence   float64           `json:"confidence"`
	Score        float64           `json:"score"`
	Iterations   int               `json:"iterations"`
	Refinements  int               `json:"refinements"`
	Category     string            `json:"category"`
	Priority     string            `json:"priority"`
	BlastRadius  string            `json:"blast_radius"`
	Feedback     []string          `json:"feedback,omitempty"`
	Narration    *agents.Narration `json:"narration,omitempty"`
	ExperienceID int               `json:"experience_id,omitempty"`
	NeedsReview  bool              `json:"needs_review"`
	Elapsed      time.Duration     `json:"elapsed"`
}

// Options configure a Resolver.
type Options struct {
	Model  provider.Provider
	Memory Memory
	Tools  *toolset.Registry
	Loop   config.LoopConfig

	// Narrate appends the narrator even without a voice capability.
	Narrate      bool
	StageTimeout time.Duration
	TopK         int
	MaxPages     int
	Logger       *zap.Logger
	Metrics      *telemetry.Metrics
}

// Resolver runs incidents. It holds no per-run state and may be shared.
type Resolver struct {
	orch    *pipeline.Orchestrator
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// New assembles triage, resolution, the critique loop and, when narration
// is requested or a voice capability exists, the narrator.
func New(opts Options) (*Resolver, error) {
	if opts.Model == nil || opts.Memory == nil {
		return nil, errors.New("resolver: model and memory are required")
	}
	logger := telemetry.OrNop(opts.Logger)
	runner := &pipeline.Runner{Logger: logger, Metrics: opts.Metrics, Timeout: opts.StageTimeout}
	deps := agents.Deps{
		Model:    opts.Model,
		Memory:   opts.Memory,
		Tools:    opts.Tools,
		Logger:   logger,
		TopK:     opts.TopK,
		MaxPages: opts.MaxPages,
	}
	loop, err := reflexion.New(
		agents.NewCritic(deps, opts.Loop.QualityThreshold),
		agents.NewRefiner(deps),
		reflexion.StoreFunc(func(ctx context.Context, category, resolution string, score float64) (int, error) {
			res, err := opts.Memory.Store(ctx, category, resolution, score)
			return res.ID, err
		}),
		reflexion.Config{Threshold: opts.Loop.QualityThreshold, MaxIterations: opts.Loop.MaxIterations},
		reflexion.WithRunner(runner),
		reflexion.WithLogger(logger),
		reflexion.WithMetrics(opts.Metrics),
	)
	if err != nil {
		return nil, err
	}
	steps := []pipeline.Step{
		runner.AsStep(agents.NewTriage(deps)),
		runner.AsStep(agents.NewResolution(deps)),
		loop,
	}
	if opts.Narrate || opts.Tools.Has(toolset.Voice) {
		steps = append(steps, runner.AsStep(agents.NewNarrator(deps)))
	}
	return &Resolver{
		orch:    pipeline.NewOrchestrator(logger, steps...),
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// Steps lists step names in execution order.
func (r *Resolver) Steps() []string { return r.orch.Steps() }

// Resolve runs one incident to completion. A failed run returns the
// *pipeline.StageError naming the stage that aborted it.
func (r *Resolver) Resolve(ctx context.Context, incident string) (Result, error) {
	start := time.Now()
	state, err := r.orch.Run(ctx, incident)
	if err != nil {
		r.metrics.ObserveRun("failed", 0)
		return Result{}, err
	}
	res, err := collect(state)
	if err != nil {
		r.metrics.ObserveRun("failed", 0)
		return Result{}, err
	}
	res.Elapsed = time.Since(start)
	r.metrics.ObserveRun(res.Outcome.String(), res.Iterations)
	r.logger.Info("incident resolved",
		zap.String("run_id", res.RunID),
		zap.Stringer("outcome", res.Outcome),
		zap.Float64("score", res.Score),
		zap.Int("iterations", res.Iterations),
		zap.Bool("needs_review", res.NeedsReview),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

func collect(state *pipeline.State) (Result, error) {
	report, ok := reflexion.ReportFrom(state)
	if !ok {
		return Result{}, fmt.Errorf("run %s finished without a loop report", state.RunID())
	}
	view := pipeline.ViewOf(state, pipeline.KeyTriageReport, pipeline.KeyResolutionProposal, pipeline.KeyNarration)
	triage, err := pipeline.Value[agents.TriageReport](view, pipeline.KeyTriageReport)
	if err != nil {
		return Result{}, err
	}
	proposal, err := pipeline.Value[agents.Proposal](view, pipeline.KeyResolutionProposal)
	if err != nil {
		return Result{}, err
	}
	res := Result{
		RunID:        state.RunID(),
		Outcome:      report.Outcome,
		Resolution:   proposal.Text,
		Confidence:   proposal.Confidence,
		Score:        report.FinalScore,
		Iterations:   report.Iterations,
		Refinements:  report.Refinements,
		Category:     triage.CategoryName(),
		Priority:     triage.Priority,
		BlastRadius:  triage.BlastRadius,
		ExperienceID: report.ExperienceID,
		NeedsReview:  report.NeedsReview(),
	}
	if n := len(report.Verdicts); n > 0 {
		res.Feedback = report.Verdicts[n-1].Feedback
	}
	if view.Has(pipeline.KeyNarration) {
		if n, err := pipeline.Value[agents.Narration](view, pipeline.KeyNarration); err == nil {
			res.Narration = &n
		}
	}
	return res, nil
}

// Runtime is a resolver with the collaborators it owns.
type Runtime struct {
	*Resolver
	Model provider.Provider
	Store *experience.Store
	Tools *toolset.Registry
	close []func() error
}

// Close releases the toolset and the store's lock backend.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.close) - 1; i >= 0; i-- {
		if err := rt.close[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the model, store and toolset described by cfg and a
// resolver over them.
func FromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *telemetry.Metrics) (*Runtime, error) {
	logger = telemetry.OrNop(logger)
	model, err := provider.New(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := experience.OpenConfigured(ctx, cfg.Memory, logger)
	if err != nil {
		return nil, err
	}
	tools := toolset.Build(ctx, cfg.Tools, logger)
	rt := &Runtime{Model: model, Store: store, Tools: tools, close: []func() error{closeStore, tools.Close}}

	r, err := New(Options{
		Model:        model,
		Memory:       store,
		Tools:        tools,
		Loop:         cfg.Loop,
		Narrate:      cfg.Pipeline.Narrate,
		StageTimeout: cfg.Pipeline.StageTimeout,
		TopK:         cfg.Memory.TopK,
		MaxPages:     cfg.Tools.Fetch.MaxPages,
		Logger:       logger,
		Metrics:      metrics,
	})
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Resolver = r
	return rt, nil
}
