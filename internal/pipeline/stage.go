package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var pipelineTracer trace.Tracer = otel.Tracer("selfheal/internal/pipeline")

// Stage is one unit of pipeline work. It sees only the keys in Reads and
// its return value is written under Writes; it has no other way to touch
// the state.
type Stage interface {
	Name() string
	Reads() []Key
	Writes() Key
	Run(ctx context.Context, in Inputs) (any, error)
}

// Step is what the orchestrator sequences. Stages become steps through
// Runner.AsStep; the critique loop implements Step directly.
type Step interface {
	Name() string
	Execute(ctx context.Context, state *State) error
}

// StageError identifies the stage that aborted a run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Runner executes stages against a state with tracing, metrics and logs.
type Runner struct {
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	// Timeout bounds a single stage run; zero means no extra bound.
	Timeout time.Duration
}

// RunStage runs stage and writes its output. On failure the state is left
// untouched and a *StageError is returned.
func (r *Runner) RunStage(ctx context.Context, state *State, stage Stage) error {
	logger := telemetry.OrNop(r.Logger).With(zap.String("run_id", state.RunID()), zap.String("stage", stage.Name()))
	ctx, span := pipelineTracer.Start(ctx, "stage."+stage.Name(),
		trace.WithAttributes(
			attribute.String("run.id", state.RunID()),
			attribute.String("stage.writes", string(stage.Writes())),
		))
	defer span.End()

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	logger.Debug("stage started")
	out, err := stage.Run(ctx, newInputs(stage.Name(), stage.Reads(), state))
	elapsed := time.Since(start)
	r.Metrics.ObserveStage(stage.Name(), elapsed, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("stage failed", zap.Duration("elapsed", elapsed), zap.Error(err))
		var se *StageError
		if errors.As(err, &se) {
			return err
		}
		return &StageError{Stage: stage.Name(), Err: err}
	}
	state.Set(stage.Writes(), out, stage.Name())
	span.SetStatus(codes.Ok, "completed")
	logger.Info("stage completed",
		zap.Duration("elapsed", elapsed),
		zap.String("wrote", string(stage.Writes())),
		zap.Int("revision", state.Revision(stage.Writes())))
	return nil
}

// AsStep adapts stage so the orchestrator can sequence it.
func (r *Runner) AsStep(stage Stage) Step {
	return stageStep{runner: r, stage: stage}
}

type stageStep struct {
	runner *Runner
	stage  Stage
}

func (s stageStep) Name() string { return s.stage.Name() }

func (s stageStep) Execute(ctx context.Context, state *State) error {
	return s.runner.RunStage(ctx, state, s.stage)
}
