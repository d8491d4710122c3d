package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Orchestrator runs steps strictly in order over one fresh State per run.
type Orchestrator struct {
	steps  []Step
	logger *zap.Logger
}

// NewOrchestrator sequences steps in the given order.
func NewOrchestrator(logger *zap.Logger, steps ...Step) *Orchestrator {
	return &Orchestrator{steps: steps, logger: telemetry.OrNop(logger)}
}

// Steps returns the step names in execution order.
func (o *Orchestrator) Steps() []string {
	names := make([]string, len(o.steps))
	for i, s := range o.steps {
		names[i] = s.Name()
	}
	return names
}

// Run seeds the state with the incident and executes every step. The first
// failure aborts the run and is returned as a *StageError; the partial
// state is returned alongside for diagnostics.
func (o *Orchestrator) Run(ctx context.Context, incident string) (*State, error) {
	if strings.TrimSpace(incident) == "" {
		return nil, faults.ValidationError{Field: "incident", Reason: "must not be empty"}
	}
	state := NewState(uuid.NewString())
	state.Set(KeyIncident, incident, "orchestrator")

	logger := o.logger.With(zap.String("run_id", state.RunID()))
	ctx, span := pipelineTracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("run.id", state.RunID())))
	defer span.End()

	start := time.Now()
	logger.Info("run started", zap.Strings("steps", o.Steps()))
	for _, step := range o.steps {
		if err := ctx.Err(); err != nil {
			err = &StageError{Stage: step.Name(), Err: err}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return state, err
		}
		if err := step.Execute(ctx, state); err != nil {
			var se *StageError
			if !errors.As(err, &se) {
				err = &StageError{Stage: step.Name(), Err: err}
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("run aborted", zap.String("step", step.Name()), zap.Error(err))
			return state, err
		}
	}
	span.SetStatus(codes.Ok, "completed")
	logger.Info("run finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Any("state", state.Snapshot()))
	return state, nil
}
