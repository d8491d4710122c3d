package eval

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CaseResult is the outcome of one case.
type CaseResult struct {
	Name    string        `json:"name"`
	Output  string        `json:"output,omitempty"`
	Score   float64       `json:"score"`
	Method  string        `json:"method,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
}

// Summary aggregates a run. Failed cases score zero and count towards
// the mean.
type Summary struct {
	Mode      string       `json:"mode"`
	Cases     []CaseResult `json:"cases"`
	MeanScore float64      `json:"mean_score"`
	Failures  int          `json:"failures"`
}

// Harness runs a dataset through a task with bounded concurrency.
type Harness struct {
	Task        Task
	Judge       *Judge
	Concurrency int
	Logger      *zap.Logger
}

// Run scores every case. Cases are independent; one failing does not stop
// the others. Results keep dataset order.
func (h *Harness) Run(ctx context.Context, ds Dataset) (Summary, error) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := h.Concurrency
	if limit <= 0 {
		limit = 1
	}

	results := make([]CaseResult, len(ds.Cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, c := range ds.Cases {
		g.Go(func() error {
			start := time.Now()
			r := CaseResult{Name: c.Name}
			out, err := h.Task.Solve(gctx, c.Input)
			if err != nil {
				r.Error = err.Error()
				logger.Warn("eval case failed", zap.String("case", c.Name), zap.Error(err))
			} else {
				r.Output = out
				r.Score, r.Method = h.Judge.Score(gctx, c.Input, out, c.Expected)
			}
			r.Elapsed = time.Since(start)
			results[i] = r
			logger.Info("eval case done",
				zap.String("case", c.Name),
				zap.Float64("score", r.Score),
				zap.Duration("elapsed", r.Elapsed))
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	sum := Summary{Mode: h.Task.Name(), Cases: results}
	total := 0.0
	for _, r := range results {
		total += r.Score
		if r.Error != "" {
			sum.Failures++
		}
	}
	if len(results) > 0 {
		sum.MeanScore = math.Round(total/float64(len(results))*1000) / 1000
	}
	return sum, nil
}
