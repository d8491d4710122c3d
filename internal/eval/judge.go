package eval

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/mohammad-safakhou/selfheal/internal/agents"
	"github.com/mohammad-safakhou/selfheal/provider"
	"go.uber.org/zap"
)

// Scoring methods reported per case.
const (
	MethodJudge   = "judge"
	MethodOverlap = "overlap"
)

// Judge grades how factually consistent an output is with the reference.
// Without a model, or when the model's reply is unusable, it falls back to
// token overlap.
type Judge struct {
	Model  provider.Provider
	Logger *zap.Logger
}

// Score returns a value in [0,1] and the method that produced it.
func (j *Judge) Score(ctx context.Context, input, output, expected string) (float64, string) {
	if j == nil || j.Model == nil {
		return Overlap(output, expected), MethodOverlap
	}
	prompt := fmt.Sprintf(`You are comparing a submitted answer to an expert answer for an IT incident.

[Incident]: %s
[Expert]: %s
[Submission]: %s

Judge factual consistency: does the submission contain the expert's key actions and no contradicting ones?
A submission that is a superset of the expert answer and fully consistent scores 1.0. One that misses most key actions scores near 0.

Respond ONLY as strict JSON: {"score": number 0..1, "reason": string}
`, input, expected, output)

	reply, err := j.Model.Generate(ctx, prompt)
	if err == nil {
		var parsed struct {
			Score *float64 `json:"score"`
		}
		err = agents.DecodeReply(reply, &parsed)
		if err == nil && parsed.Score != nil && *parsed.Score >= 0 && *parsed.Score <= 1 {
			return math.Round(*parsed.Score*1000) / 1000, MethodJudge
		}
		if err == nil {
			err = fmt.Errorf("judge score out of range")
		}
	}
	if j.Logger != nil {
		j.Logger.Warn("judge fell back to overlap", zap.Error(err))
	}
	return Overlap(output, expected), MethodOverlap
}

// Overlap is the share of distinct reference tokens (three letters or
// more) that also appear in output, rounded to three decimals.
func Overlap(output, expected string) float64 {
	want := tokens(expected)
	if len(want) == 0 {
		return 0
	}
	have := tokens(output)
	hit := 0
	for t := range want {
		if _, ok := have[t]; ok {
			hit++
		}
	}
	return math.Round(float64(hit)/float64(len(want))*1000) / 1000
}

func tokens(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(f) >= 3 {
			out[f] = struct{}{}
		}
	}
	return out
}
