package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/reflexion"
	"go.uber.org/zap"
)

// Critic scores the current proposal on five dimensions.
type Critic struct {
	deps      Deps
	threshold float64
}

// NewCritic builds a critic gating at threshold; <= 0 uses the loop default.
func NewCritic(d Deps, threshold float64) *Critic {
	if threshold <= 0 {
		threshold = reflexion.DefaultThreshold
	}
	return &Critic{deps: d, threshold: threshold}
}

func (c *Critic) Name() string { return CriticStage }
func (c *Critic) Reads() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyResolutionProposal, pipeline.KeyTriageReport}
}
func (c *Critic) Writes() pipeline.Key { return pipeline.KeyEvaluationResult }

type criticScores struct {
	Completeness *float64 `json:"completeness"`
	Specificity  *float64 `json:"specificity"`
	Safety       *float64 `json:"safety"`
	Efficiency   *float64 `json:"efficiency"`
	Learning     *float64 `json:"learning"`
}

type criticReply struct {
	criticScores
	Scores   *criticScores `json:"scores"`
	Feedback []string      `json:"feedback"`
}

func (s criticScores) dimensions() (reflexion.Dimensions, bool) {
	if s.Completeness == nil || s.Specificity == nil || s.Safety == nil || s.Efficiency == nil || s.Learning == nil {
		return reflexion.Dimensions{}, false
	}
	return reflexion.Dimensions{
		Completeness: *s.Completeness,
		Specificity:  *s.Specificity,
		Safety:       *s.Safety,
		Efficiency:   *s.Efficiency,
		Learning:     *s.Learning,
	}, true
}

func (c *Critic) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	proposal, err := pipeline.Value[Proposal](in, pipeline.KeyResolutionProposal)
	if err != nil {
		return nil, err
	}
	triage, err := pipeline.Value[TriageReport](in, pipeline.KeyTriageReport)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`You are a senior IT operations reviewer. Evaluate the resolution proposal against the triage report. Be rigorous but fair.

TRIAGE: priority %s, category %s, blast radius %s
SYMPTOMS: %s
PAST RESOLUTIONS AVAILABLE TO THE ENGINEER:
%s

RESOLUTION PROPOSAL (revision %d):
%s

Score each dimension from 0.0 to 1.0:
- completeness: does it address ALL symptoms from the triage report?
- specificity: are steps concrete (real commands, paths, thresholds)?
- safety: are there rollback steps and impact mitigation?
- efficiency: is this the most direct path to resolution?
- learning: does it incorporate patterns from past experiences?

For every dimension below %.2f give specific, actionable feedback explaining exactly what would raise the score.

Respond ONLY as strict JSON:
{"completeness": number, "specificity": number, "safety": number, "efficiency": number, "learning": number, "feedback": [string]}
`, triage.Priority, triage.CategoryName(), triage.BlastRadius,
		orNone(strings.Join(triage.Symptoms, "; ")), formatExperiences(triage.PastExperiences),
		proposal.Revision, proposal.Text, c.threshold)

	reply, err := c.deps.Model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	verdict, err := ParseVerdict(reply, c.threshold)
	if err != nil {
		return nil, faults.Collaborator("model", CriticStage, err)
	}
	c.deps.logger(CriticStage).Info("proposal scored",
		zap.Int("revision", proposal.Revision),
		zap.Float64("overall", verdict.Overall),
		zap.Bool("passed", verdict.Passed),
		zap.Int("feedback", len(verdict.Feedback)))
	return verdict, nil
}

// ParseVerdict reads the five scores either at the top level or under
// "scores". Any missing dimension makes the reply malformed; a reported
// overall score is ignored.
func ParseVerdict(reply string, threshold float64) (reflexion.Verdict, error) {
	var cr criticReply
	if err := DecodeReply(reply, &cr); err != nil {
		return reflexion.Verdict{}, err
	}
	dims, ok := cr.criticScores.dimensions()
	if !ok && cr.Scores != nil {
		dims, ok = cr.Scores.dimensions()
	}
	if !ok {
		return reflexion.Verdict{}, fmt.Errorf("%w: missing dimension scores", ErrMalformedReply)
	}
	return reflexion.NewVerdict(dims, cr.Feedback, threshold), nil
}
