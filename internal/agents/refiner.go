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

// Refiner rewrites the proposal to address every critic feedback item.
type Refiner struct{ deps Deps }

func NewRefiner(d Deps) *Refiner { return &Refiner{deps: d} }

func (r *Refiner) Name() string { return RefinerStage }
func (r *Refiner) Reads() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyEvaluationResult, pipeline.KeyResolutionProposal, pipeline.KeyTriageReport}
}
func (r *Refiner) Writes() pipeline.Key { return pipeline.KeyResolutionProposal }

func (r *Refiner) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	verdict, err := pipeline.Value[reflexion.Verdict](in, pipeline.KeyEvaluationResult)
	if err != nil {
		return nil, err
	}
	current, err := pipeline.Value[Proposal](in, pipeline.KeyResolutionProposal)
	if err != nil {
		return nil, err
	}
	triage, err := pipeline.Value[TriageReport](in, pipeline.KeyTriageReport)
	if err != nil {
		return nil, err
	}
	// A wider pull than triage made, for patterns not yet tried.
	topK := r.deps.TopK
	if topK <= 0 {
		topK = 3
	}
	past, err := r.deps.Memory.Retrieve(ctx, triage.CategoryName(), topK*2)
	if err != nil {
		return nil, err
	}

	var feedback strings.Builder
	for i, f := range verdict.Feedback {
		fmt.Fprintf(&feedback, "%d. %s\n", i+1, f)
	}
	s := verdict.Scores
	prompt := fmt.Sprintf(`You are a resolution refinement specialist. Improve the resolution using the critic's feedback.

TRIAGE: priority %s, category %s, blast radius %s
SYMPTOMS: %s

CURRENT RESOLUTION (revision %d):
%s

CRITIC SCORES: completeness %.2f, specificity %.2f, safety %.2f, efficiency %.2f, learning %.2f (overall %.3f)
FEEDBACK:
%s
ADDITIONAL PROVEN PATTERNS:
%s

Address EACH feedback item. Add missing details, commands, rollback steps or safety measures.
The new version MUST show measurable improvement; never repeat the same resolution without substantive changes.

Respond ONLY as strict JSON:
{"resolution": "markdown plan", "confidence": number 0..1}
`, triage.Priority, triage.CategoryName(), triage.BlastRadius,
		orNone(strings.Join(triage.Symptoms, "; ")),
		current.Revision, current.Text,
		s.Completeness, s.Specificity, s.Safety, s.Efficiency, s.Learning, verdict.Overall,
		orNone(feedback.String()), formatExperiences(past.Matches))

	reply, err := r.deps.Model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	text, confidence, err := parseProposal(reply)
	if err != nil {
		return nil, faults.Collaborator("model", RefinerStage, err)
	}
	next := Proposal{Text: text, Confidence: confidence, Revision: current.Revision + 1}
	r.deps.logger(RefinerStage).Info("proposal refined",
		zap.Int("revision", next.Revision),
		zap.Int("feedback_items", len(verdict.Feedback)),
		zap.Bool("changed", next.Text != current.Text))
	return next, nil
}
