package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/reflexion"
	"github.com/mohammad-safakhou/selfheal/internal/toolset"
	"go.uber.org/zap"
)

// Narrator writes a two or three sentence summary of the run and speaks it
// through the voice capability when one is configured.
type Narrator struct{ deps Deps }

func NewNarrator(d Deps) *Narrator { return &Narrator{deps: d} }

func (n *Narrator) Name() string { return NarratorStage }
func (n *Narrator) Reads() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyTriageReport, pipeline.KeyResolutionProposal, pipeline.KeyEvaluationResult}
}
func (n *Narrator) Writes() pipeline.Key { return pipeline.KeyNarration }

func (n *Narrator) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	triage, err := pipeline.Value[TriageReport](in, pipeline.KeyTriageReport)
	if err != nil {
		return nil, err
	}
	proposal, err := pipeline.Value[Proposal](in, pipeline.KeyResolutionProposal)
	if err != nil {
		return nil, err
	}
	verdict, err := pipeline.Value[reflexion.Verdict](in, pipeline.KeyEvaluationResult)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(`You are an incident resolution narrator. Compose a calm, professional spoken summary of 2-3 sentences (under 30 seconds of speech) covering:
1. what the incident was (category %s, priority %s)
2. what was done to resolve it
3. the quality score achieved (%.2f)

RESOLUTION:
%s

Reply with the narration text only.`, triage.CategoryName(), triage.Priority, verdict.Overall, oneLine(proposal.Text, 2000))

	reply, err := n.deps.Model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(reply)
	if text == "" {
		text = fmt.Sprintf("A %s %s incident was resolved with a quality score of %.2f.",
			triage.Priority, triage.CategoryName(), verdict.Overall)
	}
	out := Narration{Text: text}
	out.AudioRef = n.deps.consult(ctx, NarratorStage, toolset.Voice, toolset.OpSpeak, map[string]any{"text": text})
	n.deps.logger(NarratorStage).Info("narration ready", zap.Bool("spoken", out.AudioRef != ""))
	return out, nil
}
