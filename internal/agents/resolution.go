package agents

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/toolset"
	"go.uber.org/zap"
)

// Resolution proposes the first numbered fix plan.
type Resolution struct{ deps Deps }

func NewResolution(d Deps) *Resolution { return &Resolution{deps: d} }

func (r *Resolution) Name() string { return ResolutionStage }
func (r *Resolution) Reads() []pipeline.Key {
	return []pipeline.Key{pipeline.KeyIncident, pipeline.KeyTriageReport}
}
func (r *Resolution) Writes() pipeline.Key { return pipeline.KeyResolutionProposal }

func (r *Resolution) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	incident, err := pipeline.Value[string](in, pipeline.KeyIncident)
	if err != nil {
		return nil, err
	}
	triage, err := pipeline.Value[TriageReport](in, pipeline.KeyTriageReport)
	if err != nil {
		return nil, err
	}
	past, err := r.deps.Memory.Retrieve(ctx, triage.CategoryName(), r.deps.TopK)
	if err != nil {
		return nil, err
	}
	research := r.research(ctx, triage)

	prompt := fmt.Sprintf(`You are an expert IT resolution engineer. Propose concrete, actionable resolution steps.

INCIDENT:
%s

TRIAGE: priority %s, category %s, blast radius %s
SYMPTOMS: %s
SUMMARY: %s

PROVEN PAST RESOLUTIONS (adapt and improve these patterns when relevant):
%s

RUNBOOKS AND EXTERNAL RESEARCH:
%s

Write a numbered, step-by-step resolution plan with specific commands, paths and thresholds.
Include rollback steps in case the fix does not work.
Estimate your confidence (0.0 to 1.0). If confidence < 0.7, say explicitly that a human must review.

Respond ONLY as strict JSON:
{"resolution": "markdown plan", "confidence": number 0..1}
`, incident, triage.Priority, triage.CategoryName(), triage.BlastRadius,
		orNone(strings.Join(triage.Symptoms, "; ")), orNone(triage.Summary),
		formatExperiences(past.Matches), orNone(research))

	reply, err := r.deps.Model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	text, confidence, err := parseProposal(reply)
	if err != nil {
		return nil, faults.Collaborator("model", ResolutionStage, err)
	}
	p := Proposal{Text: text, Confidence: confidence, Revision: 0}
	r.deps.logger(ResolutionStage).Info("resolution proposed",
		zap.Float64("confidence", p.Confidence),
		zap.Bool("needs_review", p.NeedsReview()),
		zap.Int("past_experiences", len(past.Matches)))
	return p, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s)>\]"]+`)

// research gathers knowledge-base articles, a research answer and the text
// of the top web hits. Every source is optional.
func (r *Resolution) research(ctx context.Context, triage TriageReport) string {
	query := fmt.Sprintf("%s incident resolution runbook: %s", triage.CategoryName(), oneLine(triage.Summary, 160))
	var sections []string
	if kb := r.deps.consult(ctx, ResolutionStage, toolset.Ticketing, toolset.OpKnowledge, map[string]any{"query": query}); kb != "" {
		sections = append(sections, "Knowledge base:\n"+kb)
	}
	if ans := r.deps.consult(ctx, ResolutionStage, toolset.Research, toolset.OpSearch, map[string]any{"query": query}); ans != "" {
		sections = append(sections, "Research:\n"+ans)
	}
	hits := r.deps.consult(ctx, ResolutionStage, toolset.WebSearch, toolset.OpSearch, map[string]any{"query": query, "limit": 3})
	if hits != "" {
		sections = append(sections, "Web results:\n"+hits)
		pages := r.deps.MaxPages
		if pages <= 0 {
			pages = 2
		}
		for i, u := range urlPattern.FindAllString(hits, -1) {
			if i >= pages {
				break
			}
			if page := r.deps.consult(ctx, ResolutionStage, toolset.WebFetch, toolset.OpFetch, map[string]any{"url": u}); page != "" {
				sections = append(sections, fmt.Sprintf("Page %s:\n%s", u, page))
			}
		}
	}
	return strings.Join(sections, "\n\n")
}
