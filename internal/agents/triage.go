package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/faults"
	"github.com/mohammad-safakhou/selfheal/internal/pipeline"
	"github.com/mohammad-safakhou/selfheal/internal/toolset"
	"go.uber.org/zap"
)

// Triage classifies the incident by priority, category and blast radius.
type Triage struct{ deps Deps }

func NewTriage(d Deps) *Triage { return &Triage{deps: d} }

func (t *Triage) Name() string          { return TriageStage }
func (t *Triage) Reads() []pipeline.Key { return []pipeline.Key{pipeline.KeyIncident} }
func (t *Triage) Writes() pipeline.Key  { return pipeline.KeyTriageReport }

type triageReply struct {
	Priority    string   `json:"priority"`
	Category    string   `json:"category"`
	BlastRadius string   `json:"blast_radius"`
	Symptoms    []string `json:"symptoms"`
	Summary     string   `json:"summary"`
}

func (t *Triage) Run(ctx context.Context, in pipeline.Inputs) (any, error) {
	incident, err := pipeline.Value[string](in, pipeline.KeyIncident)
	if err != nil {
		return nil, err
	}
	guess := GuessCategory(incident)
	lookup := guess
	if lookup == "" {
		lookup = GeneralCategory
	}
	past, err := t.deps.Memory.Retrieve(ctx, lookup, t.deps.TopK)
	if err != nil {
		return nil, err
	}
	similar := t.deps.consult(ctx, TriageStage, toolset.Ticketing, toolset.OpSimilarIncidents,
		map[string]any{"query": oneLine(incident, 200)})

	prompt := fmt.Sprintf(`You are a senior IT incident triage specialist with deep enterprise operations experience.

INCIDENT:
%s

PAST RESOLUTIONS FOR CATEGORY %q:
%s

SIMILAR TICKETS FROM THE ITSM SYSTEM:
%s

Extract the key symptoms (what is failing, severity indicators, affected systems) and classify the incident:
- priority: P1 (critical) / P2 (high) / P3 (medium) / P4 (low)
- category: one of %s
- blast_radius: single server / service / region / global
Be decisive, this is production.

Respond ONLY as strict JSON:
{"priority": "P1|P2|P3|P4", "category": string, "blast_radius": string, "symptoms": [string], "summary": string}
`, incident, lookup, formatExperiences(past.Matches), orNone(similar), strings.Join(Categories, " / "))

	reply, err := t.deps.Model.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var tr triageReply
	if err := DecodeReply(reply, &tr); err != nil {
		// Free-text triage is still usable downstream; keep it as the
		// summary and classify locally.
		t.deps.logger(TriageStage).Warn("triage reply not JSON, using local classification", zap.Error(err))
		tr = triageReply{Summary: strings.TrimSpace(reply)}
	}
	if strings.TrimSpace(tr.Summary) == "" && len(tr.Symptoms) == 0 {
		return nil, faults.Collaborator("model", TriageStage, fmt.Errorf("%w: empty triage", ErrMalformedReply))
	}

	report := TriageReport{
		Priority:        normalizePriority(tr.Priority),
		Category:        pickCategory(tr.Category, guess),
		BlastRadius:     normalizeBlastRadius(tr.BlastRadius),
		Symptoms:        tr.Symptoms,
		Summary:         strings.TrimSpace(tr.Summary),
		PastExperiences: past.Matches,
		ExternalContext: similar,
		Raw:             reply,
	}
	t.deps.logger(TriageStage).Info("incident triaged",
		zap.String("priority", report.Priority),
		zap.String("category", report.Category),
		zap.String("blast_radius", report.BlastRadius),
		zap.Int("past_experiences", len(past.Matches)))
	return report, nil
}

// pickCategory prefers the model's answer when it names a known category,
// then the keyword guess, then GeneralCategory.
func pickCategory(reply, guess string) string {
	c := strings.ToLower(strings.TrimSpace(reply))
	if KnownCategory(c) {
		return c
	}
	for _, k := range Categories {
		if strings.Contains(c, k) {
			return k
		}
	}
	if guess != "" {
		return guess
	}
	return GeneralCategory
}

func normalizePriority(p string) string {
	p = strings.ToUpper(strings.TrimSpace(p))
	for _, want := range []string{"P1", "P2", "P3", "P4"} {
		if strings.HasPrefix(p, want) {
			return want
		}
	}
	switch {
	case strings.Contains(p, "CRITICAL"):
		return "P1"
	case strings.Contains(p, "HIGH"):
		return "P2"
	case strings.Contains(p, "LOW"):
		return "P4"
	}
	return "P3"
}

func normalizeBlastRadius(b string) string {
	b = strings.ToLower(strings.TrimSpace(b))
	for _, want := range []string{"single server", "service", "region", "global"} {
		if strings.Contains(b, want) {
			return want
		}
	}
	if b == "" {
		return "service"
	}
	return b
}
