package eval

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/agents"
	"github.com/mohammad-safakhou/selfheal/internal/resolver"
	"github.com/mohammad-safakhou/selfheal/provider"
)

// Modes selectable from the command line.
const (
	ModeBaseline = "baseline"
	ModeMemory   = "memory"
	ModePipeline = "pipeline"
)

// Task turns an incident description into a proposed resolution.
type Task interface {
	Name() string
	Solve(ctx context.Context, incident string) (string, error)
}

// Baseline asks the model directly with no memory or review loop.
type Baseline struct {
	Model provider.Provider
}

func (Baseline) Name() string { return ModeBaseline }

func (b Baseline) Solve(ctx context.Context, incident string) (string, error) {
	return b.Model.Generate(ctx, fmt.Sprintf(`You are an expert IT resolution engineer.
Propose concrete, ordered steps to resolve this incident.

Incident:
%s
`, incident))
}

// Memory prepends stored resolutions for the guessed category.
type Memory struct {
	Model  provider.Provider
	Memory agents.ExperienceReader
	TopK   int
}

func (Memory) Name() string { return ModeMemory }

func (m Memory) Solve(ctx context.Context, incident string) (string, error) {
	category := agents.GuessCategory(incident)
	if category == "" {
		category = agents.GeneralCategory
	}
	res, err := m.Memory.Retrieve(ctx, category, m.TopK)
	if err != nil {
		return "", err
	}
	var past strings.Builder
	for _, e := range res.Matches {
		fmt.Fprintf(&past, "- (score %.2f) %s\n", e.Score, strings.Join(strings.Fields(e.Resolution), " "))
	}
	if past.Len() == 0 {
		past.WriteString("(none)\n")
	}
	return m.Model.Generate(ctx, fmt.Sprintf(`You are an expert IT resolution engineer.
Propose concrete, ordered steps to resolve this incident.
Reuse what worked before where it applies.

Incident (category %s):
%s

Past resolutions:
%s`, category, incident, past.String()))
}

// Pipeline runs the full triage, resolution and review loop.
type Pipeline struct {
	Resolver *resolver.Resolver
}

func (Pipeline) Name() string { return ModePipeline }

func (p Pipeline) Solve(ctx context.Context, incident string) (string, error) {
	res, err := p.Resolver.Resolve(ctx, incident)
	if err != nil {
		return "", err
	}
	return res.Resolution, nil
}
