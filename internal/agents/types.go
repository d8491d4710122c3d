// Package agents holds the concrete pipeline stages: triage, resolution,
// critic, refiner and narrator. Each one builds a prompt from the state it
// declared, calls the model and parses the reply into a typed value.
package agents

import (
	"context"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"github.com/mohammad-safakhou/selfheal/internal/toolset"
	"github.com/mohammad-safakhou/selfheal/provider"
	"go.uber.org/zap"
)

// Stage names.
const (
	TriageStage     = "triage"
	ResolutionStage = "resolution"
	CriticStage     = "critic"
	RefinerStage    = "refiner"
	NarratorStage   = "narrator"
)

// ReviewConfidence is the proposal confidence below which a human should
// look before anything is applied.
const ReviewConfidence = 0.7

// TriageReport classifies an incident.
type TriageReport struct {
	Priority        string                  `json:"priority"`
	Category        string                  `json:"category"`
	BlastRadius     string                  `json:"blast_radius"`
	Symptoms        []string                `json:"symptoms"`
	Summary         string                  `json:"summary"`
	PastExperiences []experience.Experience `json:"past_experiences,omitempty"`
	ExternalContext string                  `json:"external_context,omitempty"`
	Raw             string                  `json:"-"`
}

// CategoryName is the category the experience store files this run under.
func (t TriageReport) CategoryName() string {
	if c := experience.NormalizeCategory(t.Category); c != "" {
		return c
	}
	return GeneralCategory
}

// Proposal is a resolution plan. Refinements overwrite it with a higher
// Revision.
type Proposal struct {
	Text       string  `json:"resolution"`
	Confidence float64 `json:"confidence"`
	Revision   int     `json:"revision"`
}

func (p Proposal) ResolutionText() string { return p.Text }

// NeedsReview reports a self-assessed confidence under ReviewConfidence.
func (p Proposal) NeedsReview() bool { return p.Confidence < ReviewConfidence }

// Narration is the short spoken summary of a finished run.
type Narration struct {
	Text     string `json:"text"`
	AudioRef string `json:"audio_ref,omitempty"`
}

// ExperienceReader is the part of the experience store stages read from.
type ExperienceReader interface {
	Retrieve(ctx context.Context, category string, topK int) (experience.RetrieveResult, error)
}

// Deps are shared by every stage.
type Deps struct {
	Model  provider.Provider
	Memory ExperienceReader
	Tools  *toolset.Registry
	Logger *zap.Logger
	// TopK bounds experience retrieval; zero uses the store default.
	TopK int
	// MaxPages bounds how many search hits the resolution stage reads.
	MaxPages int
}

func (d Deps) logger(stage string) *zap.Logger {
	return telemetry.OrNop(d.Logger).With(zap.String("stage", stage))
}

// consult calls an optional capability and returns "" when it is absent or
// fails. Stage output never depends on a capability being there.
func (d Deps) consult(ctx context.Context, stage, name, op string, args map[string]any) string {
	if !d.Tools.Supports(name, op) {
		return ""
	}
	out, err := d.Tools.Call(ctx, name, op, args)
	if err != nil {
		d.logger(stage).Warn("capability skipped", zap.String("capability", name), zap.String("op", op), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(out)
}
