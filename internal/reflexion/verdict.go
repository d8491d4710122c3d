package reflexion

import (
	"math"
	"strings"
)

// Outcome is the state of the critique/refine loop.
type Outcome int

const (
	Iterating Outcome = iota
	Converged
	Exhausted
)

func (o Outcome) String() string {
	switch o {
	case Converged:
		return "CONVERGED"
	case Exhausted:
		return "EXHAUSTED"
	default:
		return "ITERATING"
	}
}

// Terminal reports whether the loop has stopped for good.
func (o Outcome) Terminal() bool { return o == Converged || o == Exhausted }

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Dimensions are the five critic scores, each in [0,1].
type Dimensions struct {
	Completeness float64 `json:"completeness"`
	Specificity  float64 `json:"specificity"`
	Safety       float64 `json:"safety"`
	Efficiency   float64 `json:"efficiency"`
	Learning     float64 `json:"learning"`
}

// Clamp forces every score into [0,1]; NaN becomes 0.
func (d Dimensions) Clamp() Dimensions {
	c := func(v float64) float64 {
		if math.IsNaN(v) || v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	return Dimensions{
		Completeness: c(d.Completeness),
		Specificity:  c(d.Specificity),
		Safety:       c(d.Safety),
		Efficiency:   c(d.Efficiency),
		Learning:     c(d.Learning),
	}
}

// Mean is the unweighted average of the five scores, rounded to three
// decimals so the gate compares the same value that gets stored.
func (d Dimensions) Mean() float64 {
	sum := d.Completeness + d.Specificity + d.Safety + d.Efficiency + d.Learning
	return math.Round(sum/5*1000) / 1000
}

// Uniform returns Dimensions with every score set to v.
func Uniform(v float64) Dimensions {
	return Dimensions{Completeness: v, Specificity: v, Safety: v, Efficiency: v, Learning: v}
}

// Verdict is the structured critic output and the loop's only exit signal.
type Verdict struct {
	Scores   Dimensions `json:"scores"`
	Overall  float64    `json:"overall"`
	Feedback []string   `json:"feedback"`
	Passed   bool       `json:"passed"`
}

// NewVerdict clamps the scores and derives Overall and Passed locally; a
// model-supplied overall score is never trusted.
func NewVerdict(scores Dimensions, feedback []string, threshold float64) Verdict {
	scores = scores.Clamp()
	overall := scores.Mean()
	var cleaned []string
	for _, f := range feedback {
		if f = strings.TrimSpace(f); f != "" {
			cleaned = append(cleaned, f)
		}
	}
	return Verdict{Scores: scores, Overall: overall, Feedback: cleaned, Passed: overall >= threshold}
}
