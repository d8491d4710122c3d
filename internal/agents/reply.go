package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mohammad-safakhou/selfheal/internal/experience"
)

// ErrMalformedReply is returned when a model reply lacks the structure a
// stage needs.
var ErrMalformedReply = errors.New("malformed model reply")

// ExtractJSON returns the first balanced {...} object in s, or s.
// Braces inside JSON strings are honoured so prose with code samples does
// not cut the object short.
func ExtractJSON(s string) string {
	start := -1
	depth := 0
	inString, escaped := false, false
	for i, ch := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
			}
			if depth == 0 && start != -1 {
				return s[start : i+1]
			}
		}
	}
	return s
}

// DecodeReply parses the first JSON object in reply into v. Failures wrap
// ErrMalformedReply.
func DecodeReply(reply string, v any) error {
	if err := json.Unmarshal([]byte(ExtractJSON(reply)), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

// proposalReply is the shape resolution and refiner replies are asked for.
type proposalReply struct {
	Resolution string   `json:"resolution"`
	Confidence *float64 `json:"confidence"`
}

var confidenceLine = regexp.MustCompile(`(?i)confidence\W{0,3}\s*([01](?:\.\d+)?)`)

// parseProposal accepts the JSON shape and falls back to treating the whole
// reply as the plan, scraping a "confidence: 0.8" line when present.
func parseProposal(reply string) (text string, confidence float64, err error) {
	var pr proposalReply
	if DecodeReply(reply, &pr) == nil && strings.TrimSpace(pr.Resolution) != "" {
		if pr.Confidence != nil {
			confidence = *pr.Confidence
		}
		return strings.TrimSpace(pr.Resolution), clamp01(confidence), nil
	}
	text = strings.TrimSpace(reply)
	if text == "" {
		return "", 0, fmt.Errorf("%w: empty resolution", ErrMalformedReply)
	}
	if m := confidenceLine.FindStringSubmatch(text); m != nil {
		fmt.Sscanf(m[1], "%g", &confidence)
	}
	return text, clamp01(confidence), nil
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// formatExperiences renders past resolutions for a prompt.
func formatExperiences(list []experience.Experience) string {
	if len(list) == 0 {
		return "(none stored yet)"
	}
	var b strings.Builder
	for _, e := range list {
		fmt.Fprintf(&b, "- [#%d %s, score %.2f] %s\n", e.ID, e.Category, e.Score, oneLine(e.Resolution, 600))
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
