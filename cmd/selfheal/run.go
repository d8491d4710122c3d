package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/mohammad-safakhou/selfheal/internal/resolver"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Exit codes of the run command.
const (
	exitResolved    = 0
	exitFailed      = 1
	exitNeedsReview = 2
)

func (a *app) runCmd() *cobra.Command {
	var (
		file   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run [incident text]",
		Short: "Resolve one incident",
		Long: "Resolve one incident through triage, resolution and the review loop.\n" +
			"The incident is read from the arguments, --file, or stdin.\n" +
			"Exit status is 0 when converged, 2 when the result needs human review, 1 on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			incident, err := readIncident(args, file, cmd.InOrStdin())
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			ctx := cmd.Context()
			rt, err := resolver.FromConfig(ctx, a.cfg, a.logger, a.metrics)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			defer rt.Close()

			res, err := rt.Resolve(ctx, incident)
			if err != nil {
				return &exitError{code: exitFailed, err: err}
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return &exitError{code: exitFailed, err: err}
				}
			} else {
				fmt.Fprint(out, render(resultMarkdown(res), isTerminal(out)))
			}
			if res.NeedsReview {
				return &exitError{code: exitNeedsReview}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the incident from a file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	return cmd
}

func readIncident(args []string, file string, stdin io.Reader) (string, error) {
	var text string
	switch {
	case len(args) > 0:
		text = strings.Join(args, " ")
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read incident: %w", err)
		}
		text = string(b)
	default:
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read incident: %w", err)
		}
		text = string(b)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("no incident given")
	}
	return text, nil
}

func resultMarkdown(r resolver.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Incident %s\n\n", r.RunID)
	fmt.Fprintf(&b, "| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Outcome | %s |\n", r.Outcome)
	fmt.Fprintf(&b, "| Priority | %s |\n", r.Priority)
	fmt.Fprintf(&b, "| Category | %s |\n", r.Category)
	fmt.Fprintf(&b, "| Blast radius | %s |\n", r.BlastRadius)
	fmt.Fprintf(&b, "| Score | %.2f |\n", r.Score)
	fmt.Fprintf(&b, "| Confidence | %.2f |\n", r.Confidence)
	fmt.Fprintf(&b, "| Iterations | %d (%d refinements) |\n", r.Iterations, r.Refinements)
	if r.ExperienceID > 0 {
		fmt.Fprintf(&b, "| Stored as | #%d |\n", r.ExperienceID)
	}
	if r.NeedsReview {
		b.WriteString("\n> **Needs human review** before applying.\n")
	}
	fmt.Fprintf(&b, "\n## Resolution\n\n%s\n", strings.TrimSpace(r.Resolution))
	if len(r.Feedback) > 0 {
		b.WriteString("\n## Reviewer feedback\n\n")
		for _, f := range r.Feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if r.Narration != nil && r.Narration.Text != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", r.Narration.Text)
		if r.Narration.AudioRef != "" {
			fmt.Fprintf(&b, "\nAudio: %s\n", r.Narration.AudioRef)
		}
	}
	return b.String()
}

// render styles markdown for a terminal and leaves it raw otherwise.
func render(md string, tty bool) string {
	if !tty {
		return md
	}
	r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
