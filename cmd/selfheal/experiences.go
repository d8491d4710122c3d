package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#01cdfe"))
	labelStyle  = lipgloss.NewStyle().Width(22).Foreground(lipgloss.Color("#9ca3d8"))
	valueStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3d8"))
)

func (a *app) withStore(ctx context.Context, fn func(*experience.Store) error) error {
	store, closeStore, err := experience.OpenConfigured(ctx, a.cfg.Memory, a.logger)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(store)
}

func (a *app) experiencesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiences",
		Aliases: []string{"exp"},
		Short:   "Inspect and manage the experience log",
	}
	cmd.AddCommand(
		a.expListCmd(),
		a.expStoreCmd(),
		a.expRetrieveCmd(),
		a.expStatsCmd(),
		a.expTimelineCmd(),
		a.expSearchCmd(),
		a.expClearCmd(),
		a.expWatchCmd(),
	)
	return cmd
}

func (a *app) expListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every stored resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				list, err := s.List(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				printExperiences(cmd.OutOrStdout(), list)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) expStoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store <category> <score> <resolution...>",
		Short: "Record a resolution by hand",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("score %q: %w", args[1], err)
			}
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				res, err := s.Store(cmd.Context(), args[0], strings.Join(args[2:], " "), score)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func (a *app) expRetrieveCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "retrieve <category>",
		Short: "Show the best resolutions for a category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				res, err := s.Retrieve(cmd.Context(), args[0], topK)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().IntVarP(&topK, "top-k", "k", experience.DefaultTopK, "number of matches")
	return cmd
}

func (a *app) expStatsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "get-stats",
		Aliases: []string{"stats"},
		Short:   "Summarise stored scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				st, err := s.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), st)
				}
				fmt.Fprintln(cmd.OutOrStdout(), statsView(st))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (a *app) expTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline",
		Short: "Show scores with their running average",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				points, err := s.Timeline(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(points) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("no experiences stored yet"))
					return nil
				}
				fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%-5s %-20s %-12s %7s %7s", "#", "time", "category", "score", "avg")))
				for _, p := range points {
					fmt.Fprintf(out, "%-5d %-20s %-12s %7.3f %7.3f\n",
						p.Index, p.Timestamp.Format("2006-01-02 15:04:05"), p.Category, p.Score, p.CumulativeAverage)
				}
				return nil
			})
		},
	}
}

func (a *app) expSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query...>",
		Short: "Full-text search over stored resolutions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				hits, err := s.Search(cmd.Context(), strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(hits) == 0 {
					fmt.Fprintln(out, mutedStyle.Render("no matches"))
					return nil
				}
				for _, h := range hits {
					fmt.Fprintf(out, "%s %s\n", headerStyle.Render(fmt.Sprintf("#%d [%s] %.2f", h.Experience.ID, h.Experience.Category, h.Experience.Score)),
						mutedStyle.Render(fmt.Sprintf("relevance %.3f", h.Relevance)))
					fmt.Fprintf(out, "  %s\n", strings.Join(strings.Fields(h.Experience.Resolution), " "))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum hits")
	return cmd
}

func (a *app) expClearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every stored resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				if err := s.Clear(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "experience memory cleared")
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func (a *app) expWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print resolutions as other processes store them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render("watching "+s.Path()+" (ctrl-c to stop)"))
				return s.Watch(cmd.Context(), func(fresh []experience.Experience) {
					printExperiences(cmd.OutOrStdout(), fresh)
				})
			})
		},
	}
}

func printExperiences(w io.Writer, list []experience.Experience) {
	if len(list) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no experiences stored yet"))
		return
	}
	for _, e := range list {
		fmt.Fprintf(w, "%s %s\n", headerStyle.Render(fmt.Sprintf("#%d [%s] %.2f", e.ID, e.Category, e.Score)),
			mutedStyle.Render(e.Timestamp.Format("2006-01-02 15:04:05")))
		fmt.Fprintf(w, "  %s\n", strings.Join(strings.Fields(e.Resolution), " "))
	}
}

func statsView(st experience.Stats) string {
	if st.Empty {
		return mutedStyle.Render(st.Message)
	}
	row := func(label, value string) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), valueStyle.Render(value))
	}
	rows := []string{
		headerStyle.Render("Experience memory"),
		row("resolutions", strconv.Itoa(st.Total)),
		row("average score", fmt.Sprintf("%.3f", st.Average)),
		row("best score", fmt.Sprintf("%.3f", st.Best)),
		row("latest score", fmt.Sprintf("%.3f", st.Latest)),
		row("first to last", fmt.Sprintf("%+.3f", st.DeltaFirstToLast)),
	}
	cats := make([]string, 0, len(st.PerCategory))
	for c := range st.PerCategory {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	if len(cats) > 0 {
		rows = append(rows, "", headerStyle.Render("By category"))
		for _, c := range cats {
			cs := st.PerCategory[c]
			rows = append(rows, row(c, fmt.Sprintf("%d runs, avg %.3f", cs.Count, cs.Average)))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
