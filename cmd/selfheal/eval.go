package main

import (
	"fmt"
	"io"

	"github.com/mohammad-safakhou/selfheal/internal/eval"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/resolver"
	"github.com/mohammad-safakhou/selfheal/provider"
	"github.com/spf13/cobra"
)

func (a *app) evalCmd() *cobra.Command {
	var (
		mode        string
		dataset     string
		concurrency int
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Score resolutions against reference answers",
		Long: "Run the dataset through one mode and grade each answer for factual consistency.\n" +
			"Modes: baseline (model only), memory (model plus stored experiences), pipeline (full review loop).",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if dataset == "" {
				dataset = a.cfg.Eval.Dataset
			}
			if concurrency <= 0 {
				concurrency = a.cfg.Eval.Concurrency
			}
			ds, err := eval.LoadDataset(dataset)
			if err != nil {
				return err
			}

			var (
				task  eval.Task
				model provider.Provider
			)
			switch mode {
			case eval.ModeBaseline, eval.ModeMemory:
				model, err = provider.New(ctx, a.cfg.LLM)
				if err != nil {
					return err
				}
				if mode == eval.ModeBaseline {
					task = eval.Baseline{Model: model}
					break
				}
				store, closeStore, err := experience.OpenConfigured(ctx, a.cfg.Memory, a.logger)
				if err != nil {
					return err
				}
				defer closeStore()
				task = eval.Memory{Model: model, Memory: store, TopK: a.cfg.Memory.TopK}
			case eval.ModePipeline:
				rt, err := resolver.FromConfig(ctx, a.cfg, a.logger, a.metrics)
				if err != nil {
					return err
				}
				defer rt.Close()
				model = rt.Model
				task = eval.Pipeline{Resolver: rt.Resolver}
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}

			h := &eval.Harness{
				Task:        task,
				Judge:       &eval.Judge{Model: model, Logger: a.logger},
				Concurrency: concurrency,
				Logger:      a.logger,
			}
			sum, err := h.Run(ctx, ds)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sum)
			}
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", eval.ModePipeline, "baseline, memory or pipeline")
	cmd.Flags().StringVar(&dataset, "dataset", "", "YAML dataset (default eval.dataset or the built-in cases)")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "cases run at once (default eval.concurrency)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printSummary(w io.Writer, sum eval.Summary) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-30s %7s %-8s %9s", "case", "score", "method", "elapsed")))
	for _, c := range sum.Cases {
		method := c.Method
		if c.Error != "" {
			method = "error"
		}
		fmt.Fprintf(w, "%-30s %7.3f %-8s %9s\n", c.Name, c.Score, method, c.Elapsed.Round(10_000_000))
	}
	fmt.Fprintf(w, "\n%s %s\n", labelStyle.Render("mode "+sum.Mode), valueStyle.Render(fmt.Sprintf("mean %.3f, %d failed", sum.MeanScore, sum.Failures)))
}
