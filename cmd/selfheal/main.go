package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammad-safakhou/selfheal/config"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "1.0.0"

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type app struct {
	cfgPath  string
	logLevel string
	cfg      *config.Config
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tel      *telemetry.Telemetry
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{}
	root := a.rootCmd()
	err := root.ExecuteContext(ctx)
	a.shutdown()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "error:", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "selfheal",
		Short:         "Self-improving IT incident resolution",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			level := cfg.General.LogLevel
			if a.logLevel != "" {
				level = a.logLevel
			}
			logger, err := telemetry.NewLogger(level, cfg.General.Debug)
			if err != nil {
				return err
			}
			a.cfg, a.logger = cfg, logger
			a.metrics = telemetry.NewMetrics()
			a.tel, err = telemetry.Setup(cmd.Context(), cfg.Telemetry, version, a.metrics, logger)
			return err
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override general.log_level")

	root.AddCommand(
		a.runCmd(),
		a.experiencesCmd(),
		a.serveCmd(),
		a.mcpCmd(),
		a.evalCmd(),
	)
	return root
}

// shutdown flushes spans, stops the metrics listener and syncs the logger.
// It runs after every command, including failed ones.
func (a *app) shutdown() {
	if a.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
		a.tel = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
