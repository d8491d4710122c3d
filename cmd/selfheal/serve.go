package main

import (
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/mcpserver"
	"github.com/mohammad-safakhou/selfheal/internal/server"
	"github.com/spf13/cobra"
)

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr != "" {
				a.cfg.Server.Address = addr
			}
			return a.withStore(ctx, func(s *experience.Store) error {
				return server.New(a.cfg.Server, s, a.metrics, a.logger).Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.address)")
	return cmd
}

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the experience tools over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(s *experience.Store) error {
				return mcpserver.ServeStdio(mcpserver.New(s, a.logger))
			})
		},
	}
}
