// Package mcpserver publishes the experience log as Model Context Protocol
// tools so external agents can store and recall resolutions.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
	"github.com/mohammad-safakhou/selfheal/internal/telemetry"
	"go.uber.org/zap"
)

// Version is reported in the MCP handshake.
const Version = "1.0.0"

// Memory is the experience store surface the tools need.
type Memory interface {
	Store(ctx context.Context, category, resolution string, score float64) (experience.StoreResult, error)
	Retrieve(ctx context.Context, category string, topK int) (experience.RetrieveResult, error)
	Stats(ctx context.Context) (experience.Stats, error)
	Timeline(ctx context.Context) ([]experience.TimelinePoint, error)
	Search(ctx context.Context, query string, limit int) ([]experience.SearchHit, error)
	Clear(ctx context.Context) error
}

type tool interface {
	Definition() mcp.Tool
	Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// New builds the MCP server with every experience tool registered.
func New(mem Memory, logger *zap.Logger) *server.MCPServer {
	logger = telemetry.OrNop(logger).Named("mcp")
	s := server.NewMCPServer(
		"selfheal-experience",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	for _, t := range []tool{
		&storeTool{mem: mem},
		&retrieveTool{mem: mem},
		&statsTool{mem: mem},
		&timelineTool{mem: mem},
		&searchTool{mem: mem},
		&clearTool{mem: mem},
	} {
		def := t.Definition()
		s.AddTool(def, logged(logger, def.Name, t.Handle))
	}
	return s
}

// ServeStdio runs the server on stdin/stdout until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func logged(logger *zap.Logger, name string, h server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := h(ctx, req)
		switch {
		case err != nil:
			logger.Error("tool failed", zap.String("tool", name), zap.Error(err))
		case res != nil && res.IsError:
			logger.Warn("tool rejected call", zap.String("tool", name))
		default:
			logger.Debug("tool call", zap.String("tool", name))
		}
		return res, err
	}
}

const instructions = `Experience memory for IT incident resolution.
Call retrieve_experiences with the incident category before proposing a fix.
Call store_experience only for resolutions a reviewer scored at or above the quality threshold.
Use get_improvement_stats and get_experience_timeline to report the learning trend.`
