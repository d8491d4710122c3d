package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
)

// jsonResult renders v as the text payload of a tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(b)), nil
}

func failed(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(err.Error())
}

// intArg extracts an integer argument; JSON numbers arrive as float64.
func intArg(req mcp.CallToolRequest, key string, def int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return def
	}
	return int(v)
}

type storeTool struct{ mem Memory }

func (t *storeTool) Definition() mcp.Tool {
	return mcp.NewTool("store_experience",
		mcp.WithDescription("Store a successful resolution pattern for future retrieval. Call this after a resolution scores >= 0.85."),
		mcp.WithString("category", mcp.Required(),
			mcp.Description("Incident category, e.g. cpu, memory, disk, network, ssl")),
		mcp.WithString("resolution", mcp.Required(),
			mcp.Description("The resolution steps that worked")),
		mcp.WithNumber("score", mcp.Required(),
			mcp.Description("Critic quality score between 0.0 and 1.0")),
	)
}

func (t *storeTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	score, ok := req.GetArguments()["score"].(float64)
	if !ok {
		return mcp.NewToolResultError("score must be a number"), nil
	}
	res, err := t.mem.Store(ctx, req.GetString("category", ""), req.GetString("resolution", ""), score)
	if err != nil {
		return failed(err), nil
	}
	return jsonResult(map[string]any{
		"status":            "stored",
		"experience_id":     res.ID,
		"total_experiences": res.Total,
	})
}

type retrieveTool struct{ mem Memory }

func (t *retrieveTool) Definition() mcp.Tool {
	return mcp.NewTool("retrieve_experiences",
		mcp.WithDescription("Retrieve past successful resolutions for an incident category, best score first. Use this before proposing a resolution."),
		mcp.WithString("category", mcp.Required(),
			mcp.Description("Incident category to search for; substring match")),
		mcp.WithNumber("top_k",
			mcp.Description("Max experiences to return (default 3)")),
	)
}

func (t *retrieveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res, err := t.mem.Retrieve(ctx, req.GetString("category", ""), intArg(req, "top_k", experience.DefaultTopK))
	if err != nil {
		return failed(err), nil
	}
	if res.Matches == nil {
		res.Matches = []experience.Experience{}
	}
	return jsonResult(res)
}

type statsTool struct{ mem Memory }

func (t *statsTool) Definition() mcp.Tool {
	return mcp.NewTool("get_improvement_stats",
		mcp.WithDescription("Statistics showing how resolution quality has improved over time."),
	)
}

func (t *statsTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := t.mem.Stats(ctx)
	if err != nil {
		return failed(err), nil
	}
	if st.Empty {
		return jsonResult(map[string]any{"message": st.Message, "count": 0})
	}
	return jsonResult(st)
}

type timelineTool struct{ mem Memory }

func (t *timelineTool) Definition() mcp.Tool {
	return mcp.NewTool("get_experience_timeline",
		mcp.WithDescription("Every stored score in order with its running average, for charting."),
	)
}

func (t *timelineTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	points, err := t.mem.Timeline(ctx)
	if err != nil {
		return failed(err), nil
	}
	if points == nil {
		points = []experience.TimelinePoint{}
	}
	return jsonResult(points)
}

type searchTool struct{ mem Memory }

func (t *searchTool) Definition() mcp.Tool {
	return mcp.NewTool("search_experiences",
		mcp.WithDescription("Full-text search over stored resolutions, e.g. a command name or error string."),
		mcp.WithString("query", mcp.Required(),
			mcp.Description("Keywords to match against resolution text and category")),
		mcp.WithNumber("limit",
			mcp.Description("Max hits (default 10)")),
	)
}

func (t *searchTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	hits, err := t.mem.Search(ctx, req.GetString("query", ""), intArg(req, "limit", 10))
	if err != nil {
		return failed(err), nil
	}
	if hits == nil {
		hits = []experience.SearchHit{}
	}
	return jsonResult(map[string]any{"hits": hits, "total": len(hits)})
}

type clearTool struct{ mem Memory }

func (t *clearTool) Definition() mcp.Tool {
	return mcp.NewTool("clear_experience_memory",
		mcp.WithDescription("Reset all stored experiences. Intended for demo resets; ids restart at 1."),
	)
}

func (t *clearTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := t.mem.Clear(ctx); err != nil {
		return failed(err), nil
	}
	return jsonResult(map[string]any{"status": "cleared", "total_experiences": 0})
}
