package mcpserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mohammad-safakhou/selfheal/internal/experience"
)

func newStore(t *testing.T) *experience.Store {
	t.Helper()
	s, err := experience.Open(filepath.Join(t.TempDir(), "experience_memory.json"), experience.WithLocker(&experience.MutexLocker{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func makeReq(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(r *mcp.CallToolResult) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func decode(t *testing.T, r *mcp.CallToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal([]byte(resultText(r)), &out); err != nil {
		t.Fatalf("decode %q: %v", resultText(r), err)
	}
	return out
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t)
	st := &storeTool{mem: mem}
	for _, args := range []map[string]any{
		{"category": " SSL ", "resolution": "renew with certbot", "score": 0.88},
		{"category": "ssl", "resolution": "fix ACME http-01 route", "score": 0.93},
		{"category": "disk", "resolution": "rotate logs", "score": 0.9},
	} {
		res, err := st.Handle(ctx, makeReq(args))
		if err != nil || res.IsError {
			t.Fatalf("store %v: %v %s", args, err, resultText(res))
		}
	}

	res, err := (&retrieveTool{mem: mem}).Handle(ctx, makeReq(map[string]any{"category": "ssl", "top_k": float64(1)}))
	if err != nil {
		t.Fatal(err)
	}
	out := decode(t, res)
	exps := out["experiences"].([]any)
	if len(exps) != 1 || exps[0].(map[string]any)["resolution"] != "fix ACME http-01 route" {
		t.Fatalf("retrieve = %v", out)
	}
	if out["total_matching"].(float64) != 2 || out["total_stored"].(float64) != 3 || out["category_searched"] != "ssl" {
		t.Fatalf("retrieve = %v", out)
	}
}

func TestStoreRejectsInvalid(t *testing.T) {
	st := &storeTool{mem: newStore(t)}
	for name, args := range map[string]map[string]any{
		"no score":    {"category": "cpu", "resolution": "x"},
		"high score":  {"category": "cpu", "resolution": "x", "score": 1.5},
		"no category": {"category": "  ", "resolution": "x", "score": 0.9},
	} {
		res, err := st.Handle(context.Background(), makeReq(args))
		if err != nil || !res.IsError {
			t.Errorf("%s: expected tool error, got %v %s", name, err, resultText(res))
		}
	}
}

func TestStatsTimelineClear(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t)

	empty := decode(t, mustHandle(t, &statsTool{mem: mem}, nil))
	if empty["message"] != "No experiences stored yet." || empty["count"].(float64) != 0 {
		t.Fatalf("empty stats = %v", empty)
	}

	for _, s := range []float64{0.85, 0.95} {
		if _, err := mem.Store(ctx, "cpu", "scale out", s); err != nil {
			t.Fatal(err)
		}
	}
	stats := decode(t, mustHandle(t, &statsTool{mem: mem}, nil))
	if stats["total_resolutions"].(float64) != 2 || stats["improvement_first_to_last"].(float64) != 0.1 {
		t.Fatalf("stats = %v", stats)
	}

	var points []map[string]any
	if err := json.Unmarshal([]byte(resultText(mustHandle(t, &timelineTool{mem: mem}, nil))), &points); err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 || points[1]["cumulative_avg"].(float64) != 0.9 {
		t.Fatalf("timeline = %v", points)
	}

	cleared := decode(t, mustHandle(t, &clearTool{mem: mem}, nil))
	if cleared["status"] != "cleared" {
		t.Fatalf("clear = %v", cleared)
	}
	if res, _ := mem.Retrieve(ctx, "cpu", 3); res.TotalStored != 0 {
		t.Fatalf("store not cleared: %+v", res)
	}
}

func TestSearchTool(t *testing.T) {
	ctx := context.Background()
	mem := newStore(t)
	if _, err := mem.Store(ctx, "network", "compare routing tables and check MTU", 0.9); err != nil {
		t.Fatal(err)
	}
	out := decode(t, mustHandle(t, &searchTool{mem: mem}, map[string]any{"query": "MTU"}))
	if out["total"].(float64) != 1 {
		t.Fatalf("search = %v", out)
	}
	res, err := (&searchTool{mem: mem}).Handle(ctx, makeReq(map[string]any{"query": ""}))
	if err != nil || !res.IsError {
		t.Fatalf("empty query should be a tool error, got %v", err)
	}
}

func mustHandle(t *testing.T, tl tool, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	res, err := tl.Handle(context.Background(), makeReq(args))
	if err != nil || res.IsError {
		t.Fatalf("%s: %v %s", tl.Definition().Name, err, resultText(res))
	}
	return res
}

func TestServerOverInProcessClient(t *testing.T) {
	ctx := context.Background()
	c, err := client.NewInProcessClient(New(newStore(t), nil))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	if _, err := c.Initialize(ctx, init); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, tl := range tools.Tools {
		names = append(names, tl.Name)
	}
	for _, want := range []string{"store_experience", "retrieve_experiences", "get_improvement_stats", "get_experience_timeline", "search_experiences", "clear_experience_memory"} {
		if !strings.Contains(strings.Join(names, ","), want) {
			t.Fatalf("missing tool %s in %v", want, names)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = "store_experience"
	req.Params.Arguments = map[string]any{"category": "memory", "resolution": "capture heap dump", "score": 0.9}
	res, err := c.CallTool(ctx, req)
	if err != nil || res.IsError {
		t.Fatalf("CallTool: %v", err)
	}
	if out := decode(t, res); out["experience_id"].(float64) != 1 {
		t.Fatalf("store = %v", out)
	}
}
