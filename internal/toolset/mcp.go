package toolset

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Alias tables map logical ops onto the tool names each MCP server is known
// to publish. The first candidate the server actually lists wins.
var (
	ServiceNowAliases = map[string][]string{
		OpSimilarIncidents: {"search_incidents", "list_incidents", "get_incidents"},
		OpKnowledge:        {"search_knowledge", "search_knowledge_articles", "list_knowledge_articles"},
	}
	ElevenLabsAliases = map[string][]string{
		OpSpeak: {"text_to_speech"},
	}
	PerplexityAliases = map[string][]string{
		OpSearch: {"perplexity_ask", "perplexity_search", "search", "ask"},
	}
)

// MCPCapability drives a tool server over the Model Context Protocol.
type MCPCapability struct {
	name   string
	client *client.Client
	tools  map[string]struct{}
	routes map[string]string
}

// DialStdio launches command as a stdio MCP server and initializes it. The
// handshake and tool listing must finish within timeout.
func DialStdio(ctx context.Context, name, command string, env, args []string, aliases map[string][]string, timeout time.Duration) (*MCPCapability, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("%s: no command configured", name)
	}
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: start %s: %w", name, command, err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	capab, err := NewMCPCapability(initCtx, name, c, aliases)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	return capab, nil
}

// NewMCPCapability initializes an already started client and resolves the
// logical ops against the tools it publishes.
func NewMCPCapability(ctx context.Context, name string, c *client.Client, aliases map[string][]string) (*MCPCapability, error) {
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "selfheal", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("%s: initialize: %w", name, err)
	}
	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("%s: list tools: %w", name, err)
	}
	m := &MCPCapability{
		name:   name,
		client: c,
		tools:  make(map[string]struct{}, len(listed.Tools)),
		routes: make(map[string]string),
	}
	for _, t := range listed.Tools {
		m.tools[t.Name] = struct{}{}
	}
	for op, candidates := range aliases {
		for _, tool := range candidates {
			if _, ok := m.tools[tool]; ok {
				m.routes[op] = tool
				break
			}
		}
	}
	return m, nil
}

func (m *MCPCapability) Name() string { return m.name }

// Ops lists the logical ops this server can serve.
func (m *MCPCapability) Ops() []string {
	ops := make([]string, 0, len(m.routes))
	for op := range m.routes {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// Call resolves op to a tool (a logical op or a raw tool name) and joins
// the text content of the result.
func (m *MCPCapability) Call(ctx context.Context, op string, args map[string]any) (string, error) {
	tool, ok := m.routes[op]
	if !ok {
		if _, raw := m.tools[op]; !raw {
			return "", fmt.Errorf("%w: %s", ErrUnsupportedOp, op)
		}
		tool = op
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args
	res, err := m.client.CallTool(ctx, req)
	if err != nil {
		return "", err
	}
	text := joinText(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", errors.New(text)
	}
	return text, nil
}

func (m *MCPCapability) Close() error { return m.client.Close() }

func joinText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		var text string
		switch tc := c.(type) {
		case mcp.TextContent:
			text = tc.Text
		case *mcp.TextContent:
			text = tc.Text
		}
		if s := strings.TrimSpace(text); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
