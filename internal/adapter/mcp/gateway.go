// Package mcp implements the tool substrate ports against external MCP
// servers. Each configured plugin name maps to one MCP server; its tools
// become tool definitions with capabilities and risk derived from tool
// metadata.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/aegisflow/aegis/internal/adapter/otel"
	"github.com/aegisflow/aegis/internal/domain/tool"
	"github.com/aegisflow/aegis/internal/port/toolrunner"
)

// Gateway connects to the configured MCP servers and implements both
// toolrunner.Source and toolrunner.Runner.
type Gateway struct {
	clients map[string]*mcpclient.Client // plugin name -> client
	log     *slog.Logger
}

// NewGateway connects to every configured server and performs the MCP
// initialize handshake. Servers that fail to connect are skipped with a
// warning so one dead plugin does not take down the run.
func NewGateway(ctx context.Context, servers map[string]string, log *slog.Logger) (*Gateway, error) {
	g := &Gateway{
		clients: make(map[string]*mcpclient.Client, len(servers)),
		log:     log,
	}

	for plugin, url := range servers {
		c, err := connect(ctx, url)
		if err != nil {
			log.Warn("mcp server unavailable, skipping plugin", "plugin", plugin, "url", url, "error", err)
			continue
		}
		g.clients[plugin] = c
		log.Info("mcp server connected", "plugin", plugin, "url", url)
	}
	return g, nil
}

func connect(ctx context.Context, url string) (*mcpclient.Client, error) {
	c, err := mcpclient.NewStreamableHttpClient(url)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp transport: %w", err)
	}

	initReq := mcplib.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcplib.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcplib.Implementation{Name: "aegis", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}
	return c, nil
}

// Close shuts down all server connections.
func (g *Gateway) Close() {
	for plugin, c := range g.clients {
		if err := c.Close(); err != nil {
			g.log.Warn("mcp client close failed", "plugin", plugin, "error", err)
		}
	}
}

// ListTools aggregates tool definitions from every connected server.
// The workflow id is not consulted here; workflow-level filtering is the
// policy gate's job.
func (g *Gateway) ListTools(ctx context.Context, _ string) ([]tool.Definition, error) {
	var defs []tool.Definition
	for plugin, c := range g.clients {
		res, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("list tools from plugin %s: %w", plugin, err)
		}
		for i := range res.Tools {
			defs = append(defs, toDefinition(plugin, &res.Tools[i]))
		}
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Qualified() < defs[j].Qualified() })
	return defs, nil
}

// Invoke calls a tool by qualified "Plugin.Tool" name. Tool-reported
// errors come back in the result, not the error return, so the executor
// can treat them as observations.
func (g *Gateway) Invoke(ctx context.Context, qualified string, params map[string]any) (*toolrunner.Result, error) {
	plugin, name, ok := strings.Cut(qualified, ".")
	if !ok {
		return nil, fmt.Errorf("malformed qualified tool name %q", qualified)
	}
	c, ok := g.clients[plugin]
	if !ok {
		return nil, fmt.Errorf("no mcp server for plugin %q", plugin)
	}

	ctx, span := otel.StartToolSpan(ctx, qualified)
	defer span.End()

	req := mcplib.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = params

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", qualified, err)
	}
	return &toolrunner.Result{
		Output: contentText(res.Content),
		IsErr:  res.IsError,
	}, nil
}

func contentText(content []mcplib.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(mcplib.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// toDefinition maps one MCP tool to the core's tool metadata. Risk and
// approval posture come from the MCP annotations: read-only tools are
// low risk and auto-approved, destructive tools are high risk and
// always ask, anything else is medium risk and policy-gated.
func toDefinition(plugin string, t *mcplib.Tool) tool.Definition {
	def := tool.Definition{
		Plugin:       plugin,
		Name:         t.Name,
		Description:  strings.TrimSpace(capabilityTrailer.ReplaceAllString(t.Description, "")),
		Capabilities: parseCapabilities(t.Name, t.Description),
		Risk:         tool.RiskMedium,
		Approval:     tool.ApprovalPolicied,
		Params:       toParams(t),
	}

	ann := t.Annotations
	switch {
	case ann.DestructiveHint != nil && *ann.DestructiveHint:
		def.Risk = tool.RiskHigh
		def.Approval = tool.ApprovalAlwaysAsk
	case ann.ReadOnlyHint != nil && *ann.ReadOnlyHint:
		def.Risk = tool.RiskLow
		def.Approval = tool.ApprovalAuto
	}
	return def
}

// capabilityTrailer matches an optional "[capabilities: a, b]" suffix
// that plugin authors append to a tool description.
var capabilityTrailer = regexp.MustCompile(`\[capabilities:\s*([^\]]+)\]`)

// parseCapabilities reads declared capability tags from the description
// trailer; a tool without declared tags gets its own name as the tag.
func parseCapabilities(name, desc string) []string {
	m := capabilityTrailer.FindStringSubmatch(desc)
	if m == nil {
		return []string{strings.ToLower(name)}
	}
	var caps []string
	for _, c := range strings.Split(m[1], ",") {
		if c = strings.TrimSpace(strings.ToLower(c)); c != "" {
			caps = append(caps, c)
		}
	}
	if len(caps) == 0 {
		return []string{strings.ToLower(name)}
	}
	return caps
}

func toParams(t *mcplib.Tool) []tool.Param {
	props := t.InputSchema.Properties
	required := make(map[string]bool, len(t.InputSchema.Required))
	for _, r := range t.InputSchema.Required {
		required[r] = true
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]tool.Param, 0, len(names))
	for _, name := range names {
		p := tool.Param{Name: name, Required: required[name]}
		if spec, ok := props[name].(map[string]any); ok {
			if d, ok := spec["description"].(string); ok {
				p.Description = d
			}
			if ty, ok := spec["type"].(string); ok {
				p.Type = ty
			}
		}
		params = append(params, p)
	}
	return params
}
