package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
)

const defaultMCPCallTimeout = 30 * time.Second

// mcpClient is the part of the mcp-go client the bridge uses.
type mcpClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpServerConn struct {
	name    string
	timeout time.Duration
	client  mcpClient
}

// MCPBridge connects to MCP servers (code execution, transcription and the
// like) and exposes each of their tools as a domain.Tool named
// mcp_<server>_<tool>.
type MCPBridge struct {
	servers []mcpServerConn
	tools   []domain.Tool
	logger  *slog.Logger
}

// NewMCPBridge connects to every configured server and discovers its tools.
// A server that fails to connect aborts the bridge; a server whose tool
// listing fails is skipped unless all of them fail.
func NewMCPBridge(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{logger: logger}
	for _, srv := range servers {
		conn, err := b.connect(ctx, srv)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		b.servers = append(b.servers, conn)
	}
	if err := b.discover(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	return b, nil
}

func newMCPBridgeWithClients(ctx context.Context, servers []mcpServerConn, logger *slog.Logger) (*MCPBridge, error) {
	b := &MCPBridge{servers: servers, logger: logger}
	if err := b.discover(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MCPBridge) connect(ctx context.Context, srv config.MCPServer) (mcpServerConn, error) {
	conn := mcpServerConn{name: srv.Name, timeout: srv.Timeout}

	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio":
		var err error
		c, err = mcpclient.NewStdioMCPClient(srv.Command, envSlice(srv.Env), srv.Args...)
		if err != nil {
			return conn, fmt.Errorf("create stdio client: %w", err)
		}
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return conn, fmt.Errorf("create http transport: %w", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return conn, fmt.Errorf("start http client: %w", err)
		}
	default:
		return conn, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "chatrelay", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return conn, domain.WrapOp("initialize", err)
	}

	b.logger.Info("mcp server connected", "name", srv.Name, "transport", srv.Transport)
	conn.client = c
	return conn, nil
}

func (b *MCPBridge) discover(ctx context.Context) error {
	var errs []error
	ok := 0
	for _, srv := range b.servers {
		result, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			b.logger.Warn("mcp tool discovery failed, skipping server", "server", srv.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", srv.name, err))
			continue
		}
		for _, t := range result.Tools {
			b.tools = append(b.tools, newMCPTool(srv, t, b.logger))
		}
		b.logger.Info("mcp tools discovered", "server", srv.name, "count", len(result.Tools))
		ok++
	}
	if ok == 0 && len(errs) > 0 {
		return fmt.Errorf("all mcp servers failed discovery: %w", errors.Join(errs...))
	}
	return nil
}

// Tools returns the discovered tools.
func (b *MCPBridge) Tools() []domain.Tool {
	return slices.Clone(b.tools)
}

// Close shuts down all server connections.
func (b *MCPBridge) Close() {
	for _, srv := range b.servers {
		if err := srv.client.Close(); err != nil {
			b.logger.Warn("mcp server close error", "server", srv.name, "error", err)
		}
	}
}

// mcpTool exposes one MCP server tool.
type mcpTool struct {
	server  string
	timeout time.Duration
	client  mcpClient
	tool    mcp.Tool
	name    string
	logger  *slog.Logger
}

func newMCPTool(srv mcpServerConn, t mcp.Tool, logger *slog.Logger) *mcpTool {
	timeout := srv.timeout
	if timeout <= 0 {
		timeout = defaultMCPCallTimeout
	}
	return &mcpTool{
		server:  srv.name,
		timeout: timeout,
		client:  srv.client,
		tool:    t,
		name:    fmt.Sprintf("mcp_%s_%s", sanitizeName(srv.name), sanitizeName(t.Name)),
		logger:  logger,
	}
}

func (a *mcpTool) Name() string { return a.name }

func (a *mcpTool) Description() string {
	if a.tool.Description != "" {
		return a.tool.Description
	}
	return fmt.Sprintf("MCP tool %q from server %q", a.tool.Name, a.server)
}

func (a *mcpTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type": "object"}`)
	if a.tool.InputSchema.Properties != nil || a.tool.InputSchema.Required != nil {
		if data, err := json.Marshal(a.tool.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: a.name, Description: a.Description(), Parameters: params}
}

func (a *mcpTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var args map[string]any
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, &args); err != nil {
			return &domain.ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = a.tool.Name
	req.Params.Arguments = args

	domain.InvocationFromContext(ctx).Progress("running", map[string]any{"server": a.server, "tool": a.tool.Name})
	a.logger.Debug("mcp tool call", "server", a.server, "tool", a.tool.Name)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	result, err := a.client.CallTool(callCtx, req)
	if err != nil {
		return nil, domain.NewDomainError("MCP.CallTool", domain.ErrToolFailure, fmt.Sprintf("%s/%s: %v", a.server, a.tool.Name, err))
	}
	return &domain.ToolResult{Content: extractMCPContent(result), IsError: result.IsError}, nil
}

// extractMCPContent joins text parts and JSON-encodes anything else.
func extractMCPContent(result *mcp.CallToolResult) string {
	parts := make([]string, 0, len(result.Content))
	for _, c := range result.Content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if data, err := json.Marshal(v); err == nil {
				parts = append(parts, string(data))
			}
		}
	}
	return strings.Join(parts, "\n")
}

// sanitizeName maps anything outside [A-Za-z0-9_] to '_'.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// envSlice converts env to sorted KEY=VALUE pairs.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}
