package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
)

// mcpSession is the part of an MCP client the remote tools need.
type mcpSession interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

type mcpServer struct {
	name    string
	include []string
	session mcpSession
}

// MCPTools exposes the tools of remote MCP servers, such as a data portal's
// own server, as catalog agent tools. Names are "<server>__<tool>".
type MCPTools struct {
	servers []mcpServer
	tools   []domain.Tool
	logger  *slog.Logger
}

// ConnectMCP dials every configured server and lists its tools. A server
// that fails to connect or list aborts startup.
func ConnectMCP(ctx context.Context, servers []config.MCPServer, logger *slog.Logger) (*MCPTools, error) {
	m := &MCPTools{logger: logger}
	for _, srv := range servers {
		session, err := dialMCP(ctx, srv)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
		}
		m.servers = append(m.servers, mcpServer{name: srv.Name, include: srv.Include, session: session})
		logger.InfoContext(ctx, "mcp server connected", "server", srv.Name, "transport", srv.Transport)
	}
	if err := m.discover(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func dialMCP(ctx context.Context, srv config.MCPServer) (mcpSession, error) {
	var c *mcpclient.Client
	switch srv.Transport {
	case "stdio":
		env := make([]string, 0, len(srv.Env))
		for k, v := range srv.Env {
			env = append(env, k+"="+v)
		}
		var err error
		if c, err = mcpclient.NewStdioMCPClient(srv.Command, env, srv.Args...); err != nil {
			return nil, domain.WrapOp("start stdio", err)
		}
	case "http":
		t, err := transport.NewStreamableHTTP(srv.URL)
		if err != nil {
			return nil, domain.WrapOp("http transport", err)
		}
		c = mcpclient.NewClient(t)
		if err := c.Start(ctx); err != nil {
			return nil, domain.WrapOp("start http", err)
		}
	default:
		return nil, fmt.Errorf("unsupported transport %q", srv.Transport)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: "catalog-agent", Version: "0.1.0"}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, domain.WrapOp("initialize", err)
	}
	return c, nil
}

func (m *MCPTools) discover(ctx context.Context) error {
	for _, srv := range m.servers {
		res, err := srv.session.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return fmt.Errorf("mcp server %q: list tools: %w", srv.name, err)
		}
		n := 0
		for _, t := range res.Tools {
			if len(srv.include) > 0 && !slices.Contains(srv.include, t.Name) {
				continue
			}
			m.tools = append(m.tools, &remoteTool{server: srv.name, session: srv.session, def: t})
			n++
		}
		m.logger.InfoContext(ctx, "mcp tools listed", "server", srv.name, "offered", len(res.Tools), "exposed", n)
	}
	return nil
}

// Tools returns the remote tools in server order.
func (m *MCPTools) Tools() []domain.Tool { return m.tools }

// Close ends every server session.
func (m *MCPTools) Close() error {
	var errs []error
	for _, srv := range m.servers {
		if err := srv.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp server %q: %w", srv.name, err))
		}
	}
	m.servers = nil
	return errors.Join(errs...)
}

// remoteTool forwards calls to one tool of an MCP server.
type remoteTool struct {
	server  string
	session mcpSession
	def     mcp.Tool
}

func (t *remoteTool) Name() string {
	return toolName(t.server) + "__" + toolName(t.def.Name)
}

func (t *remoteTool) Description() string {
	if t.def.Description != "" {
		return t.def.Description
	}
	return fmt.Sprintf("%s (from %s)", t.def.Name, t.server)
}

func (t *remoteTool) Schema() domain.ToolSchema {
	params := json.RawMessage(`{"type":"object"}`)
	if len(t.def.InputSchema.Properties) > 0 || len(t.def.InputSchema.Required) > 0 {
		if data, err := json.Marshal(t.def.InputSchema); err == nil {
			params = data
		}
	}
	return domain.ToolSchema{Name: t.Name(), Description: t.Description(), Parameters: params}
}

// Execute relays the call. Transport failures become errors; a result the
// server flags as an error becomes an error result the oracle can read.
func (t *remoteTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	args, errResult := ParseParams[map[string]any](params)
	if errResult != nil {
		return errResult, nil
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args
	res, err := t.session.CallTool(ctx, req)
	if err != nil {
		return nil, domain.WrapOp("mcp "+t.server, err)
	}
	return &domain.ToolResult{Content: mcpText(res), IsError: res.IsError}, nil
}

func mcpText(res *mcp.CallToolResult) string {
	parts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
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

// toolName maps s onto the characters providers accept in function names.
func toolName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return '_'
	}, s)
}
