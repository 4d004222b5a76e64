package tool

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-agent/internal/domain"
	"catalog-agent/internal/infra/config"
)

type fakeSession struct {
	tools   []mcp.Tool
	listErr error
	call    func(req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	closed  bool
}

func (f *fakeSession) ListTools(context.Context, mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return f.call(req)
}

func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func newTestMCP(t *testing.T, servers ...mcpServer) (*MCPTools, error) {
	t.Helper()
	m := &MCPTools{servers: servers, logger: slog.New(slog.DiscardHandler)}
	return m, m.discover(context.Background())
}

func portalTools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("search datasets",
			mcp.WithDescription("Search the portal"),
			mcp.WithString("q", mcp.Required()),
		),
		mcp.NewTool("get_resource"),
	}
}

func TestMCPToolsNamingAndInclude(t *testing.T) {
	m, err := newTestMCP(t,
		mcpServer{name: "data.portal", session: &fakeSession{tools: portalTools()}},
		mcpServer{name: "geo", include: []string{"get_resource"}, session: &fakeSession{tools: portalTools()}},
	)
	require.NoError(t, err)

	var names []string
	for _, tl := range m.Tools() {
		names = append(names, tl.Name())
	}
	assert.Equal(t, []string{"data_portal__search_datasets", "data_portal__get_resource", "geo__get_resource"}, names)

	schema := m.Tools()[0].Schema()
	assert.Equal(t, "Search the portal", schema.Description)
	assert.Contains(t, string(schema.Parameters), `"required":["q"]`)
	assert.JSONEq(t, `{"type":"object"}`, string(m.Tools()[1].Schema().Parameters))
	assert.Equal(t, "get_resource (from data.portal)", m.Tools()[1].Description())
}

func TestMCPToolsListFailure(t *testing.T) {
	_, err := newTestMCP(t, mcpServer{name: "down", session: &fakeSession{listErr: errors.New("refused")}})
	assert.ErrorContains(t, err, `mcp server "down": list tools: refused`)
}

func TestMCPToolsThroughRegistry(t *testing.T) {
	session := &fakeSession{
		tools: portalTools(),
		call: func(req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			switch args["q"] {
			case "broken":
				return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent("index offline")}, IsError: true}, nil
			case "gone":
				return nil, errors.New("connection reset")
			}
			return &mcp.CallToolResult{Content: []mcp.Content{
				mcp.NewTextContent("population-2024"),
				mcp.NewTextContent("population-2023"),
			}}, nil
		},
	}
	m, err := newTestMCP(t, mcpServer{name: "portal", session: session})
	require.NoError(t, err)
	r := newTestRegistry(t, m.Tools())

	msg := invokeOne(t, r, "portal__search_datasets", `{"q":"population"}`)
	require.Nil(t, msg.Error)
	assert.Equal(t, "population-2024\npopulation-2023", msg.Content)

	msg = invokeOne(t, r, "portal__search_datasets", `{"q":"broken"}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, domain.ToolErrFailure, msg.Error.Code)
	assert.Equal(t, "index offline", msg.Error.Message)

	msg = invokeOne(t, r, "portal__search_datasets", `{"q":"gone"}`)
	require.NotNil(t, msg.Error)
	assert.Contains(t, msg.Error.Message, "connection reset")

	msg = invokeOne(t, r, "portal__search_datasets", `{}`)
	require.NotNil(t, msg.Error)
	assert.Equal(t, domain.ToolErrInvalidArgs, msg.Error.Code)

	require.NoError(t, m.Close())
	assert.True(t, session.closed)
}

func TestConnectMCPUnsupportedTransport(t *testing.T) {
	_, err := ConnectMCP(context.Background(), []config.MCPServer{{Name: "x", Transport: "sse"}}, slog.New(slog.DiscardHandler))
	assert.ErrorContains(t, err, `unsupported transport "sse"`)
}
