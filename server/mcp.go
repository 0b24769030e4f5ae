package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes a node's kingdom view to MCP clients over stdio.
type MCPServer struct {
	Server *server.MCPServer
	node   *Node
}

func NewMCPServer(node *Node) *MCPServer {
	s := &MCPServer{
		Server: server.NewMCPServer("kingdom", "1.0.0", server.WithToolCapabilities(false)),
		node:   node,
	}
	census := mcp.NewTool("kingdom_census",
		mcp.WithDescription("Get the kingdom as seen by this device: its role, the King, the Prince and every member"),
		mcp.WithBoolean("include_metadata",
			mcp.Description("Include how to reach each member"),
		),
	)
	s.Server.AddTool(census, s.handleCensus)

	connections := mcp.NewTool("kingdom_connections",
		mcp.WithDescription("List the open connections of this device"),
	)
	s.Server.AddTool(connections, s.handleConnections)
	return s
}

func (s *MCPServer) handleCensus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	view := s.node.View()
	if !request.GetBool("include_metadata", false) {
		for i := range view.Members {
			view.Members[i].MetaData = nil
		}
	}
	return jsonResult(view)
}

func (s *MCPServer) handleConnections(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conns := s.node.Connections()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, DescribeConn(c))
	}
	slices.SortFunc(infos, func(a, b ConnectionInfo) int {
		return compareDevices(a.Device, b.Device)
	})
	return jsonResult(map[string]any{
		"connections": infos,
		"count":       len(infos),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Error encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}

func (s *MCPServer) Start() error {
	slog.Info("Started stdio MCP server")
	defer func() {
		slog.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
