// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package server exposes the MCP tools over stdio or HTTP.
package server

import (
	"log/slog"

	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/gentleomega/proofmem/internal/tools"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	serverName    = "ProofMem"
	serverVersion = "1.0.0"
)

// MCPServer wraps the mcp-go server with our tools
type MCPServer struct {
	mcpServer *server.MCPServer
	toolCtx   *tools.ToolContext
	logger    *slog.Logger
	toolCount int
}

// NewMCPServer creates an MCP server with every tool registered
func NewMCPServer(svc *service.Service, logger *slog.Logger) *MCPServer {
	logger = logging.OrDefault(logger)
	srv := &MCPServer{
		mcpServer: server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(true)),
		toolCtx:   tools.NewToolContext(svc, logger),
		logger:    logger,
	}
	srv.registerTools()
	return srv
}

func (s *MCPServer) registerTools() {
	tc := s.toolCtx

	// memory_remember: "Store this for later"
	s.add(tools.NewRememberTool(), tools.RememberHandler(tc))
	// memory_recall: "What do I know about X?"
	s.add(tools.NewRecallTool(), tools.RecallHandler(tc))
	s.add(tools.NewEmbedTool(), tools.EmbedHandler(tc))

	s.add(tools.NewEpisodeAppendTool(), tools.EpisodeAppendHandler(tc))
	s.add(tools.NewEpisodeRecentTool(), tools.EpisodeRecentHandler(tc))
	s.add(tools.NewEpisodePromoteTool(), tools.EpisodePromoteHandler(tc))

	// ledger_list / ledger_get: "Was that write anchored?"
	s.add(tools.NewLedgerListTool(), tools.LedgerListHandler(tc))
	s.add(tools.NewLedgerGetTool(), tools.LedgerGetHandler(tc))
}

func (s *MCPServer) add(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.mcpServer.AddTool(tool, handler)
	s.toolCount++
}

// ToolCount returns the number of registered tools
func (s *MCPServer) ToolCount() int {
	return s.toolCount
}

// GetMCPServer returns the underlying MCP server
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// ServeStdio serves MCP over stdin/stdout until the input closes.
// Nothing else may write to stdout while it runs.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("MCP server ready (stdio mode)", "tools", s.toolCount)
	return server.ServeStdio(s.mcpServer)
}
