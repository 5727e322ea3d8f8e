// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package server

import (
	"net/http"

	"github.com/mark3labs/mcp-go/server"
)

// MCPPath is where the HTTP transport is mounted
const MCPPath = "/mcp"

// HTTPHandler serves the same tools over the streamable HTTP transport, for
// mounting next to the REST routes
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}
