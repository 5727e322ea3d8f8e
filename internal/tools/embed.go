// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

// NewEmbedTool creates the embed_text tool definition
func NewEmbedTool() mcp.Tool {
	return mcp.NewTool("embed_text",
		mcp.WithDescription("Compute the embedding vector of a text with the configured model. The call is recorded in the proof ledger."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The text to embed"),
		),
	)
}

// EmbedHandler handles the embed_text tool
func EmbedHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := request.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		res, t, err := tc.Service.Embed(c, text)
		if err != nil {
			return errorResult(err), nil
		}
		vec, err := json.Marshal(res.Embedding)
		if err != nil {
			return errorResult(err), nil
		}

		out := fmt.Sprintf("Embedding of %d dimensions (model %s, backend %s):\n%s\n\n%s",
			res.Dim, res.Model, res.Backend, vec, ledgerLine(t))
		return mcp.NewToolResultText(out), nil
	}
}
