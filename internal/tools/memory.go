// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/gentleomega/proofmem/internal/memory"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/mark3labs/mcp-go/mcp"
)

const maxPreview = 1000

// NewRememberTool creates the memory_remember tool definition
func NewRememberTool() mcp.Tool {
	return mcp.NewTool("memory_remember",
		mcp.WithDescription("Store a fact in long-term memory. Every write is recorded in the proof ledger and anchored on chain; the memory is kept even if anchoring fails."),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("The information to remember"),
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("The user this memory belongs to"),
		),
		mcp.WithString("agent",
			mcp.Description("Agent namespace. Default: 'default'"),
		),
		mcp.WithString("source",
			mcp.Description("Where the fact came from, e.g. 'chat' or a URL"),
		),
		mcp.WithNumber("importance",
			mcp.Description("How important the fact is. Higher ranks first. Default: 0"),
		),
		mcp.WithNumber("id",
			mcp.Description("Existing memory id to update. Omit to create."),
		),
		mcp.WithObject("metadata",
			mcp.Description("Flat key/value labels. Values must be strings, numbers or booleans."),
		),
	)
}

// RememberHandler handles the memory_remember tool
func RememberHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := request.RequireString("content")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		userID, err := request.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		id := request.GetFloat("id", 0)
		if id < 0 {
			return mcp.NewToolResultError("id must not be negative"), nil
		}

		rec, tracked, err := tc.Service.Remember(c, service.RememberInput{
			ID:         uint(id),
			Agent:      request.GetString("agent", ""),
			UserID:     userID,
			Source:     request.GetString("source", ""),
			Content:    content,
			Importance: request.GetFloat("importance", 0),
			Metadata:   metadataArg(request, "metadata"),
		})
		if err != nil {
			return errorResult(err), nil
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Remembered memory %d (agent %s, version %d)\n", rec.ID, rec.Agent, rec.Version))
		sb.WriteString(ledgerLine(tracked))
		if tracked.CloseErr != nil {
			sb.WriteString(fmt.Sprintf("\nAnchoring did not complete: %v", tracked.CloseErr))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// NewRecallTool creates the memory_recall tool definition
func NewRecallTool() mcp.Tool {
	return mcp.NewTool("memory_recall",
		mcp.WithDescription("Find memories relevant to a query. Results are ranked by similarity, importance and recency."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("What you want to know about"),
		),
		mcp.WithString("agent",
			mcp.Description("Only search this agent's memories"),
		),
		mcp.WithString("user_id",
			mcp.Description("Only search this user's memories"),
		),
		mcp.WithNumber("k",
			mcp.Description("Max results. Default: 5"),
		),
	)
}

// RecallHandler handles the memory_recall tool
func RecallHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		filter := memory.Filter{
			Agent:  request.GetString("agent", ""),
			UserID: request.GetString("user_id", ""),
		}
		results, err := tc.Service.Recall(c, query, filter, int(request.GetFloat("k", 0)))
		if err != nil {
			return errorResult(err), nil
		}
		if len(results) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No memories found for: '%s'", query)), nil
		}
		return mcp.NewToolResultText(formatRecallResults(results)), nil
	}
}

func formatRecallResults(results []memory.Result) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d memories:\n\n", len(results)))

	for i, r := range results {
		rec := r.Record
		sb.WriteString(fmt.Sprintf("## %d. Memory %d\n", i+1, rec.ID))
		sb.WriteString(fmt.Sprintf("**Score**: %.3f (similarity %.3f, importance %.3f, recency %.3f) | **Agent**: %s | **User**: %s\n\n",
			r.Score.Total, r.Score.Similarity, r.Score.Importance, r.Score.Recency, rec.Agent, rec.UserID))

		sb.WriteString(preview(rec.Content))
		sb.WriteString("\n\n---\n\n")
	}
	return sb.String()
}

// preview cuts content to maxPreview bytes without splitting a rune
func preview(content string) string {
	if len(content) <= maxPreview {
		return content
	}
	cut := maxPreview
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "\n\n... (content truncated)"
}
