// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/gentleomega/proofmem/internal/episodic"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/mark3labs/mcp-go/mcp"
)

// NewEpisodeAppendTool creates the episode_append tool definition
func NewEpisodeAppendTool() mcp.Tool {
	return mcp.NewTool("episode_append",
		mcp.WithDescription("Append a conversation turn to a session. Only the newest turns of each session are kept."),
		mcp.WithString("session_id",
			mcp.Description("Session to append to. Omit to start a new session."),
		),
		mcp.WithString("role",
			mcp.Required(),
			mcp.Description("Speaker, e.g. 'user' or 'assistant'"),
		),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("What was said"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Flat key/value labels"),
		),
	)
}

// EpisodeAppendHandler handles the episode_append tool
func EpisodeAppendHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		role, err := request.RequireString("role")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		text, err := request.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		session := request.GetString("session_id", "")
		if session == "" {
			session = episodic.NewSessionID()
		}

		turn, tracked, err := tc.Service.AppendTurn(c, service.TurnInput{
			SessionID: session,
			Role:      role,
			Text:      text,
			Metadata:  metadataArg(request, "metadata"),
		})
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Appended turn %d to session `%s`\n%s",
			turn.Turn, turn.SessionID, ledgerLine(tracked))), nil
	}
}

// NewEpisodeRecentTool creates the episode_recent tool definition
func NewEpisodeRecentTool() mcp.Tool {
	return mcp.NewTool("episode_recent",
		mcp.WithDescription("Show the most recent turns of a session, oldest first."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session to read"),
		),
		mcp.WithNumber("n",
			mcp.Description("Number of turns. Default: all retained turns"),
		),
	)
}

// EpisodeRecentHandler handles the episode_recent tool
func EpisodeRecentHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		turns, err := tc.Service.RecentTurns(c, session, int(request.GetFloat("n", 0)))
		if err != nil {
			return errorResult(err), nil
		}
		if len(turns) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("Session `%s` has no turns.", session)), nil
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Session `%s` (%d turns):\n\n", session, len(turns)))
		for _, t := range turns {
			sb.WriteString(fmt.Sprintf("[%d] %s: %s\n", t.Turn, t.Role, t.Text))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// NewEpisodePromoteTool creates the episode_promote tool definition
func NewEpisodePromoteTool() mcp.Tool {
	return mcp.NewTool("episode_promote",
		mcp.WithDescription("Keep a session turn as a long-term memory."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Session holding the turn"),
		),
		mcp.WithNumber("turn",
			mcp.Required(),
			mcp.Description("Turn number to promote"),
		),
		mcp.WithString("user_id",
			mcp.Required(),
			mcp.Description("Owner of the new memory"),
		),
		mcp.WithString("agent",
			mcp.Description("Agent namespace. Default: 'default'"),
		),
		mcp.WithNumber("importance",
			mcp.Description("Importance of the new memory"),
		),
	)
}

// EpisodePromoteHandler handles the episode_promote tool
func EpisodePromoteHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		session, err := request.RequireString("session_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		turn, err := request.RequireFloat("turn")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if turn < 0 {
			return mcp.NewToolResultError("turn must not be negative"), nil
		}
		userID, err := request.RequireString("user_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		rec, tracked, err := tc.Service.PromoteTurn(c, service.PromoteInput{
			SessionID:  session,
			Turn:       uint(turn),
			Agent:      request.GetString("agent", ""),
			UserID:     userID,
			Importance: request.GetFloat("importance", 0),
		})
		if err != nil {
			return errorResult(err), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Promoted turn %d of `%s` to memory %d\n%s",
			uint(turn), session, rec.ID, ledgerLine(tracked))), nil
	}
}
