// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/mark3labs/mcp-go/mcp"
)

// NewLedgerListTool creates the ledger_list tool definition
func NewLedgerListTool() mcp.Tool {
	return mcp.NewTool("ledger_list",
		mcp.WithDescription("List proof ledger entries, newest first. Shows whether each operation has been anchored on chain."),
		mcp.WithString("status",
			mcp.Description("Only entries in this status: queued, submitted, confirmed or failed"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Max entries. Default: 50"),
		),
	)
}

// LedgerListHandler handles the ledger_list tool
func LedgerListHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := tc.Service.Ledger().List(c, ledger.ListOptions{
			Limit:  int(request.GetFloat("limit", 0)),
			Status: request.GetString("status", ""),
		})
		if err != nil {
			return errorResult(err), nil
		}
		if len(entries) == 0 {
			return mcp.NewToolResultText("No ledger entries."), nil
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("%d ledger entries:\n\n", len(entries)))
		for _, e := range entries {
			sb.WriteString(formatEntry(&e))
			sb.WriteString("\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// NewLedgerGetTool creates the ledger_get tool definition
func NewLedgerGetTool() mcp.Tool {
	return mcp.NewTool("ledger_get",
		mcp.WithDescription("Show one ledger entry with its proof of data and proof of execution."),
		mcp.WithNumber("id",
			mcp.Required(),
			mcp.Description("Ledger entry id"),
		),
	)
}

// LedgerGetHandler handles the ledger_get tool
func LedgerGetHandler(tc *ToolContext) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(c context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := request.RequireFloat("id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if id < 1 {
			return mcp.NewToolResultError("id must be a positive integer"), nil
		}

		l := tc.Service.Ledger()
		entry, err := l.Get(c, uint(id))
		if err != nil {
			return errorResult(err), nil
		}
		proof, err := l.ProofFor(c, entry.ID)
		if err != nil {
			return errorResult(err), nil
		}

		var sb strings.Builder
		sb.WriteString(formatEntry(entry))
		sb.WriteString(fmt.Sprintf("\n**Operation**: %s | **Content type**: %s | **On chain**: %t\n",
			proof.Operation, proof.ContentType, proof.OnChain))
		sb.WriteString(fmt.Sprintf("**Data hash**: `%s`\n", proof.DataHash))
		if proof.ResultHash != "" {
			sb.WriteString(fmt.Sprintf("**Result hash**: `%s`\n", proof.ResultHash))
		}
		sb.WriteString(fmt.Sprintf("\n**Payload**:\n```json\n%s\n```\n", string(proof.Payload)))
		if len(proof.Result) > 0 {
			sb.WriteString(fmt.Sprintf("\n**Result**:\n```json\n%s\n```\n", string(proof.Result)))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func formatEntry(e *database.LedgerEntry) string {
	line := fmt.Sprintf("- #%d **%s** attempts=%d created=%s", e.ID, e.Status, e.Attempts, e.CreatedAt.Format("2006-01-02 15:04:05"))
	if e.TxRef != nil {
		line += fmt.Sprintf(" tx=`%s`", *e.TxRef)
	}
	if e.BlockNumber != nil {
		line += fmt.Sprintf(" block=%d", *e.BlockNumber)
	}
	if e.LastError != "" {
		line += fmt.Sprintf(" error=%q", e.LastError)
	}
	return line
}
