// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package tools defines the MCP tools over the tracked service.
package tools

import (
	"fmt"
	"log/slog"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/internal/memory"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolContext holds shared dependencies for all tools
type ToolContext struct {
	Service *service.Service
	Logger  *slog.Logger
}

// NewToolContext creates a tool context over svc
func NewToolContext(svc *service.Service, logger *slog.Logger) *ToolContext {
	return &ToolContext{Service: svc, Logger: logging.OrDefault(logger)}
}

// errorResult reports a failed call to the model. Tool failures are results,
// not protocol errors.
func errorResult(err error) *mcp.CallToolResult {
	if kind := apperr.KindOf(err); kind != "" {
		return mcp.NewToolResultError(fmt.Sprintf("[%s] %v", kind, err))
	}
	return mcp.NewToolResultError(err.Error())
}

// metadataArg reads an optional object argument
func metadataArg(request mcp.CallToolRequest, name string) memory.Metadata {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil
	}
	obj, ok := args[name].(map[string]interface{})
	if !ok || len(obj) == 0 {
		return nil
	}
	return memory.Metadata(obj)
}

func ledgerLine(t ledger.Tracked) string {
	if t.EntryID == 0 {
		return "Ledger: not tracked"
	}
	return fmt.Sprintf("Ledger: entry %d (%s), proof `%s`", t.EntryID, t.Status, t.ProofHash)
}
