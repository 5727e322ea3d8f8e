// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/gentleomega/proofmem/internal/server"
	"github.com/spf13/cobra"
)

var mcpWithReconciler bool

func init() {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Long:  "Serve the MCP tools over stdin/stdout. All logging goes to stderr.",
		RunE:  runMCP,
	}
	cmd.Flags().BoolVar(&mcpWithReconciler, "reconcile", true, "Run the reconciler in the background while serving")

	RootCmd.AddCommand(cmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	// MCP servers must only write JSON-RPC to stdout
	a, logger, err := setup(cmd.Context(), os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if mcpWithReconciler {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			if err := a.RunBackground(ctx); err != nil {
				logger.Error("background tasks stopped", "error", err)
			}
		}()
	}

	srv := server.NewMCPServer(a.Service, logger)
	if err := srv.ServeStdio(); err != nil {
		return fmt.Errorf("MCP server error: %w", err)
	}
	return nil
}
