// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var reconcileOnce bool

func init() {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Drive ledger entries to a terminal chain status",
		RunE:  runReconcile,
	}
	cmd.Flags().BoolVar(&reconcileOnce, "once", false, "Run a single pass, print it and exit")

	RootCmd.AddCommand(cmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, logger, err := setup(ctx, os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if !reconcileOnce {
		logger.Info("reconciler running", "mode", a.Config.Reconciler.Mode)
		return a.RunBackground(ctx)
	}

	pass, err := a.Engine.RunOnce(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(pass)
}
