// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package cli

import (
	"fmt"
	"os"

	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and list applied ones",
		RunE:  runMigrate,
	}

	RootCmd.AddCommand(cmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Setup(cfg.Logging, os.Stderr)

	// opening the manager applies migrations
	mgr, err := database.NewManager(cmd.Context(), database.FromConfig(cfg.Database))
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	defer mgr.Close()

	applied, err := database.AppliedMigrations(cmd.Context(), mgr.DB())
	if err != nil {
		return err
	}
	logger.Info("database is up to date", "type", mgr.Type(), "migrations", len(applied))

	out := cmd.OutOrStdout()
	for _, m := range applied {
		fmt.Fprintf(out, "%s\t%s\n", m.AppliedAt.Format("2006-01-02 15:04:05"), m.Name)
	}
	return nil
}
