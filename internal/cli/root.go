// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package cli implements the proofmem commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gentleomega/proofmem/internal/app"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	configPath string
	dbPath     string
	logLevel   string
)

// RootCmd is the top-level command
var RootCmd = &cobra.Command{
	Use:           "proofmem",
	Short:         "Agent memory with an on-chain proof ledger",
	Long:          "Long-term and episodic memory for AI agents. Every data-affecting operation is recorded as a proof of data and proof of execution and anchored on chain.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: ~/.proofmem/configs/config.json)")
	RootCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "Override the sqlite database path")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level: debug, info, warn or error")
	RootCmd.Version = Version
}

// Execute runs the root command and reports any error on stderr
func Execute() int {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig reads the configuration and applies flag overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Type = config.DatabaseSQLite
		cfg.Database.SQLitePath = dbPath
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setup loads configuration, installs the logger and builds the app.
// Logs always go to w, never stdout, so stdio MCP stays clean.
func setup(ctx context.Context, w io.Writer) (*app.App, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.Setup(cfg.Logging, w)

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return a, logger, nil
}
