// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package app assembles the stores, ledger, chain client and reconciler
// from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/embeddings"
	"github.com/gentleomega/proofmem/internal/episodic"
	"github.com/gentleomega/proofmem/internal/integrity"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/locking"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/internal/memory"
	"github.com/gentleomega/proofmem/internal/reconciler"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/gentleomega/proofmem/pkg/scheduler"
)

const lockCleanupInterval = 5 * time.Minute

// App holds every long-lived component
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	DB         *database.Manager
	Locker     *locking.Locker
	Embedder   embeddings.Client
	Memory     *memory.Store
	Episodes   *episodic.Buffer
	Chain      chain.Client
	Ledger     *ledger.Ledger
	Service    *service.Service
	Engine     *reconciler.Engine
	Reconciler reconciler.Reconciler
	Notifier   reconciler.Notifier
	Verifier   *integrity.Verifier
}

// New connects to the database, runs migrations and wires components
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	logger = logging.OrDefault(logger)

	mgr, err := database.NewManager(ctx, database.FromConfig(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, DB: mgr}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}

	logger.Info("proofmem initialized",
		"database", mgr.Type(),
		"embeddings", a.Embedder.GetModelInfo().Provider,
		"dimensions", cfg.Embeddings.Dimensions,
		"chain", a.Chain.Mode(),
		"reconciler", cfg.Reconciler.Mode)
	return a, nil
}

func (a *App) wire() error {
	cfg := a.Config
	db := a.DB.DB()

	embedder, err := embeddings.New(cfg.Embeddings, a.Logger)
	if err != nil {
		return err
	}
	a.Embedder = embedder

	a.Locker = locking.NewLocker(db)
	a.Memory = memory.NewStore(db, embedder, a.Locker,
		memory.OptionsFromConfig(cfg.Memory, cfg.Embeddings.Dimensions), a.Logger)
	a.Episodes = episodic.NewBuffer(db, a.Locker, cfg.Episodic.SessionCap, a.Logger)

	a.Chain, err = chain.New(cfg.Chain, a.Logger)
	if err != nil {
		return err
	}
	a.Ledger = ledger.New(db, a.Chain, ledger.OptionsFromConfig(cfg.Ledger), a.Logger)

	a.Notifier, err = reconciler.NewNotifier(cfg, a.Logger)
	if err != nil {
		return err
	}
	if a.Notifier != nil {
		a.Ledger.WithPublisher(a.Notifier)
	}

	a.Engine = reconciler.NewEngine(a.Ledger, reconciler.OptionsFromConfig(cfg.Reconciler), a.Logger)
	a.Reconciler, err = reconciler.New(cfg.Reconciler, a.Engine, a.Notifier, a.Logger)
	if err != nil {
		return err
	}

	a.Service = service.New(a.Memory, a.Episodes, a.Ledger)
	a.Verifier = integrity.NewVerifier(db, a.Logger)
	return nil
}

// RunBackground runs the reconciler and expired-lock cleanup until ctx is
// done. It blocks.
func (a *App) RunBackground(ctx context.Context) error {
	cleanup := scheduler.NewScheduler(lockCleanupInterval, func(ctx context.Context) error {
		n, err := a.Locker.CleanupExpired(ctx)
		if err == nil && n > 0 {
			a.Logger.Debug("removed expired locks", "count", n)
		}
		return err
	}).WithLogger(a.Logger)
	cleanup.Start(ctx)
	defer cleanup.Stop()

	if err := a.Reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("reconciler stopped: %w", err)
	}
	return nil
}

// Close releases every resource; safe to call more than once
func (a *App) Close() error {
	var errs []error
	if a.Notifier != nil {
		if err := a.Notifier.Close(); err != nil {
			errs = append(errs, err)
		}
		a.Notifier = nil
	}
	if c, ok := a.Embedder.(*embeddings.CachedClient); ok {
		c.Close()
		a.Embedder = nil
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
