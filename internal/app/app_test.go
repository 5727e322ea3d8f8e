// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "app.db")
	cfg.Embeddings.Dimensions = 32
	cfg.Chain.ConfirmationDelaySeconds = 0
	cfg.Reconciler.PollIntervalSeconds = 1
	return cfg
}

func TestNew_WiresSimulatedStack(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, chain.ModeSimulated, a.Chain.Mode())
	assert.Nil(t, a.Notifier)
	assert.Equal(t, 32, a.Memory.Dimensions())
	assert.NoError(t, a.DB.Ping(context.Background()))
}

func TestNew_InvalidReconcilerSetup(t *testing.T) {
	cfg := testConfig(t)
	cfg.Reconciler.Mode = config.ReconcilerModePostgres

	_, err := New(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}

func TestRunBackground_ConfirmsTrackedOperations(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec, tracked, err := a.Service.Remember(ctx, service.RememberInput{UserID: "u1", Content: "remember the milk"})
	require.NoError(t, err)
	assert.NotZero(t, rec.ID)
	assert.Equal(t, database.LedgerStatusSubmitted, tracked.Status)

	done := make(chan error, 1)
	go func() { done <- a.RunBackground(ctx) }()

	require.Eventually(t, func() bool {
		entry, err := a.Ledger.Get(context.Background(), tracked.EntryID)
		return err == nil && entry.Status == database.LedgerStatusConfirmed
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestClose_Twice(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}
