// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/embeddings"
	"github.com/gentleomega/proofmem/internal/episodic"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/locking"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

const testDims = 32

func newTestService(t *testing.T) (*Service, *chain.SimulatedClient) {
	t.Helper()
	db, err := database.Connect(&database.Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "service.db"),
		LogLevel:   logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))
	t.Cleanup(func() { _ = database.Close(db) })

	log := logging.Discard()
	locker := locking.NewLocker(db)
	store := memory.NewStore(db, embeddings.NewLocalClient(testDims), locker,
		memory.Options{Dimensions: testDims, ImportanceScale: 1, HalfLife: 24 * time.Hour}, log)
	buf := episodic.NewBuffer(db, locker, 4, log)
	sim := chain.NewSimulatedClient(0)
	l := ledger.New(db, sim, ledger.Options{}, log)
	return New(store, buf, l), sim
}

func TestRemember_TrackedAndSubmitted(t *testing.T) {
	svc, sim := newTestService(t)
	ctx := context.Background()

	rec, tr, err := svc.Remember(ctx, RememberInput{UserID: "u1", Content: "likes green tea", Importance: 0.4})
	require.NoError(t, err)
	assert.Equal(t, DefaultAgent, rec.Agent)
	assert.NotZero(t, tr.EntryID)
	assert.Equal(t, database.LedgerStatusSubmitted, tr.Status)
	assert.Equal(t, int64(1), sim.Submits())

	proof, err := svc.Ledger().ProofFor(ctx, tr.EntryID)
	require.NoError(t, err)
	assert.Equal(t, OpRemember, proof.Operation)
	assert.Equal(t, tr.ProofHash, proof.ProofHash)
	assert.NotEmpty(t, proof.ResultHash)
	assert.Contains(t, string(proof.Payload), "likes green tea")
}

func TestRemember_ChainFailureKeepsRecord(t *testing.T) {
	svc, sim := newTestService(t)
	sim.SetFailAll(true)
	ctx := context.Background()

	rec, tr, err := svc.Remember(ctx, RememberInput{UserID: "u1", Content: "kept anyway"})
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusFailed, tr.Status)
	assert.True(t, apperr.IsKind(tr.CloseErr, apperr.KindChainUnavailable))

	got, err := svc.Memory().Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept anyway", got.Content)
}

func TestRemember_InvalidMetadataIsNotTracked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, tr, err := svc.Remember(ctx, RememberInput{
		UserID:   "u1",
		Content:  "x",
		Metadata: memory.Metadata{"nested": map[string]interface{}{"a": 1}},
	})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Zero(t, tr.EntryID)

	stats, err := svc.Ledger().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}

func TestRemember_ValidationFailureIsProven(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, tr, err := svc.Remember(ctx, RememberInput{UserID: "u1", Content: "   "})
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	require.NotZero(t, tr.EntryID)

	proof, err := svc.Ledger().ProofFor(ctx, tr.EntryID)
	require.NoError(t, err)
	assert.Contains(t, string(proof.Result), `"kind":"validation"`)
}

func TestGetItem_MissIsProven(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, tr, err := svc.GetItem(ctx, 404)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	proof, err := svc.Ledger().ProofFor(ctx, tr.EntryID)
	require.NoError(t, err)
	assert.Equal(t, OpGetItem, proof.Operation)
	assert.Contains(t, string(proof.Result), `"status":"not_found"`)
}

func TestEmbed_Tracked(t *testing.T) {
	svc, sim := newTestService(t)
	ctx := context.Background()

	res, tr, err := svc.Embed(ctx, "green tea")
	require.NoError(t, err)
	assert.Equal(t, testDims, res.Dim)
	assert.Len(t, res.Embedding, testDims)
	assert.Equal(t, database.LedgerStatusSubmitted, tr.Status)
	assert.Equal(t, int64(1), sim.Submits())

	proof, err := svc.Ledger().ProofFor(ctx, tr.EntryID)
	require.NoError(t, err)
	assert.Equal(t, OpEmbed, proof.Operation)
	assert.Contains(t, string(proof.Payload), `"text":"green tea"`)
	assert.Contains(t, string(proof.Result), `"dim":32`)

	_, tr, err = svc.Embed(ctx, "  ")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
	assert.Zero(t, tr.EntryID, "blank text is rejected before tracking")
}

func TestRecall_NotTracked(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Remember(ctx, RememberInput{Agent: "a", UserID: "u", Content: "hello world", Importance: 1})
	require.NoError(t, err)

	results, err := svc.Recall(ctx, "hello", memory.Filter{Agent: "a"}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)

	stats, err := svc.Ledger().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total, "recall must not open ledger entries")
}

func TestTurnsAndPromote(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, text := range []string{"hi", "what's the weather", "thanks"} {
		_, tr, err := svc.AppendTurn(ctx, TurnInput{SessionID: "s", Role: "user", Text: text})
		require.NoError(t, err)
		assert.Equal(t, database.LedgerStatusSubmitted, tr.Status)
	}

	turns, err := svc.RecentTurns(ctx, "s", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "what's the weather", turns[0].Text)

	rec, tr, err := svc.PromoteTurn(ctx, PromoteInput{SessionID: "s", Turn: 1, UserID: "u", Importance: 0.8})
	require.NoError(t, err)
	assert.Equal(t, DefaultAgent, rec.Agent)
	assert.Equal(t, "what's the weather", rec.Content)
	assert.Equal(t, "episode:s#1", rec.Source)
	assert.NotZero(t, tr.EntryID)

	stats, err := svc.Ledger().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(4), stats.Submitted)

	_, _, err = svc.PromoteTurn(ctx, PromoteInput{SessionID: "s", Turn: 9, UserID: "u"})
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestAccessors(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NotNil(t, svc.Memory())
	assert.NotNil(t, svc.Episodes())
	assert.NotNil(t, svc.Ledger())
}
