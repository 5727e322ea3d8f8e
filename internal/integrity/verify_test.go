// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package integrity

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setup(t *testing.T) (*ledger.Ledger, *gorm.DB) {
	t.Helper()
	db, err := database.Connect(&database.Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "integrity.db"),
		LogLevel:   logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))
	t.Cleanup(func() { _ = database.Close(db) })
	return ledger.New(db, chain.NewSimulatedClient(0), ledger.Options{}, logging.Discard()), db
}

func track(t *testing.T, l *ledger.Ledger, input string) ledger.Tracked {
	t.Helper()
	_, tr, err := ledger.Guard(context.Background(), l, ledger.Operation{Name: "test.op", Input: input},
		func(ctx context.Context) (string, error) { return "done:" + input, nil })
	require.NoError(t, err)
	return tr
}

func codes(problems []Problem) []string {
	out := make([]string, len(problems))
	for i, p := range problems {
		out[i] = p.Code
	}
	return out
}

func TestVerify_CleanLedger(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	a := track(t, l, "a")
	track(t, l, "b")
	require.NoError(t, l.MarkConfirmed(ctx, a.EntryID, 7))

	res, err := NewVerifier(db, logging.Discard()).Verify(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, 2, res.Verified)
	assert.Empty(t, res.Problems)
	assert.True(t, res.Valid())
}

func TestVerify_EmptyLedger(t *testing.T) {
	_, db := setup(t)

	res, err := NewVerifier(db, nil).Verify(context.Background(), Options{})
	require.NoError(t, err)
	assert.Zero(t, res.Entries)
	assert.True(t, res.Valid())
}

func TestVerify_DetectsTampering(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	payload := track(t, l, "payload")
	result := track(t, l, "result")
	track(t, l, "untouched")

	require.NoError(t, db.Model(&database.ProofCacheEntry{}).Where("proof_hash = ?", payload.ProofHash).
		Update("payload", datatypes.JSON(`{"forged":true}`)).Error)
	require.NoError(t, db.Model(&database.ProofCacheEntry{}).Where("proof_hash = ?", result.ProofHash).
		Update("result", datatypes.JSON(`{"status":"ok","value":"other"}`)).Error)

	res, err := NewVerifier(db, logging.Discard()).Verify(ctx, Options{Repair: true})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, 1, res.Verified)
	assert.ElementsMatch(t, []string{ProblemPayloadHash, ProblemResultHash}, codes(res.Problems))
	assert.Zero(t, res.Repaired, "hash mismatches are never repaired")
	assert.False(t, res.Valid())
}

func TestVerify_MissingProofAndTxRef(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	tr := track(t, l, "x")
	require.NoError(t, db.Model(&database.LedgerEntry{}).Where("id = ?", tr.EntryID).Update("tx_ref", nil).Error)

	orphan := track(t, l, "y")
	require.NoError(t, db.Where("proof_hash = ?", orphan.ProofHash).Delete(&database.ProofCacheEntry{}).Error)

	res, err := NewVerifier(db, logging.Discard()).Verify(ctx, Options{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ProblemMissingTxRef, ProblemMissingProof}, codes(res.Problems))
}

func TestVerify_RepairsOnChainFlag(t *testing.T) {
	l, db := setup(t)
	ctx := context.Background()

	tr := track(t, l, "anchor")
	require.NoError(t, l.MarkConfirmed(ctx, tr.EntryID, 3))
	require.NoError(t, db.Model(&database.ProofCacheEntry{}).Where("proof_hash = ?", tr.ProofHash).
		Update("on_chain", false).Error)

	v := NewVerifier(db, logging.Discard())

	res, err := v.Verify(ctx, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{ProblemOnChainFlag}, codes(res.Problems))
	assert.False(t, res.Valid())

	res, err = v.Verify(ctx, Options{Repair: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Repaired)
	assert.True(t, res.Valid())

	res, err = v.Verify(ctx, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.Problems)
}
