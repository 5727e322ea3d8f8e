// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package integrity re-derives proof hashes from the proof cache and checks
// them, and the ledger status, against each ledger entry.
package integrity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/crypto"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/logging"
	"gorm.io/gorm"
)

const batchSize = 500

// Problem codes
const (
	ProblemMissingProof    = "missing_proof"
	ProblemDataHash        = "data_hash_mismatch"
	ProblemPayloadHash     = "payload_hash_mismatch"
	ProblemResultHash      = "result_hash_mismatch"
	ProblemMissingTxRef    = "missing_tx_ref"
	ProblemMissingBlock    = "missing_block_number"
	ProblemOnChainFlag     = "on_chain_flag_mismatch"
	ProblemUnclosedInChain = "unclosed_proof_submitted"
)

// Options configures verification behavior
type Options struct {
	Repair bool // set on_chain for confirmed entries whose flag was not written
}

// Problem is one inconsistency found on an entry
type Problem struct {
	EntryID  uint   `json:"entry_id"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
	Repaired bool   `json:"repaired,omitempty"`
}

// Result contains statistics from a verification run
type Result struct {
	Entries  int           `json:"entries"`
	Verified int           `json:"verified"`
	Repaired int           `json:"repaired"`
	Problems []Problem     `json:"problems"`
	Duration time.Duration `json:"duration"`
}

// Valid reports whether every entry verified or was repaired
func (r *Result) Valid() bool {
	for _, p := range r.Problems {
		if !p.Repaired {
			return false
		}
	}
	return true
}

// Verifier checks ledger entries against the proof cache
type Verifier struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewVerifier creates a verifier over db
func NewVerifier(db *gorm.DB, logger *slog.Logger) *Verifier {
	return &Verifier{db: db, logger: logging.OrDefault(logger)}
}

// Verify walks every ledger entry in id order
func (v *Verifier) Verify(ctx context.Context, opts Options) (*Result, error) {
	const op = "integrity.verify"
	start := time.Now()
	result := &Result{Problems: []Problem{}}

	var afterID uint
	for {
		var entries []database.LedgerEntry
		err := v.db.WithContext(ctx).Where("id > ?", afterID).Order("id").Limit(batchSize).Find(&entries).Error
		if err != nil {
			return nil, apperr.Storage(op, err)
		}
		if len(entries) == 0 {
			break
		}
		afterID = entries[len(entries)-1].ID

		proofs, err := v.loadProofs(ctx, entries)
		if err != nil {
			return nil, apperr.Storage(op, err)
		}

		for i := range entries {
			e := &entries[i]
			result.Entries++
			problems := checkEntry(e, proofs[e.PoEHash])
			if len(problems) == 0 {
				result.Verified++
				continue
			}
			if opts.Repair {
				if err := v.repair(ctx, e, problems); err != nil {
					return nil, apperr.Storage(op, err)
				}
			}
			for _, p := range problems {
				if p.Repaired {
					result.Repaired++
				}
			}
			result.Problems = append(result.Problems, problems...)
		}
	}

	result.Duration = time.Since(start)
	v.logger.Info("ledger integrity verified",
		"entries", result.Entries,
		"verified", result.Verified,
		"problems", len(result.Problems),
		"repaired", result.Repaired)
	return result, nil
}

func (v *Verifier) loadProofs(ctx context.Context, entries []database.LedgerEntry) (map[string]*database.ProofCacheEntry, error) {
	hashes := make([]string, len(entries))
	for i, e := range entries {
		hashes[i] = e.PoEHash
	}
	var rows []database.ProofCacheEntry
	if err := v.db.WithContext(ctx).Where("proof_hash IN ?", hashes).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]*database.ProofCacheEntry, len(rows))
	for i := range rows {
		out[rows[i].ProofHash] = &rows[i]
	}
	return out, nil
}

// repair fixes what can be derived from the ledger itself. Only the on_chain
// flag qualifies: hash mismatches are evidence and stay as they are.
func (v *Verifier) repair(ctx context.Context, e *database.LedgerEntry, problems []Problem) error {
	for i := range problems {
		p := &problems[i]
		if p.Code != ProblemOnChainFlag {
			continue
		}
		err := v.db.WithContext(ctx).Model(&database.ProofCacheEntry{}).
			Where("proof_hash = ?", e.PoEHash).
			Updates(map[string]interface{}{
				"on_chain":   e.Status == database.LedgerStatusConfirmed,
				"updated_at": time.Now().UTC(),
			}).Error
		if err != nil {
			return err
		}
		p.Repaired = true
		v.logger.Info("repaired on_chain flag", "entry_id", e.ID, "status", e.Status)
	}
	return nil
}

func checkEntry(e *database.LedgerEntry, proof *database.ProofCacheEntry) []Problem {
	var problems []Problem
	add := func(code, format string, args ...interface{}) {
		problems = append(problems, Problem{EntryID: e.ID, Code: code, Detail: fmt.Sprintf(format, args...)})
	}

	if proof == nil {
		add(ProblemMissingProof, "no proof cache row for %s", e.PoEHash)
		return problems
	}

	if proof.DataHash != e.DataHash {
		add(ProblemDataHash, "entry has %s, proof has %s", e.DataHash, proof.DataHash)
	}
	if got, err := crypto.DataHash(json.RawMessage(proof.Payload)); err != nil {
		add(ProblemPayloadHash, "payload is not valid JSON: %v", err)
	} else if got != e.DataHash {
		add(ProblemPayloadHash, "payload hashes to %s, entry has %s", got, e.DataHash)
	}

	if proof.ClosedAt != nil {
		if got, err := crypto.ResultHash(e.DataHash, json.RawMessage(proof.Result)); err != nil {
			add(ProblemResultHash, "result is not valid JSON: %v", err)
		} else if got != proof.ResultHash {
			add(ProblemResultHash, "result hashes to %s, proof has %s", got, proof.ResultHash)
		}
	} else if e.Status == database.LedgerStatusSubmitted || e.Status == database.LedgerStatusConfirmed {
		add(ProblemUnclosedInChain, "entry is %s but its proof was never closed", e.Status)
	}

	switch e.Status {
	case database.LedgerStatusSubmitted:
		if e.TxRef == nil {
			add(ProblemMissingTxRef, "submitted entry has no tx_ref")
		}
	case database.LedgerStatusConfirmed:
		if e.TxRef == nil {
			add(ProblemMissingTxRef, "confirmed entry has no tx_ref")
		}
		if e.BlockNumber == nil {
			add(ProblemMissingBlock, "confirmed entry has no block number")
		}
	}

	if confirmed := e.Status == database.LedgerStatusConfirmed; proof.OnChain != confirmed {
		add(ProblemOnChainFlag, "on_chain=%t for a %s entry", proof.OnChain, e.Status)
	}
	return problems
}
