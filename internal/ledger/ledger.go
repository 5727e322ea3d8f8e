// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package ledger records the PoD -> PoE audit trail of tracked operations
// and moves each entry through queued -> submitted -> confirmed|failed.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/crypto"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/logging"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DefaultListLimit    = 50
	MaxListLimit        = 500
	DefaultCloseTimeout = 30 * time.Second

	// ReasonDuplicateTxRef is recorded when the chain hands back a reference
	// already held by another entry
	ReasonDuplicateTxRef = "duplicate transaction reference"
)

// Publisher announces that an entry changed chain status
type Publisher interface {
	Publish(ctx context.Context, entryID uint) error
}

// Options tunes a Ledger
type Options struct {
	CloseTimeout time.Duration
}

// OptionsFromConfig builds Options from configuration
func OptionsFromConfig(cfg config.LedgerConfig) Options {
	return Options{CloseTimeout: time.Duration(cfg.CloseTimeoutSeconds) * time.Second}
}

// Ledger owns ledger entries and the proof cache
type Ledger struct {
	db           *gorm.DB
	chain        chain.Client
	publisher    Publisher
	closeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// New creates a ledger backed by db that anchors through client
func New(db *gorm.DB, client chain.Client, opts Options, logger *slog.Logger) *Ledger {
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	return &Ledger{
		db:           db,
		chain:        client,
		closeTimeout: opts.CloseTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       logging.OrDefault(logger),
	}
}

// WithPublisher sets where successful submissions are announced
func (l *Ledger) WithPublisher(p Publisher) *Ledger {
	l.publisher = p
	return l
}

// WithClock replaces the time source
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Now returns the ledger clock
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Chain returns the client the ledger submits through
func (l *Ledger) Chain() chain.Client {
	return l.chain
}

// OpenOptions describes the proof being opened
type OpenOptions struct {
	ContentType string
	Operation   string
}

// OpenPoD stores the proof-of-data and a queued ledger entry in one
// transaction. A fresh nonce makes every proof distinct, even for equal data.
// dataHash must be the sha256 of the canonical JSON of payload, the same
// rule integrity verification applies later.
func (l *Ledger) OpenPoD(ctx context.Context, dataHash string, payload interface{}, opts OpenOptions) (*database.LedgerEntry, error) {
	const op = "ledger.open_pod"

	if !crypto.IsHexDigest(dataHash) {
		return nil, apperr.Validation(op, "data hash must be a sha256 hex digest")
	}
	raw, err := crypto.CanonicalJSON(payload)
	if err != nil {
		return nil, apperr.Validation(op, "payload is not serializable: %v", err)
	}
	if crypto.SHA256Hex(raw) != dataHash {
		return nil, apperr.Validation(op, "data hash does not match the canonical payload")
	}
	contentType := strings.TrimSpace(opts.ContentType)
	if contentType == "" {
		contentType = database.ContentTypeExecution
	}

	proofHash := crypto.ProofHash(dataHash, crypto.NewNonce())
	now := l.now()

	cache := database.ProofCacheEntry{
		ProofHash:   proofHash,
		DataHash:    dataHash,
		ContentType: contentType,
		Operation:   opts.Operation,
		Payload:     datatypes.JSON(raw),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := database.LedgerEntry{
		PoEHash:   proofHash,
		DataHash:  dataHash,
		Status:    database.LedgerStatusQueued,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cache).Error; err != nil {
			return err
		}
		return tx.Create(&entry).Error
	})
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	l.logger.Debug("opened proof of data", "entry_id", entry.ID, "operation", opts.Operation, "data_hash", dataHash)
	return &entry, nil
}

// ClosePoE attaches the operation result to the proof and submits the entry.
// Entries that already left queued are returned unchanged. A chain failure
// fails the entry; cancellation leaves it queued for the reconciler.
func (l *Ledger) ClosePoE(ctx context.Context, entryID uint, result interface{}) (*database.LedgerEntry, error) {
	const op = "ledger.close_poe"

	entry, err := l.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != database.LedgerStatusQueued {
		return entry, nil
	}

	raw, err := crypto.CanonicalJSON(result)
	if err != nil {
		return nil, apperr.Validation(op, "result is not serializable: %v", err)
	}
	resultHash, err := crypto.ResultHash(entry.DataHash, result)
	if err != nil {
		return nil, apperr.Validation(op, "result is not serializable: %v", err)
	}

	now := l.now()
	err = l.db.WithContext(ctx).Model(&database.ProofCacheEntry{}).
		Where("proof_hash = ? AND closed_at IS NULL", entry.PoEHash).
		Updates(map[string]interface{}{
			"result":      datatypes.JSON(raw),
			"result_hash": resultHash,
			"closed_at":   now,
			"updated_at":  now,
		}).Error
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	return l.submit(ctx, entry)
}

// Resubmit retries submission of a queued entry whose proof is closed
func (l *Ledger) Resubmit(ctx context.Context, entryID uint) (*database.LedgerEntry, error) {
	entry, err := l.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != database.LedgerStatusQueued {
		return entry, nil
	}
	return l.submit(ctx, entry)
}

func (l *Ledger) submit(ctx context.Context, entry *database.LedgerEntry) (*database.LedgerEntry, error) {
	const op = "ledger.submit"

	var cache database.ProofCacheEntry
	if err := l.db.WithContext(ctx).First(&cache, "proof_hash = ?", entry.PoEHash).Error; err != nil {
		return nil, apperr.Storage(op, err)
	}
	if cache.ClosedAt == nil {
		return nil, apperr.New(apperr.KindLedgerConflict, op, "entry %d has no closed proof of execution", entry.ID)
	}

	// claim; claimed_at leases the entry to this caller for the close timeout
	now := l.now()
	res := l.db.WithContext(ctx).Model(&database.LedgerEntry{}).
		Where("id = ? AND status = ? AND version = ?", entry.ID, database.LedgerStatusQueued, entry.Version).
		Updates(map[string]interface{}{
			"version":    gorm.Expr("version + 1"),
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return nil, apperr.Storage(op, res.Error)
	}
	if res.RowsAffected == 0 {
		l.logger.Debug("ledger entry claimed elsewhere", "entry_id", entry.ID)
		return nil, apperr.New(apperr.KindLedgerConflict, op, "entry %d was claimed by another writer", entry.ID)
	}

	txRef, err := l.chain.Submit(ctx, chain.Submission{
		DataHash:   entry.DataHash,
		ProofHash:  entry.PoEHash,
		ResultHash: cache.ResultHash,
	})
	if err != nil {
		if ctx.Err() != nil {
			l.logger.Info("submission cancelled, entry stays queued", "entry_id", entry.ID)
			return nil, apperr.Wrap(apperr.KindChainUnavailable, op, ctx.Err())
		}
		l.logger.Warn("chain submission failed", "entry_id", entry.ID, "error", err)
		if ferr := l.fail(ctx, entry.ID, database.LedgerStatusQueued, err.Error()); ferr != nil {
			l.logger.Debug("could not fail entry", "entry_id", entry.ID, "error", ferr)
		}
		if apperr.KindOf(err) != apperr.KindChainRejected {
			err = apperr.Wrap(apperr.KindChainUnavailable, op, err)
		}
		return nil, err
	}

	err = l.transition(l.db.WithContext(ctx), entry.ID, database.LedgerStatusQueued, database.LedgerStatusSubmitted,
		map[string]interface{}{"tx_ref": txRef, "submitted_at": l.now(), "last_error": ""})
	if err != nil {
		if database.IsUniqueViolation(err) {
			l.logger.Info("duplicate transaction reference", "entry_id", entry.ID, "tx_ref", txRef)
			if ferr := l.fail(ctx, entry.ID, database.LedgerStatusQueued, ReasonDuplicateTxRef); ferr != nil {
				l.logger.Debug("could not fail entry", "entry_id", entry.ID, "error", ferr)
			}
			return nil, apperr.New(apperr.KindLedgerConflict, op, "entry %d: %s %s", entry.ID, ReasonDuplicateTxRef, txRef)
		}
		if apperr.IsKind(err, apperr.KindLedgerConflict) {
			l.logger.Debug("ledger entry moved during submission", "entry_id", entry.ID)
			return nil, err
		}
		return nil, apperr.Storage(op, err)
	}

	if l.publisher != nil {
		if perr := l.publisher.Publish(ctx, entry.ID); perr != nil {
			l.logger.Warn("failed to publish ledger event", "entry_id", entry.ID, "error", perr)
		}
	}

	return l.Get(ctx, entry.ID)
}

// transition moves an entry from -> to, guarded on the current status.
// Losing the race yields a ledger_transition_conflict error.
func (l *Ledger) transition(db *gorm.DB, id uint, from, to string, updates map[string]interface{}) error {
	const op = "ledger.transition"

	if !database.CanTransition(from, to) {
		return apperr.New(apperr.KindLedgerConflict, op, "illegal transition %s -> %s", from, to)
	}

	now := l.now()
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = to
	updates["version"] = gorm.Expr("version + 1")
	updates["updated_at"] = now
	if database.IsTerminalLedgerStatus(to) {
		updates["resolved_at"] = now
	}

	res := db.Model(&database.LedgerEntry{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.KindLedgerConflict, op, "entry %d is no longer %s", id, from)
	}
	return nil
}

func (l *Ledger) fail(ctx context.Context, id uint, from, reason string) error {
	return l.transition(l.db.WithContext(ctx), id, from, database.LedgerStatusFailed,
		map[string]interface{}{"last_error": reason})
}

// MarkConfirmed records the block of a submitted entry and flags its proof
// as anchored
func (l *Ledger) MarkConfirmed(ctx context.Context, id uint, block uint64) error {
	const op = "ledger.mark_confirmed"

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry database.LedgerEntry
		if err := tx.First(&entry, id).Error; err != nil {
			return err
		}
		if err := l.transition(tx, id, database.LedgerStatusSubmitted, database.LedgerStatusConfirmed,
			map[string]interface{}{"block_number": block}); err != nil {
			return err
		}
		return tx.Model(&database.ProofCacheEntry{}).
			Where("proof_hash = ?", entry.PoEHash).
			Updates(map[string]interface{}{"on_chain": true, "updated_at": l.now()}).Error
	})
	return l.mapError(op, id, err)
}

// MarkFailed terminates an entry from the given status with a reason
func (l *Ledger) MarkFailed(ctx context.Context, id uint, from, reason string) error {
	return l.mapError("ledger.mark_failed", id, l.fail(ctx, id, from, reason))
}

func (l *Ledger) mapError(op string, id uint, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound(op, "ledger entry %d not found", id)
	default:
		return apperr.Storage(op, err)
	}
}

// Get returns one ledger entry
func (l *Ledger) Get(ctx context.Context, id uint) (*database.LedgerEntry, error) {
	var entry database.LedgerEntry
	err := l.db.WithContext(ctx).First(&entry, id).Error
	if err != nil {
		return nil, l.mapError("ledger.get", id, err)
	}
	return &entry, nil
}

// ProofFor returns the cached PoD/PoE pair of an entry
func (l *Ledger) ProofFor(ctx context.Context, entryID uint) (*database.ProofCacheEntry, error) {
	const op = "ledger.proof_for"

	entry, err := l.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	var cache database.ProofCacheEntry
	if err := l.db.WithContext(ctx).First(&cache, "proof_hash = ?", entry.PoEHash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound(op, "proof for entry %d not found", entryID)
		}
		return nil, apperr.Storage(op, err)
	}
	return &cache, nil
}
