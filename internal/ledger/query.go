// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ledger

import (
	"context"
	"database/sql"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/database"
)

// ListOptions filters List
type ListOptions struct {
	Limit  int
	Status string
}

// Stats counts entries per status
type Stats struct {
	Total     int64 `json:"total"`
	Queued    int64 `json:"queued"`
	Submitted int64 `json:"submitted"`
	Confirmed int64 `json:"confirmed"`
	Failed    int64 `json:"failed"`
}

// List returns entries newest first
func (l *Ledger) List(ctx context.Context, opts ListOptions) ([]database.LedgerEntry, error) {
	const op = "ledger.list"

	if opts.Status != "" && !database.IsValidLedgerStatus(opts.Status) {
		return nil, apperr.Validation(op, "unknown ledger status %q", opts.Status)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	q := l.db.WithContext(ctx).Model(&database.LedgerEntry{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	entries := []database.LedgerEntry{}
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, apperr.Storage(op, err)
	}
	return entries, nil
}

// Stats counts entries by status
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := l.db.WithContext(ctx).Model(&database.LedgerEntry{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, apperr.Storage("ledger.stats", err)
	}

	stats := &Stats{}
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case database.LedgerStatusQueued:
			stats.Queued = r.Count
		case database.LedgerStatusSubmitted:
			stats.Submitted = r.Count
		case database.LedgerStatusConfirmed:
			stats.Confirmed = r.Count
		case database.LedgerStatusFailed:
			stats.Failed = r.Count
		}
	}
	return stats, nil
}

// PendingSubmission returns queued entries with a closed proof that have not
// been touched for staleAfter, oldest first, starting after afterID. Entries
// claimed within the claim lease are still being submitted and are skipped.
func (l *Ledger) PendingSubmission(ctx context.Context, staleAfter time.Duration, afterID uint, limit int) ([]database.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	now := l.now()
	cutoff := now.Add(-staleAfter)
	leaseCutoff := now.Add(-l.closeTimeout)

	entries := []database.LedgerEntry{}
	err := l.db.WithContext(ctx).
		Model(&database.LedgerEntry{}).
		Select("ledger_entries.*").
		Joins("JOIN proof_cache ON proof_cache.proof_hash = ledger_entries.poe_hash").
		Where("ledger_entries.status = ?", database.LedgerStatusQueued).
		Where("ledger_entries.id > ?", afterID).
		Where("ledger_entries.updated_at <= ?", cutoff).
		Where("(ledger_entries.claimed_at IS NULL OR ledger_entries.claimed_at <= ?)", leaseCutoff).
		Where("proof_cache.closed_at IS NOT NULL").
		Order("ledger_entries.id").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, apperr.Storage("ledger.pending_submission", err)
	}
	return entries, nil
}

// Submitted returns entries awaiting chain resolution with an id above
// afterID, oldest first
func (l *Ledger) Submitted(ctx context.Context, afterID uint, limit int) ([]database.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	entries := []database.LedgerEntry{}
	err := l.db.WithContext(ctx).
		Where("status = ? AND id > ?", database.LedgerStatusSubmitted, afterID).
		Order("id").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, apperr.Storage("ledger.submitted", err)
	}
	return entries, nil
}

// LastConfirmedBlock returns the highest block holding a confirmed entry.
// ok is false while nothing is confirmed.
func (l *Ledger) LastConfirmedBlock(ctx context.Context) (block uint64, ok bool, err error) {
	var highest sql.NullInt64
	err = l.db.WithContext(ctx).Model(&database.LedgerEntry{}).
		Where("status = ? AND block_number IS NOT NULL", database.LedgerStatusConfirmed).
		Select("MAX(block_number)").
		Row().Scan(&highest)
	if err != nil {
		return 0, false, apperr.Storage("ledger.last_confirmed_block", err)
	}
	if !highest.Valid {
		return 0, false, nil
	}
	return uint64(highest.Int64), true, nil
}
