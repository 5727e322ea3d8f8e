// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package reconciler drives ledger entries to a terminal chain status.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/logging"
	"go.uber.org/atomic"
)

// Reconciler runs reconciliation passes
type Reconciler interface {
	// Run reconciles until ctx is done
	Run(ctx context.Context) error
	// RunOnce performs a single pass
	RunOnce(ctx context.Context) (Pass, error)
	// Stats returns cumulative counters
	Stats() Stats
}

// Pass summarizes one reconciliation pass
type Pass struct {
	Resubmitted    int           `json:"resubmitted"`
	ResubmitFailed int           `json:"resubmit_failed"`
	Confirmed      int           `json:"confirmed"`
	Rejected       int           `json:"rejected"`
	Expired        int           `json:"expired"`
	Pending        int           `json:"pending"`
	Conflicts      int           `json:"conflicts"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

// Stats are cumulative over the life of an engine
type Stats struct {
	Mode        string    `json:"mode"`
	Passes      int64     `json:"passes"`
	Resubmitted int64     `json:"resubmitted"`
	Confirmed   int64     `json:"confirmed"`
	Rejected    int64     `json:"rejected"`
	Expired     int64     `json:"expired"`
	Errors      int64     `json:"errors"`
	LastPassAt  time.Time `json:"last_pass_at,omitempty"`
}

// ReasonConfirmationDeadline is recorded on entries the chain never resolved
const ReasonConfirmationDeadline = "confirmation deadline exceeded"

// Options tunes an Engine
type Options struct {
	// BatchSize is the page size; a pass walks every page
	BatchSize       int
	StaleAfter      time.Duration
	// ConfirmDeadline fails submitted entries still pending this long after
	// submission. Zero disables it.
	ConfirmDeadline time.Duration
}

// OptionsFromConfig builds Options from configuration
func OptionsFromConfig(cfg config.ReconcilerConfig) Options {
	return Options{
		BatchSize:       cfg.BatchSize,
		StaleAfter:      time.Duration(cfg.StaleAfterSeconds) * time.Second,
		ConfirmDeadline: time.Duration(cfg.ConfirmDeadlineSeconds) * time.Second,
	}
}

// Engine holds the pass logic shared by every reconciler
type Engine struct {
	ledger *ledger.Ledger
	opts   Options
	logger *slog.Logger

	mu sync.Mutex

	passes      *atomic.Int64
	resubmitted *atomic.Int64
	confirmed   *atomic.Int64
	rejected    *atomic.Int64
	expired     *atomic.Int64
	errors      *atomic.Int64
	lastPass    *atomic.Time
}

// NewEngine creates an engine over l
func NewEngine(l *ledger.Ledger, opts Options, logger *slog.Logger) *Engine {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.StaleAfter < 0 {
		opts.StaleAfter = 0
	}
	return &Engine{
		ledger:      l,
		opts:        opts,
		logger:      logging.OrDefault(logger),
		passes:      atomic.NewInt64(0),
		resubmitted: atomic.NewInt64(0),
		confirmed:   atomic.NewInt64(0),
		rejected:    atomic.NewInt64(0),
		expired:     atomic.NewInt64(0),
		errors:      atomic.NewInt64(0),
		lastPass:    atomic.NewTime(time.Time{}),
	}
}

// RunOnce resubmits stale queued entries, then resolves submitted ones
// against the chain, paging through both lists by id. Passes never overlap.
// Losing a transition race is counted as a conflict, not an error.
func (e *Engine) RunOnce(ctx context.Context) (Pass, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	var pass Pass

	var after uint
	for {
		pending, err := e.ledger.PendingSubmission(ctx, e.opts.StaleAfter, after, e.opts.BatchSize)
		if err != nil {
			e.errors.Inc()
			return pass, err
		}
		for _, entry := range pending {
			if ctx.Err() != nil {
				return pass, ctx.Err()
			}
			after = entry.ID
			_, err := e.ledger.Resubmit(ctx, entry.ID)
			switch {
			case err == nil:
				pass.Resubmitted++
			case apperr.IsKind(err, apperr.KindLedgerConflict):
				pass.Conflicts++
			default:
				pass.ResubmitFailed++
				e.logger.Warn("resubmission failed", "entry_id", entry.ID, "error", err)
			}
		}
		if len(pending) < e.opts.BatchSize {
			break
		}
	}

	client := e.ledger.Chain()
	after = 0
	for {
		submitted, err := e.ledger.Submitted(ctx, after, e.opts.BatchSize)
		if err != nil {
			e.errors.Inc()
			return pass, err
		}
		for _, entry := range submitted {
			if ctx.Err() != nil {
				return pass, ctx.Err()
			}
			after = entry.ID
			e.resolve(ctx, client, entry, &pass)
		}
		if len(submitted) < e.opts.BatchSize {
			break
		}
	}

	pass.Duration = time.Since(start)
	e.passes.Inc()
	e.resubmitted.Add(int64(pass.Resubmitted))
	e.confirmed.Add(int64(pass.Confirmed))
	e.rejected.Add(int64(pass.Rejected))
	e.expired.Add(int64(pass.Expired))
	e.errors.Add(int64(pass.Errors))
	e.lastPass.Store(time.Now())

	if pass.Resubmitted+pass.Confirmed+pass.Rejected+pass.Expired+pass.Errors > 0 {
		e.logger.Info("reconciliation pass",
			"resubmitted", pass.Resubmitted,
			"confirmed", pass.Confirmed,
			"rejected", pass.Rejected,
			"expired", pass.Expired,
			"pending", pass.Pending,
			"errors", pass.Errors,
			"duration", pass.Duration)
	}
	return pass, nil
}

func (e *Engine) resolve(ctx context.Context, client chain.Client, entry database.LedgerEntry, pass *Pass) {
	if entry.TxRef == nil {
		e.settle(pass, entry.ID, e.ledger.MarkFailed(ctx, entry.ID, database.LedgerStatusSubmitted, "missing transaction reference"))
		pass.Rejected++
		return
	}

	receipt, err := client.Status(ctx, *entry.TxRef)
	if err != nil {
		pass.Errors++
		e.logger.Warn("chain status lookup failed", "entry_id", entry.ID, "tx_ref", *entry.TxRef, "error", err)
		return
	}

	switch receipt.Status {
	case chain.StatusConfirmed:
		if e.settle(pass, entry.ID, e.ledger.MarkConfirmed(ctx, entry.ID, receipt.BlockNumber)) {
			pass.Confirmed++
		}
	case chain.StatusRejected:
		reason := receipt.Reason
		if reason == "" {
			reason = "rejected by chain"
		}
		if e.settle(pass, entry.ID, e.ledger.MarkFailed(ctx, entry.ID, database.LedgerStatusSubmitted, reason)) {
			pass.Rejected++
		}
	default:
		if e.expiredAt(entry) {
			e.logger.Warn("submitted entry never confirmed", "entry_id", entry.ID, "tx_ref", *entry.TxRef)
			if e.settle(pass, entry.ID, e.ledger.MarkFailed(ctx, entry.ID, database.LedgerStatusSubmitted, ReasonConfirmationDeadline)) {
				pass.Expired++
			}
			return
		}
		pass.Pending++
	}
}

// expiredAt reports whether a pending entry outlived the confirmation deadline
func (e *Engine) expiredAt(entry database.LedgerEntry) bool {
	if e.opts.ConfirmDeadline <= 0 || entry.SubmittedAt == nil {
		return false
	}
	return e.ledger.Now().Sub(*entry.SubmittedAt) >= e.opts.ConfirmDeadline
}

// settle classifies a transition result and reports whether it applied
func (e *Engine) settle(pass *Pass, id uint, err error) bool {
	switch {
	case err == nil:
		return true
	case apperr.IsKind(err, apperr.KindLedgerConflict):
		pass.Conflicts++
		e.logger.Debug("ledger entry already moved", "entry_id", id)
	default:
		pass.Errors++
		e.logger.Warn("ledger transition failed", "entry_id", id, "error", err)
	}
	return false
}

// Stats returns cumulative counters
func (e *Engine) Stats() Stats {
	return Stats{
		Passes:      e.passes.Load(),
		Resubmitted: e.resubmitted.Load(),
		Confirmed:   e.confirmed.Load(),
		Rejected:    e.rejected.Load(),
		Expired:     e.expired.Load(),
		Errors:      e.errors.Load(),
		LastPassAt:  e.lastPass.Load(),
	}
}
