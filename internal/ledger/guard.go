// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/crypto"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/google/uuid"
)

// Outcome statuses recorded in the proof of execution
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeNotFound = "not_found"
	OutcomePanic    = "panic"
)

// Operation names a tracked operation and its input
type Operation struct {
	Name        string
	ContentType string
	Input       interface{}
}

// Tracked reports the ledger side of a guarded call
type Tracked struct {
	EntryID   uint   `json:"ledger_entry_id"`
	ProofHash string `json:"proof_hash"`
	Status    string `json:"ledger_status"`
	// CloseErr is the PoE close failure, if any; it never fails the operation
	CloseErr error `json:"-"`
}

type envelope struct {
	Operation string      `json:"operation"`
	RequestID string      `json:"request_id"`
	At        string      `json:"at"`
	Input     interface{} `json:"input"`
}

type outcome struct {
	Status string      `json:"status"`
	Error  string      `json:"error,omitempty"`
	Kind   string      `json:"kind,omitempty"`
	Value  interface{} `json:"value,omitempty"`
}

// Guard runs fn between a proof of data and a proof of execution. When the
// PoD cannot be opened fn is not run. The PoE is closed on every exit path,
// panics included, using a context detached from the caller's cancellation.
// The operation's own result and error are returned unchanged.
func Guard[T any](ctx context.Context, l *Ledger, op Operation, fn func(ctx context.Context) (T, error)) (result T, tracked Tracked, err error) {
	env := envelope{
		Operation: op.Name,
		RequestID: uuid.NewString(),
		At:        l.now().UTC().Format(time.RFC3339Nano),
		Input:     op.Input,
	}
	dataHash, herr := crypto.DataHash(env)
	if herr != nil {
		return result, tracked, apperr.Validation("ledger.guard", "operation input is not serializable: %v", herr)
	}

	entry, oerr := l.OpenPoD(ctx, dataHash, env, OpenOptions{ContentType: op.ContentType, Operation: op.Name})
	if oerr != nil {
		return result, tracked, oerr
	}
	tracked = Tracked{EntryID: entry.ID, ProofHash: entry.PoEHash, Status: entry.Status}

	defer func() {
		if r := recover(); r != nil {
			l.closeDetached(ctx, &tracked, outcome{Status: OutcomePanic, Error: fmt.Sprint(r)})
			panic(r)
		}
	}()

	result, err = fn(ctx)

	out := outcome{Status: OutcomeOK, Value: result}
	if err != nil {
		out = outcome{Status: OutcomeError, Error: err.Error(), Kind: string(apperr.KindOf(err))}
		if apperr.IsKind(err, apperr.KindNotFound) {
			out.Status = OutcomeNotFound
		}
	}
	l.closeDetached(ctx, &tracked, out)
	return result, tracked, err
}

func (l *Ledger) closeDetached(ctx context.Context, tracked *Tracked, out outcome) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.closeTimeout)
	defer cancel()

	entry, err := l.ClosePoE(closeCtx, tracked.EntryID, out)
	if err != nil {
		tracked.CloseErr = err
		if apperr.IsKind(err, apperr.KindLedgerConflict) {
			l.logger.Info("proof of execution not submitted", "entry_id", tracked.EntryID, "error", err)
		} else {
			l.logger.Warn("failed to close proof of execution", "entry_id", tracked.EntryID, "error", err)
		}
		if current, gerr := l.Get(closeCtx, tracked.EntryID); gerr == nil {
			tracked.Status = current.Status
		}
		return
	}
	tracked.Status = entry.Status
	if entry.Status == database.LedgerStatusSubmitted {
		l.logger.Debug("proof of execution submitted", "entry_id", entry.ID, "tx_ref", *entry.TxRef)
	}
}
