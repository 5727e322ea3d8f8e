// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package chain

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/crypto"
	"go.uber.org/atomic"
)

type simTx struct {
	submittedAt time.Time
	block       uint64
	rejected    bool
}

// SimulatedClient is an in-process chain. Transaction references are
// "0x" + sha256("sim:" + dataHash) and a transaction confirms once the
// confirmation delay has elapsed on the client's clock.
type SimulatedClient struct {
	mu    sync.Mutex
	txs   map[string]*simTx
	now   func() time.Time
	delay time.Duration

	head     *atomic.Uint64
	submits  *atomic.Int64
	failNext *atomic.Int32
	failAll  *atomic.Bool
	reject   *atomic.Bool
}

// NewSimulatedClient creates a simulator with the given confirmation delay
func NewSimulatedClient(delay time.Duration) *SimulatedClient {
	if delay < 0 {
		delay = 0
	}
	return &SimulatedClient{
		txs:      make(map[string]*simTx),
		now:      time.Now,
		delay:    delay,
		head:     atomic.NewUint64(0),
		submits:  atomic.NewInt64(0),
		failNext: atomic.NewInt32(0),
		failAll:  atomic.NewBool(false),
		reject:   atomic.NewBool(false),
	}
}

// SimTxRef returns the reference the simulator assigns to a data hash
func SimTxRef(dataHash string) string {
	return "0x" + crypto.SHA256Hex([]byte("sim:"+dataHash))
}

// WithClock replaces the virtual clock
func (c *SimulatedClient) WithClock(now func() time.Time) *SimulatedClient {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// FailNextSubmits makes the next n submissions fail as unavailable
func (c *SimulatedClient) FailNextSubmits(n int) {
	c.failNext.Store(int32(n))
}

// SetFailAll makes every submission fail until reset
func (c *SimulatedClient) SetFailAll(fail bool) {
	c.failAll.Store(fail)
}

// SetReject makes transactions submitted from now on resolve as rejected
func (c *SimulatedClient) SetReject(reject bool) {
	c.reject.Store(reject)
}

// Submits returns how many submissions were accepted
func (c *SimulatedClient) Submits() int64 {
	return c.submits.Load()
}

func (c *SimulatedClient) takeFailure() bool {
	if c.failAll.Load() {
		return true
	}
	for {
		n := c.failNext.Load()
		if n <= 0 {
			return false
		}
		if c.failNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Submit records the submission and returns its deterministic reference
func (c *SimulatedClient) Submit(ctx context.Context, sub Submission) (string, error) {
	const op = "chain.simulated.submit"

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sub.DataHash == "" {
		return "", apperr.Validation(op, "data hash must not be empty")
	}
	if c.takeFailure() {
		return "", apperr.New(apperr.KindChainUnavailable, op, "simulated submission failure")
	}

	ref := SimTxRef(sub.DataHash)

	c.mu.Lock()
	if _, ok := c.txs[ref]; !ok {
		c.txs[ref] = &simTx{submittedAt: c.now(), rejected: c.reject.Load()}
	}
	c.mu.Unlock()

	c.submits.Inc()
	return ref, nil
}

// Status resolves a reference against the virtual clock. A reference the
// simulator has never seen counts as submitted at its first lookup.
func (c *SimulatedClient) Status(ctx context.Context, txRef string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(txRef, "0x") {
		return nil, apperr.Validation("chain.simulated.status", "malformed transaction reference %q", txRef)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	tx, ok := c.txs[txRef]
	if !ok {
		tx = &simTx{submittedAt: now}
		c.txs[txRef] = tx
	}

	receipt := &Receipt{TxRef: txRef, Status: StatusPending}
	if now.Sub(tx.submittedAt) < c.delay {
		return receipt, nil
	}
	if tx.rejected {
		receipt.Status = StatusRejected
		receipt.Reason = "rejected by simulator"
		return receipt, nil
	}
	if tx.block == 0 {
		tx.block = c.head.Inc()
	}
	receipt.Status = StatusConfirmed
	receipt.BlockNumber = tx.block
	return receipt, nil
}

// Head returns the highest block handed out so far
func (c *SimulatedClient) Head(ctx context.Context) (uint64, error) {
	return c.head.Load(), ctx.Err()
}

// Ping always succeeds unless the simulator is failing everything
func (c *SimulatedClient) Ping(ctx context.Context) error {
	if c.failAll.Load() {
		return apperr.New(apperr.KindChainUnavailable, "chain.simulated.ping", "simulated outage")
	}
	return ctx.Err()
}

// Mode returns ModeSimulated
func (c *SimulatedClient) Mode() string {
	return ModeSimulated
}
