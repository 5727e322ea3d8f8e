// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package chain is the narrow client the proof ledger uses to anchor hashes
// on an external append-only chain.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/crypto"
)

const (
	ModeSimulated = "simulated"
	ModeLive      = "live"
)

// Status is the chain-side state of a submitted transaction
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// Submission is what gets anchored for one ledger entry
type Submission struct {
	DataHash   string `json:"data_hash"`
	ProofHash  string `json:"proof_hash"`
	ResultHash string `json:"result_hash,omitempty"`
}

// Receipt reports where a transaction stands
type Receipt struct {
	TxRef       string `json:"tx_ref"`
	Status      Status `json:"status"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Client submits proofs and reports their status
type Client interface {
	// Submit anchors a submission and returns its transaction reference
	Submit(ctx context.Context, sub Submission) (string, error)
	// Status looks up a previously returned transaction reference
	Status(ctx context.Context, txRef string) (*Receipt, error)
	// Head returns the latest known block number
	Head(ctx context.Context) (uint64, error)
	// Ping checks that the chain is reachable
	Ping(ctx context.Context) error
	// Mode is informational: simulated or live
	Mode() string
}

// New builds the client selected by configuration. A missing RPC endpoint or
// signing credential always yields the simulator.
func New(cfg config.ChainConfig, logger *slog.Logger) (Client, error) {
	delay := time.Duration(cfg.ConfirmationDelaySeconds) * time.Second
	if cfg.Simulated() {
		return NewSimulatedClient(delay), nil
	}

	key, err := crypto.ParseKey(cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid chain signing key: %w", err)
	}

	return NewLiveClient(LiveOptions{
		URL:         cfg.RPCURL,
		AuthToken:   cfg.AuthToken,
		SigningKey:  key,
		FromAddress: cfg.FromAddress,
		Timeout:     time.Duration(cfg.TimeoutSeconds) * time.Second,
		MaxAttempts: cfg.MaxAttempts,
		Logger:      logger,
	}), nil
}
