// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package service exposes the tracked operations shared by the HTTP API and
// the MCP tools. Every data-affecting call runs inside a ledger guard.
package service

import (
	"context"
	"strings"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/episodic"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/memory"
)

// Operation names recorded in the proof cache
const (
	OpRemember   = "memory.upsert"
	OpGetItem    = "memory.get"
	OpAppendTurn = "episode.append"
	OpPromote    = "episode.promote"
	OpEmbed      = "embedding.embed"
)

// Service wires the stores to the ledger
type Service struct {
	memory   *memory.Store
	episodes *episodic.Buffer
	ledger   *ledger.Ledger
}

// New creates a service
func New(store *memory.Store, episodes *episodic.Buffer, l *ledger.Ledger) *Service {
	return &Service{memory: store, episodes: episodes, ledger: l}
}

// Memory returns the memory store
func (s *Service) Memory() *memory.Store {
	return s.memory
}

// Episodes returns the episodic buffer
func (s *Service) Episodes() *episodic.Buffer {
	return s.episodes
}

// Ledger returns the proof ledger
func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

// RememberInput is a memory to store
type RememberInput struct {
	ID         uint            `json:"id,omitempty"`
	Agent      string          `json:"agent,omitempty"`
	UserID     string          `json:"user_id"`
	Source     string          `json:"source,omitempty"`
	Content    string          `json:"content"`
	Importance float64         `json:"importance,omitempty"`
	Metadata   memory.Metadata `json:"metadata,omitempty"`
}

// DefaultAgent is used when a caller does not name one
const DefaultAgent = "default"

// Remember upserts a memory under a ledger guard. The record is stored even
// when the proof fails to reach the chain; Tracked reports the ledger state.
func (s *Service) Remember(ctx context.Context, in RememberInput) (*memory.Record, ledger.Tracked, error) {
	if in.Agent == "" {
		in.Agent = DefaultAgent
	}
	if err := in.Metadata.Validate(); err != nil {
		return nil, ledger.Tracked{}, apperr.Validation(OpRemember, "%s", err.Error())
	}

	return ledger.Guard(ctx, s.ledger, ledger.Operation{Name: OpRemember, Input: in},
		func(ctx context.Context) (*memory.Record, error) {
			return s.memory.Upsert(ctx, memory.Record{
				ID:         in.ID,
				Agent:      in.Agent,
				UserID:     in.UserID,
				Source:     in.Source,
				Content:    in.Content,
				Importance: in.Importance,
				Metadata:   in.Metadata,
			})
		})
}

// GetItem reads a memory under a ledger guard; a miss is still proven
func (s *Service) GetItem(ctx context.Context, id uint) (*memory.Record, ledger.Tracked, error) {
	return ledger.Guard(ctx, s.ledger, ledger.Operation{Name: OpGetItem, Input: map[string]uint{"id": id}},
		func(ctx context.Context) (*memory.Record, error) {
			return s.memory.Get(ctx, id)
		})
}

// Recall runs scored retrieval. It is read-only and not tracked.
func (s *Service) Recall(ctx context.Context, query string, filter memory.Filter, k int) ([]memory.Result, error) {
	return s.memory.Retrieve(ctx, query, filter, k)
}

// TurnInput is one turn to append
type TurnInput struct {
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Metadata  memory.Metadata `json:"metadata,omitempty"`
}

// AppendTurn appends to a session under a ledger guard
func (s *Service) AppendTurn(ctx context.Context, in TurnInput) (*episodic.Turn, ledger.Tracked, error) {
	return ledger.Guard(ctx, s.ledger, ledger.Operation{Name: OpAppendTurn, Input: in},
		func(ctx context.Context) (*episodic.Turn, error) {
			return s.episodes.Append(ctx, in.SessionID, in.Role, in.Text, in.Metadata)
		})
}

// RecentTurns returns the newest turns of a session
func (s *Service) RecentTurns(ctx context.Context, session string, n int) ([]episodic.Turn, error) {
	return s.episodes.Recent(ctx, session, n)
}

// PromoteInput selects a turn to keep long-term
type PromoteInput struct {
	SessionID  string  `json:"session_id"`
	Turn       uint    `json:"turn"`
	Agent      string  `json:"agent,omitempty"`
	UserID     string  `json:"user_id"`
	Importance float64 `json:"importance,omitempty"`
}

// PromoteTurn copies a session turn into the memory store under a ledger guard
func (s *Service) PromoteTurn(ctx context.Context, in PromoteInput) (*memory.Record, ledger.Tracked, error) {
	if in.Agent == "" {
		in.Agent = DefaultAgent
	}
	return ledger.Guard(ctx, s.ledger, ledger.Operation{Name: OpPromote, Input: in},
		func(ctx context.Context) (*memory.Record, error) {
			return s.episodes.Promote(ctx, s.memory, in.SessionID, in.Turn, in.Agent, in.UserID, in.Importance)
		})
}

// EmbedResult is a computed embedding and the model that produced it
type EmbedResult struct {
	Embedding []float32 `json:"embedding"`
	Dim       int       `json:"dim"`
	Model     string    `json:"model"`
	Backend   string    `json:"backend"`
}

// Embed computes the embedding of text under a ledger guard. The proof of
// execution commits to the returned vector.
func (s *Service) Embed(ctx context.Context, text string) (*EmbedResult, ledger.Tracked, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ledger.Tracked{}, apperr.Validation(OpEmbed, "text must not be empty")
	}
	embedder := s.memory.Embedder()
	info := embedder.GetModelInfo()

	input := map[string]string{"text": text, "model": info.Name, "backend": info.Provider}
	return ledger.Guard(ctx, s.ledger, ledger.Operation{Name: OpEmbed, Input: input},
		func(ctx context.Context) (*EmbedResult, error) {
			vec, err := embedder.Embed(ctx, text)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, OpEmbed, err)
			}
			return &EmbedResult{Embedding: vec, Dim: len(vec), Model: info.Name, Backend: info.Provider}, nil
		})
}
