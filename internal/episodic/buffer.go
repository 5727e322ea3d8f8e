// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package episodic keeps bounded, session-scoped turn logs.
package episodic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/embeddings"
	"github.com/gentleomega/proofmem/internal/locking"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/internal/memory"
	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

const (
	DefaultSessionCap = 50
	maxSessionIDLen   = 128
	maxRoleLen        = 32
)

// Turn is one entry of a session log
type Turn struct {
	ID        uint            `json:"id"`
	SessionID string          `json:"session_id"`
	Turn      uint            `json:"turn"`
	Role      string          `json:"role"`
	Text      string          `json:"text"`
	Metadata  memory.Metadata `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session summarizes a stored session
type Session struct {
	SessionID string `json:"session_id"`
	Turns     int64  `json:"turns"`
	FirstTurn uint   `json:"first_turn"`
	LastTurn  uint   `json:"last_turn"`
}

// Buffer appends and reads session turns, evicting the oldest past the cap
type Buffer struct {
	db       *gorm.DB
	locker   *locking.Locker
	cap      int
	embedder embeddings.Client
	logger   *slog.Logger
}

// NewBuffer creates a buffer. cap < 1 uses DefaultSessionCap.
func NewBuffer(db *gorm.DB, locker *locking.Locker, cap int, logger *slog.Logger) *Buffer {
	if cap < 1 {
		cap = DefaultSessionCap
	}
	return &Buffer{
		db:     db,
		locker: locker,
		cap:    cap,
		logger: logging.OrDefault(logger),
	}
}

// WithEmbedder stores an embedding alongside each appended turn
func (b *Buffer) WithEmbedder(e embeddings.Client) *Buffer {
	b.embedder = e
	return b
}

// Cap returns the per-session turn limit
func (b *Buffer) Cap() int {
	return b.cap
}

// NewSessionID returns a fresh, time-sortable session identifier
func NewSessionID() string {
	return ulid.Make().String()
}

func validateSession(op, session string) error {
	if strings.TrimSpace(session) == "" {
		return apperr.Validation(op, "session id must not be empty")
	}
	if len(session) > maxSessionIDLen {
		return apperr.Validation(op, "session id exceeds %d characters", maxSessionIDLen)
	}
	return nil
}

// Append stores text as the next turn of session and evicts turns beyond the
// cap. Appends to one session are serialized; sessions do not block each other.
func (b *Buffer) Append(ctx context.Context, session, role, text string, meta memory.Metadata) (*Turn, error) {
	const op = "episodic.append"

	if err := validateSession(op, session); err != nil {
		return nil, err
	}
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, apperr.Validation(op, "role must not be empty")
	}
	if len(role) > maxRoleLen {
		return nil, apperr.Validation(op, "role exceeds %d characters", maxRoleLen)
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation(op, "text must not be empty")
	}
	if err := meta.Validate(); err != nil {
		return nil, apperr.Validation(op, "%s", err.Error())
	}

	record := database.EpisodeRecord{
		SessionID: session,
		Role:      role,
		Text:      text,
	}
	if len(meta) > 0 {
		record.Metadata = map[string]interface{}(meta)
	}
	if b.embedder != nil {
		vec, err := b.embedder.Embed(ctx, text)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, op, err)
		}
		record.Embedding = embeddings.Float32SliceToBlob(vec)
		record.Dimensions = len(vec)
	}

	var evicted int64
	err := b.locker.WithLock(ctx, "episode:"+session, func() error {
		return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last int64
			if err := tx.Model(&database.EpisodeRecord{}).
				Where("session_id = ?", session).
				Select("COALESCE(MAX(turn), -1)").
				Scan(&last).Error; err != nil {
				return fmt.Errorf("failed to read last turn: %w", err)
			}
			record.Turn = uint(last + 1)

			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("failed to insert turn: %w", err)
			}

			if record.Turn >= uint(b.cap) {
				floor := record.Turn - uint(b.cap) + 1
				res := tx.Where("session_id = ? AND turn < ?", session, floor).Delete(&database.EpisodeRecord{})
				if res.Error != nil {
					return fmt.Errorf("failed to evict turns: %w", res.Error)
				}
				evicted = res.RowsAffected
			}
			return nil
		})
	})
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	if evicted > 0 {
		b.logger.Debug("evicted episodic turns", "session", session, "count", evicted)
	}
	out := fromRecord(&record)
	return &out, nil
}

// Recent returns up to n of the newest turns in increasing turn order.
// n <= 0 returns the whole retained window.
func (b *Buffer) Recent(ctx context.Context, session string, n int) ([]Turn, error) {
	const op = "episodic.recent"

	if err := validateSession(op, session); err != nil {
		return nil, err
	}
	if n <= 0 || n > b.cap {
		n = b.cap
	}

	var rows []database.EpisodeRecord
	if err := b.db.WithContext(ctx).
		Where("session_id = ?", session).
		Order("turn DESC").
		Limit(n).
		Find(&rows).Error; err != nil {
		return nil, apperr.Storage(op, err)
	}

	turns := make([]Turn, len(rows))
	for i := range rows {
		turns[len(rows)-1-i] = fromRecord(&rows[i])
	}
	return turns, nil
}

// Get returns one turn of a session
func (b *Buffer) Get(ctx context.Context, session string, turn uint) (*Turn, error) {
	const op = "episodic.get"

	var row database.EpisodeRecord
	err := b.db.WithContext(ctx).Where("session_id = ? AND turn = ?", session, turn).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "turn %d of session %q not found", turn, session)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	out := fromRecord(&row)
	return &out, nil
}

// Sessions lists stored sessions ordered by id
func (b *Buffer) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := b.db.WithContext(ctx).Model(&database.EpisodeRecord{}).
		Select("session_id, COUNT(*) AS turns, MIN(turn) AS first_turn, MAX(turn) AS last_turn").
		Group("session_id").
		Order("session_id").
		Scan(&sessions).Error
	if err != nil {
		return nil, apperr.Storage("episodic.sessions", err)
	}
	if sessions == nil {
		sessions = []Session{}
	}
	return sessions, nil
}

// Promote copies a retained turn into the memory store as a long-term record
func (b *Buffer) Promote(ctx context.Context, store *memory.Store, session string, turn uint, agent, userID string, importance float64) (*memory.Record, error) {
	t, err := b.Get(ctx, session, turn)
	if err != nil {
		return nil, err
	}

	meta := memory.Metadata{
		"session_id": t.SessionID,
		"turn":       int64(t.Turn),
		"role":       t.Role,
	}
	for k, v := range t.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}

	return store.Upsert(ctx, memory.Record{
		Agent:      agent,
		UserID:     userID,
		Source:     fmt.Sprintf("episode:%s#%d", t.SessionID, t.Turn),
		Content:    t.Text,
		Metadata:   meta,
		Importance: importance,
		Recency:    t.CreatedAt,
	})
}

func fromRecord(r *database.EpisodeRecord) Turn {
	t := Turn{
		ID:        r.ID,
		SessionID: r.SessionID,
		Turn:      r.Turn,
		Role:      r.Role,
		Text:      r.Text,
		CreatedAt: r.CreatedAt,
	}
	if len(r.Metadata) > 0 {
		t.Metadata = memory.Metadata(r.Metadata)
	}
	return t
}
