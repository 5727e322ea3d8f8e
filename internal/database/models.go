// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"time"

	"gorm.io/datatypes"
)

// MemoryRecord is a long-term memory with its embedding
type MemoryRecord struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	Agent      string            `gorm:"size:128;not null;index:idx_memory_agent_user,priority:1" json:"agent"`
	UserID     string            `gorm:"size:128;not null;index:idx_memory_agent_user,priority:2" json:"user_id"`
	Source     string            `gorm:"size:128" json:"source"`
	Content    string            `gorm:"type:text;not null" json:"content"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	Embedding  []byte            `gorm:"not null" json:"-"` // little-endian float32
	Dimensions int               `gorm:"not null" json:"dimensions"`
	Importance float64           `gorm:"not null;default:0" json:"importance"`
	Recency    time.Time         `gorm:"not null;index" json:"recency"`
	Version    int64             `gorm:"not null;default:1" json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	ArchivedAt *time.Time        `gorm:"index" json:"archived_at,omitempty"`
}

// TableName specifies the table name for MemoryRecord
func (MemoryRecord) TableName() string {
	return "memory_records"
}

// EpisodeRecord is one turn of a session-scoped episodic log
type EpisodeRecord struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	SessionID  string            `gorm:"size:128;not null;uniqueIndex:idx_episode_session_turn,priority:1" json:"session_id"`
	Turn       uint              `gorm:"not null;uniqueIndex:idx_episode_session_turn,priority:2" json:"turn"`
	Role       string            `gorm:"size:32;not null" json:"role"`
	Text       string            `gorm:"type:text;not null" json:"text"`
	Metadata   datatypes.JSONMap `json:"metadata"`
	Embedding  []byte            `json:"-"`
	Dimensions int               `json:"dimensions,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// TableName specifies the table name for EpisodeRecord
func (EpisodeRecord) TableName() string {
	return "episode_records"
}

// LedgerEntry tracks one PoD/PoE unit through its chain lifecycle
type LedgerEntry struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	PoEHash     string     `gorm:"column:poe_hash;size:64;uniqueIndex;not null" json:"poe_hash"`
	DataHash    string     `gorm:"size:64;index;not null" json:"data_hash"`
	TxRef       *string    `gorm:"size:130;uniqueIndex" json:"tx_ref,omitempty"`
	BlockNumber *uint64    `json:"block_number,omitempty"`
	Status      string     `gorm:"size:16;index;not null" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	LastError   string     `gorm:"type:text" json:"last_error,omitempty"`
	Version     int64      `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// TableName specifies the table name for LedgerEntry
func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

// ProofCacheEntry is the off-chain copy of a PoD and its PoE
type ProofCacheEntry struct {
	ProofHash   string         `gorm:"primaryKey;size:64" json:"proof_hash"`
	DataHash    string         `gorm:"size:64;index;not null" json:"data_hash"`
	ContentType string         `gorm:"size:32;not null;default:execution" json:"content_type"`
	Operation   string         `gorm:"size:64" json:"operation"`
	Payload     datatypes.JSON `json:"payload"`
	Result      datatypes.JSON `json:"result,omitempty"`
	ResultHash  string         `gorm:"size:64" json:"result_hash,omitempty"`
	OnChain     bool           `gorm:"not null;default:false" json:"on_chain"`
	ClosedAt    *time.Time     `json:"closed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TableName specifies the table name for ProofCacheEntry
func (ProofCacheEntry) TableName() string {
	return "proof_cache"
}

// SchemaMigration marks a migration as applied
type SchemaMigration struct {
	Name      string    `gorm:"primaryKey;size:128" json:"name"`
	AppliedAt time.Time `gorm:"not null" json:"applied_at"`
}

// TableName specifies the table name for SchemaMigration
func (SchemaMigration) TableName() string {
	return "schema_migrations"
}

// NamedLock is a lease held on a named resource across processes
type NamedLock struct {
	Name      string    `gorm:"primaryKey;size:191" json:"name"`
	Owner     string    `gorm:"size:191;not null" json:"owner"`
	Version   int64     `gorm:"not null;default:1" json:"version"`
	LockedAt  time.Time `gorm:"not null" json:"locked_at"`
	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
}

// TableName specifies the table name for NamedLock
func (NamedLock) TableName() string {
	return "named_locks"
}

// IsExpired returns true if the lock has expired
func (l *NamedLock) IsExpired() bool {
	return time.Now().After(l.ExpiresAt)
}

// Ledger entry statuses
const (
	LedgerStatusQueued    = "queued"
	LedgerStatusSubmitted = "submitted"
	LedgerStatusConfirmed = "confirmed"
	LedgerStatusFailed    = "failed"
)

// ContentTypeExecution is the default proof content type
const ContentTypeExecution = "execution"

// ValidLedgerStatuses returns all ledger statuses
func ValidLedgerStatuses() []string {
	return []string{
		LedgerStatusQueued,
		LedgerStatusSubmitted,
		LedgerStatusConfirmed,
		LedgerStatusFailed,
	}
}

// IsValidLedgerStatus checks if a status is valid
func IsValidLedgerStatus(status string) bool {
	for _, s := range ValidLedgerStatuses() {
		if s == status {
			return true
		}
	}
	return false
}

// IsTerminalLedgerStatus reports whether no further transition is possible
func IsTerminalLedgerStatus(status string) bool {
	return status == LedgerStatusConfirmed || status == LedgerStatusFailed
}

// CanTransition reports whether from -> to is a legal forward move
func CanTransition(from, to string) bool {
	switch from {
	case LedgerStatusQueued:
		return to == LedgerStatusSubmitted || to == LedgerStatusFailed
	case LedgerStatusSubmitted:
		return to == LedgerStatusConfirmed || to == LedgerStatusFailed
	default:
		return false
	}
}

// AllModels returns all database models in creation order
func AllModels() []interface{} {
	return []interface{}{
		&MemoryRecord{},
		&EpisodeRecord{},
		&LedgerEntry{},
		&ProofCacheEntry{},
		&NamedLock{},
	}
}
