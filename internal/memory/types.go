// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package memory

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/embeddings"
	"gorm.io/datatypes"
)

// Metadata limits
const (
	MaxMetadataKeys   = 64
	MaxMetadataKeyLen = 128
)

// Metadata is a flat map of scalar values attached to records
type Metadata map[string]interface{}

// Validate checks the closed shape: bounded string keys, scalar values only
func (m Metadata) Validate() error {
	if len(m) > MaxMetadataKeys {
		return fmt.Errorf("metadata has %d keys, at most %d allowed", len(m), MaxMetadataKeys)
	}
	for k, v := range m {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("metadata keys must not be empty")
		}
		if len(k) > MaxMetadataKeyLen {
			return fmt.Errorf("metadata key %.16q... exceeds %d characters", k, MaxMetadataKeyLen)
		}
		switch val := v.(type) {
		case nil, string, bool, int, int32, int64, uint, uint32, uint64, float32, json.Number:
		case float64:
			if math.IsNaN(val) || math.IsInf(val, 0) {
				return fmt.Errorf("metadata value for %q is not a finite number", k)
			}
		default:
			return fmt.Errorf("metadata value for %q must be a scalar, got %T", k, v)
		}
	}
	return nil
}

// Record is a memory as seen by callers
type Record struct {
	ID         uint       `json:"id"`
	Agent      string     `json:"agent"`
	UserID     string     `json:"user_id"`
	Source     string     `json:"source,omitempty"`
	Content    string     `json:"content"`
	Metadata   Metadata   `json:"metadata,omitempty"`
	Embedding  []float32  `json:"-"`
	Importance float64    `json:"importance"`
	Recency    time.Time  `json:"recency"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
}

// Filter restricts retrieval and counting to an owner scope
type Filter struct {
	Agent  string `json:"agent,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// Result is a scored retrieval hit
type Result struct {
	Record Record `json:"record"`
	Score  Score  `json:"score"`
}

func validateRecord(op string, rec *Record) error {
	if strings.TrimSpace(rec.Content) == "" {
		return apperr.Validation(op, "content must not be empty")
	}
	if strings.TrimSpace(rec.Agent) == "" {
		return apperr.Validation(op, "agent must not be empty")
	}
	if strings.TrimSpace(rec.UserID) == "" {
		return apperr.Validation(op, "user_id must not be empty")
	}
	if math.IsNaN(rec.Importance) || math.IsInf(rec.Importance, 0) {
		return apperr.Validation(op, "importance must be a finite number")
	}
	if err := rec.Metadata.Validate(); err != nil {
		return apperr.Validation(op, "%s", err.Error())
	}
	return nil
}

func toModel(rec *Record) database.MemoryRecord {
	return database.MemoryRecord{
		ID:         rec.ID,
		Agent:      rec.Agent,
		UserID:     rec.UserID,
		Source:     rec.Source,
		Content:    rec.Content,
		Metadata:   metadataToJSON(rec.Metadata),
		Embedding:  embeddings.Float32SliceToBlob(rec.Embedding),
		Dimensions: len(rec.Embedding),
		Importance: rec.Importance,
		Recency:    rec.Recency,
		Version:    1,
	}
}

func fromModel(m *database.MemoryRecord) Record {
	return Record{
		ID:         m.ID,
		Agent:      m.Agent,
		UserID:     m.UserID,
		Source:     m.Source,
		Content:    m.Content,
		Metadata:   Metadata(m.Metadata),
		Embedding:  embeddings.BlobToFloat32Slice(m.Embedding),
		Importance: m.Importance,
		Recency:    m.Recency,
		Version:    m.Version,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
		ArchivedAt: m.ArchivedAt,
	}
}

func metadataToJSON(m Metadata) datatypes.JSONMap {
	if len(m) == 0 {
		return nil
	}
	return datatypes.JSONMap(m)
}
