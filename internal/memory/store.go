// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/embeddings"
	"github.com/gentleomega/proofmem/internal/locking"
	"github.com/gentleomega/proofmem/internal/logging"
	"gorm.io/gorm"
)

const (
	tableName      = "memory_records"
	retrieveBatch  = 500
	touchRetries   = 3
	touchRetryWait = 10 * time.Millisecond
)

// Options holds the store's fixed dimension and scoring constants
type Options struct {
	Dimensions      int
	ImportanceScale float64
	HalfLife        time.Duration
	DefaultK        int
}

// OptionsFromConfig builds Options from configuration
func OptionsFromConfig(cfg config.MemoryConfig, dimensions int) Options {
	return Options{
		Dimensions:      dimensions,
		ImportanceScale: cfg.ImportanceScale,
		HalfLife:        time.Duration(cfg.RecencyHalfLifeHours * float64(time.Hour)),
		DefaultK:        cfg.DefaultK,
	}
}

// Store persists memory records and serves scored retrieval
type Store struct {
	db       *gorm.DB
	embedder embeddings.Client
	locker   *locking.Locker
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates a memory store
func NewStore(db *gorm.DB, embedder embeddings.Client, locker *locking.Locker, opts Options, logger *slog.Logger) *Store {
	if opts.DefaultK < 1 {
		opts.DefaultK = 5
	}
	return &Store{
		db:       db,
		embedder: embedder,
		locker:   locker,
		opts:     opts,
		now:      time.Now,
		logger:   logging.OrDefault(logger),
	}
}

// WithClock replaces the time source, for tests and backfills
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Embedder returns the client the store embeds content with
func (s *Store) Embedder() embeddings.Client {
	return s.embedder
}

// Dimensions returns the fixed embedding dimension
func (s *Store) Dimensions() int {
	return s.opts.Dimensions
}

// Upsert inserts or updates a record. A supplied embedding must match the
// store dimension; without one the content is embedded. With an ID the call
// is idempotent: an existing record is updated in place, a missing one is
// created under that ID.
func (s *Store) Upsert(ctx context.Context, rec Record) (*Record, error) {
	const op = "memory.upsert"

	if err := validateRecord(op, &rec); err != nil {
		return nil, err
	}

	if len(rec.Embedding) == 0 {
		vec, err := s.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, op, err)
		}
		rec.Embedding = vec
	}
	if len(rec.Embedding) != s.opts.Dimensions {
		return nil, apperr.Validation(op, "embedding dimension %d does not match store dimension %d",
			len(rec.Embedding), s.opts.Dimensions)
	}

	if rec.Recency.IsZero() {
		rec.Recency = s.now()
	}
	rec.Recency = rec.Recency.UTC()

	if rec.ID == 0 {
		model := toModel(&rec)
		if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
			return nil, apperr.Storage(op, err)
		}
		out := fromModel(&model)
		return &out, nil
	}

	var out Record
	err := s.locker.WithLock(ctx, fmt.Sprintf("memory:%d", rec.ID), func() error {
		db := s.db.WithContext(ctx)

		var existing database.MemoryRecord
		err := db.First(&existing, rec.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			model := toModel(&rec)
			if err := db.Create(&model).Error; err != nil {
				return err
			}
			if err := database.SyncSequence(db, tableName, "id"); err != nil {
				return err
			}
			out = fromModel(&model)
			return nil
		}
		if err != nil {
			return err
		}

		model := toModel(&rec)
		updates := map[string]interface{}{
			"agent":      model.Agent,
			"user_id":    model.UserID,
			"source":     model.Source,
			"content":    model.Content,
			"metadata":   model.Metadata,
			"embedding":  model.Embedding,
			"dimensions": model.Dimensions,
			"importance": model.Importance,
			"recency":    model.Recency,
		}
		if err := locking.UpdateWithVersion(db, tableName, rec.ID, existing.Version, updates); err != nil {
			return err
		}

		var updated database.MemoryRecord
		if err := db.First(&updated, rec.ID).Error; err != nil {
			return err
		}
		out = fromModel(&updated)
		return nil
	})
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// lock wait timed out while another writer held the record
		err = &locking.LockError{Name: fmt.Sprintf("memory:%d", rec.ID), Message: "lock wait timed out"}
	}
	if err := s.mapUpdateError(op, rec.ID, err); err != nil {
		return nil, err
	}
	return &out, nil
}

// Get returns a record by id, archived or not
func (s *Store) Get(ctx context.Context, id uint) (*Record, error) {
	const op = "memory.get"

	var model database.MemoryRecord
	err := s.db.WithContext(ctx).First(&model, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound(op, "memory record %d not found", id)
	}
	if err != nil {
		return nil, apperr.Storage(op, err)
	}
	out := fromModel(&model)
	return &out, nil
}

// scope selects live records for a filter
func (s *Store) scope(ctx context.Context, filter Filter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&database.MemoryRecord{}).Where("archived_at IS NULL")
	if filter.Agent != "" {
		q = q.Where("agent = ?", filter.Agent)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	return q
}

// Retrieve embeds query and returns the top k live records by
// 0.60*similarity + 0.15*importance + 0.25*recency. It never mutates records.
func (s *Store) Retrieve(ctx context.Context, query string, filter Filter, k int) ([]Result, error) {
	const op = "memory.retrieve"

	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation(op, "query must not be empty")
	}
	if k <= 0 {
		k = s.opts.DefaultK
	}

	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindEmbeddingUnavailable, op, err)
	}
	if len(qvec) != s.opts.Dimensions {
		return nil, apperr.Validation(op, "query embedding dimension %d does not match store dimension %d",
			len(qvec), s.opts.Dimensions)
	}

	now := s.now()
	top := &ranked{k: k}

	var batch []database.MemoryRecord
	err = s.scope(ctx, filter).
		Select("id", "embedding", "importance", "recency").
		FindInBatches(&batch, retrieveBatch, func(tx *gorm.DB, _ int) error {
			for i := range batch {
				r := &batch[i]
				sim := embeddings.CosineSimilarity(qvec, embeddings.BlobToFloat32Slice(r.Embedding))
				top.offer(r.ID, ComputeScore(sim, r.Importance, now.Sub(r.Recency), s.opts.ImportanceScale, s.opts.HalfLife))
			}
			return nil
		}).Error
	if err != nil {
		return nil, apperr.Storage(op, err)
	}

	results := make([]Result, 0, len(top.items))
	if len(top.items) == 0 {
		return results, nil
	}

	ids := make([]uint, len(top.items))
	for i, it := range top.items {
		ids[i] = it.id
	}
	var rows []database.MemoryRecord
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, apperr.Storage(op, err)
	}
	byID := make(map[uint]*database.MemoryRecord, len(rows))
	for i := range rows {
		byID[rows[i].ID] = &rows[i]
	}

	for _, it := range top.items {
		row, ok := byID[it.id]
		if !ok {
			// archived between the scan and the fetch
			continue
		}
		results = append(results, Result{Record: fromModel(row), Score: it.score})
	}

	s.logger.Debug("memory retrieval", "agent", filter.Agent, "user_id", filter.UserID, "k", k, "hits", len(results))
	return results, nil
}

// UpdateImportance sets importance if the record is still at expectedVersion
func (s *Store) UpdateImportance(ctx context.Context, id uint, importance float64, expectedVersion int64) (*Record, error) {
	const op = "memory.update_importance"

	probe := Record{Content: "-", Agent: "-", UserID: "-", Importance: importance}
	if err := validateRecord(op, &probe); err != nil {
		return nil, err
	}

	err := locking.UpdateWithVersion(s.db.WithContext(ctx), tableName, id, expectedVersion,
		map[string]interface{}{"importance": importance})
	if err := s.mapUpdateError(op, id, err); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Touch sets the recency timestamp explicitly, retrying on concurrent edits
func (s *Store) Touch(ctx context.Context, id uint, at time.Time) (*Record, error) {
	const op = "memory.touch"

	if at.IsZero() {
		at = s.now()
	}

	err := locking.RetryOnConflict(ctx, touchRetries, touchRetryWait, func() error {
		current, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return locking.UpdateWithVersion(s.db.WithContext(ctx), tableName, id, current.Version,
			map[string]interface{}{"recency": at.UTC()})
	})
	if apperr.KindOf(err) == apperr.KindNotFound {
		return nil, err
	}
	if err := s.mapUpdateError(op, id, err); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Archive soft-deletes a record; archived records drop out of retrieval.
// Archiving twice is a no-op.
func (s *Store) Archive(ctx context.Context, id uint) (*Record, error) {
	const op = "memory.archive"

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.ArchivedAt != nil {
		return current, nil
	}

	err = locking.UpdateWithVersion(s.db.WithContext(ctx), tableName, id, current.Version,
		map[string]interface{}{"archived_at": s.now().UTC()})
	if err := s.mapUpdateError(op, id, err); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Count returns the number of live records in a scope
func (s *Store) Count(ctx context.Context, filter Filter) (int64, error) {
	var count int64
	if err := s.scope(ctx, filter).Count(&count).Error; err != nil {
		return 0, apperr.Storage("memory.count", err)
	}
	return count, nil
}

func (s *Store) mapUpdateError(op string, id uint, err error) error {
	if err == nil {
		return nil
	}
	var conflict *locking.ConflictError
	var held *locking.LockError
	switch {
	case errors.As(err, &conflict):
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: fmt.Sprintf("memory record %d was modified concurrently", id), Err: err}
	case errors.As(err, &held):
		return &apperr.Error{Kind: apperr.KindConflict, Op: op, Message: fmt.Sprintf("memory record %d is locked by another writer", id), Err: err}
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.NotFound(op, "memory record %d not found", id)
	default:
		return apperr.Storage(op, err)
	}
}
