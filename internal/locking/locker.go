// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package locking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultLockTTL is the default time-to-live for locks
const DefaultLockTTL = 30 * time.Second

// MaxRetries is the default number of retries for optimistic locking
const MaxRetries = 3

// RetryDelay is the initial delay between retries
const RetryDelay = 25 * time.Millisecond

// DefaultWaitTimeout bounds how long WithLock waits for a held lease
const DefaultWaitTimeout = 10 * time.Second

// Locker hands out named leases backed by the named_locks table, layered
// over an in-process keyed mutex so goroutines never race on their own lease
type Locker struct {
	db          *gorm.DB
	owner       string
	lockTTL     time.Duration
	retries     int
	waitTimeout time.Duration
	local       *KeyedMutex
}

// NewLocker creates a new locker instance owned by this process
func NewLocker(db *gorm.DB) *Locker {
	host, _ := os.Hostname()
	return &Locker{
		db:          db,
		owner:       fmt.Sprintf("%s/%d/%s", host, os.Getpid(), uuid.NewString()[:8]),
		lockTTL:     DefaultLockTTL,
		retries:     MaxRetries,
		waitTimeout: DefaultWaitTimeout,
		local:       NewKeyedMutex(),
	}
}

// WithTTL sets a custom TTL for locks
func (l *Locker) WithTTL(ttl time.Duration) *Locker {
	l.lockTTL = ttl
	return l
}

// WithRetries sets a custom number of retries
func (l *Locker) WithRetries(retries int) *Locker {
	l.retries = retries
	return l
}

// WithWaitTimeout sets how long WithLock waits for another owner's lease
func (l *Locker) WithWaitTimeout(d time.Duration) *Locker {
	l.waitTimeout = d
	return l
}

// Owner returns the identity this locker acquires leases under
func (l *Locker) Owner() string {
	return l.owner
}

// Acquire attempts to take the lease on name for owner.
// Returns true if acquired, false if another owner holds an unexpired lease.
func (l *Locker) Acquire(ctx context.Context, name, owner string) (bool, error) {
	db := l.db.WithContext(ctx)
	now := time.Now()

	lock := database.NamedLock{
		Name:      name,
		Owner:     owner,
		Version:   1,
		LockedAt:  now,
		ExpiresAt: now.Add(l.lockTTL),
	}

	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&lock)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var existing database.NamedLock
	if err := db.Where("name = ?", name).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// released between insert and read; let the caller retry
			return false, nil
		}
		return false, err
	}

	if !existing.IsExpired() && existing.Owner != owner {
		return false, nil
	}

	// expired or ours: take it over if nobody else did first
	result = db.Model(&database.NamedLock{}).
		Where("name = ? AND version = ?", name, existing.Version).
		Updates(map[string]interface{}{
			"owner":      owner,
			"locked_at":  now,
			"expires_at": now.Add(l.lockTTL),
			"version":    existing.Version + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// Release releases a lock held by the specified owner
func (l *Locker) Release(ctx context.Context, name, owner string) error {
	return l.db.WithContext(ctx).
		Where("name = ? AND owner = ?", name, owner).
		Delete(&database.NamedLock{}).Error
}

// IsLocked checks if name is currently leased
func (l *Locker) IsLocked(ctx context.Context, name string) (bool, string, error) {
	var lock database.NamedLock
	err := l.db.WithContext(ctx).Where("name = ?", name).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	if lock.IsExpired() {
		return false, "", nil
	}
	return true, lock.Owner, nil
}

// Extend extends the TTL of an existing lock
func (l *Locker) Extend(ctx context.Context, name, owner string) error {
	result := l.db.WithContext(ctx).Model(&database.NamedLock{}).
		Where("name = ? AND owner = ?", name, owner).
		Update("expires_at", time.Now().Add(l.lockTTL))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &LockError{Name: name, Owner: owner, Message: "lock not found or owned by another process"}
	}
	return nil
}

// CleanupExpired removes all expired locks
func (l *Locker) CleanupExpired(ctx context.Context) (int64, error) {
	result := l.db.WithContext(ctx).Where("expires_at < ?", time.Now()).Delete(&database.NamedLock{})
	return result.RowsAffected, result.Error
}

// WithLock runs fn while holding name, first in-process then in the database.
// It waits with backoff for a lease held by another process.
func (l *Locker) WithLock(ctx context.Context, name string, fn func() error) error {
	unlock := l.local.Lock(name)
	defer unlock()

	waitCtx, cancel := context.WithTimeout(ctx, l.waitTimeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = RetryDelay
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	acquire := func() error {
		acquired, err := l.Acquire(waitCtx, name, l.owner)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to acquire lock: %w", err))
		}
		if !acquired {
			return &LockError{Name: name, Message: "lock held by another owner"}
		}
		return nil
	}
	if err := backoff.Retry(acquire, backoff.WithContext(policy, waitCtx)); err != nil {
		return err
	}

	defer func() {
		// release even when ctx was cancelled mid-operation
		_ = l.Release(context.WithoutCancel(ctx), name, l.owner)
	}()

	return fn()
}

// UpdateWithVersion performs an optimistic locking update on the row with id.
// Returns ConflictError if the version moved, gorm.ErrRecordNotFound if the row is gone.
func UpdateWithVersion(db *gorm.DB, table string, id uint, currentVersion int64, updates map[string]interface{}) error {
	updates["version"] = gorm.Expr("version + 1")
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	result := db.Table(table).
		Where("id = ? AND version = ?", id, currentVersion).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		var count int64
		if err := db.Table(table).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return &ConflictError{
				Table:           table,
				ID:              id,
				ExpectedVersion: currentVersion,
			}
		}
		return fmt.Errorf("%s %d: %w", table, id, gorm.ErrRecordNotFound)
	}

	return nil
}

// RetryOnConflict retries fn with exponential backoff while it returns a ConflictError
func RetryOnConflict(ctx context.Context, maxRetries int, initialDelay time.Duration, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialDelay
	policy.MaxElapsedTime = 0

	var attempts int
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		var conflict *ConflictError
		if err != nil && !errors.As(err, &conflict) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxRetries)), ctx))

	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("max retries exceeded after %d attempts: %w", attempts, err)
	}
	return err
}
