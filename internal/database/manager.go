// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// ErrClosed is returned by a Manager after Close
var ErrClosed = errors.New("database manager is closed")

// Manager owns the process-wide connection and its migrated schema
type Manager struct {
	db     *gorm.DB
	config *Config
	closed bool
	mu     sync.RWMutex
}

// NewManager connects and applies pending migrations
func NewManager(ctx context.Context, cfg *Config) (*Manager, error) {
	db, err := Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = Close(db)
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Manager{
		db:     db,
		config: cfg,
	}, nil
}

// DB returns the connection
func (m *Manager) DB() *gorm.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// Type returns the configured dialect
func (m *Manager) Type() string {
	return m.config.Type
}

// Ping checks the connection, failing after Close
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return Ping(ctx, m.db)
}

// Close releases the connection; subsequent calls are no-ops
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return Close(m.db)
}
