// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// LedgerNotifyChannel is the postgres NOTIFY channel fed by the ledger trigger
const LedgerNotifyChannel = "proofmem_ledger"

// Migration is a named, individually idempotent schema change
type Migration struct {
	Name  string
	Apply func(tx *gorm.DB) error
}

// Migrations returns every migration in application order
func Migrations() []Migration {
	return []Migration{
		{Name: "0001_core_tables", Apply: migrateCoreTables},
		{Name: "0002_query_indexes", Apply: CreateIndexes},
		{Name: "0003_proof_cache_lifecycle", Apply: migrateProofCacheLifecycle},
		{Name: "0004_ledger_retry_columns", Apply: migrateLedgerRetryColumns},
		{Name: "0005_ledger_notify_trigger", Apply: migrateLedgerNotifyTrigger},
		{Name: "0006_ledger_claim_lease", Apply: migrateLedgerClaimLease},
	}
}

// Migrate applies every migration whose marker row is absent. Each migration
// and its marker commit together, so a re-run never repeats finished work.
func Migrate(ctx context.Context, db *gorm.DB) error {
	db = db.WithContext(ctx)
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	for _, m := range Migrations() {
		m := m
		err := db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&SchemaMigration{}).Where("name = ?", m.Name).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return nil
			}
			if err := m.Apply(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Name: m.Name, AppliedAt: time.Now().UTC()}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to run migration %s: %w", m.Name, err)
		}
	}

	return nil
}

// AppliedMigrations lists the recorded markers in name order
func AppliedMigrations(ctx context.Context, db *gorm.DB) ([]SchemaMigration, error) {
	var applied []SchemaMigration
	err := db.WithContext(ctx).Order("name ASC").Find(&applied).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	return applied, nil
}

// DropAllTables drops all tables (use with caution!)
func DropAllTables(db *gorm.DB) error {
	models := append(AllModels(), &SchemaMigration{})
	for i := len(models) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(models[i]); err != nil {
			return fmt.Errorf("failed to drop table: %w", err)
		}
	}
	return nil
}

func migrateCoreTables(tx *gorm.DB) error {
	return tx.AutoMigrate(AllModels()...)
}

// CreateIndexes creates composite indexes for the hot query paths
func CreateIndexes(db *gorm.DB) error {
	indexes := []struct {
		table   string
		columns []string
		name    string
	}{
		{
			table:   "memory_records",
			columns: []string{"agent", "user_id", "archived_at"},
			name:    "idx_memory_scope_live",
		},
		{
			table:   "ledger_entries",
			columns: []string{"status", "updated_at"},
			name:    "idx_ledger_status_updated",
		},
		{
			table:   "ledger_entries",
			columns: []string{"status", "created_at"},
			name:    "idx_ledger_status_created",
		},
		{
			table:   "episode_records",
			columns: []string{"session_id", "created_at"},
			name:    "idx_episode_session_created",
		},
	}

	for _, idx := range indexes {
		if db.Migrator().HasIndex(idx.table, idx.name) {
			continue
		}
		// mysql has no CREATE INDEX IF NOT EXISTS; HasIndex covers it there
		ifNotExists := "IF NOT EXISTS "
		if Dialect(db) == "mysql" {
			ifNotExists = ""
		}
		sql := fmt.Sprintf("CREATE INDEX %s%s ON %s (%s)",
			ifNotExists,
			idx.name,
			idx.table,
			strings.Join(idx.columns, ", "))

		if err := db.Exec(sql).Error; err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}

	return nil
}

// addMissingColumns adds each named field of model unless the column already exists
func addMissingColumns(tx *gorm.DB, model interface{}, fields ...string) error {
	m := tx.Migrator()
	for _, field := range fields {
		if m.HasColumn(model, field) {
			continue
		}
		if err := m.AddColumn(model, field); err != nil {
			return fmt.Errorf("failed to add column %s: %w", field, err)
		}
	}
	return nil
}

// migrateProofCacheLifecycle brings proof caches created before PoE result
// tracking up to the current shape
func migrateProofCacheLifecycle(tx *gorm.DB) error {
	return addMissingColumns(tx, &ProofCacheEntry{}, "Operation", "Result", "ResultHash", "ClosedAt")
}

func migrateLedgerRetryColumns(tx *gorm.DB) error {
	return addMissingColumns(tx, &LedgerEntry{}, "Attempts", "LastError", "SubmittedAt", "ResolvedAt")
}

// migrateLedgerClaimLease records when a submission was last claimed
func migrateLedgerClaimLease(tx *gorm.DB) error {
	return addMissingColumns(tx, &LedgerEntry{}, "ClaimedAt")
}

// migrateLedgerNotifyTrigger installs a pg_notify trigger on postgres so
// listeners wake on ledger changes. Other dialects record the marker only.
func migrateLedgerNotifyTrigger(tx *gorm.DB) error {
	if Dialect(tx) != "postgres" {
		return nil
	}

	statements := []string{
		`CREATE OR REPLACE FUNCTION proofmem_notify_ledger() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + LedgerNotifyChannel + `', NEW.id::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`,
		`DROP TRIGGER IF EXISTS ledger_entries_notify ON ledger_entries`,
		`CREATE TRIGGER ledger_entries_notify
	AFTER INSERT OR UPDATE OF status ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION proofmem_notify_ledger()`,
	}
	for _, stmt := range statements {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to install ledger trigger: %w", err)
		}
	}
	return nil
}
