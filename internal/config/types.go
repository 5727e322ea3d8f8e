// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"os"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Embeddings EmbeddingConfig  `mapstructure:"embeddings" yaml:"embeddings"`
	Chain      ChainConfig      `mapstructure:"chain" yaml:"chain"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler" yaml:"reconciler"`
	Redis      RedisConfig      `mapstructure:"redis" yaml:"redis"`
	Memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	Episodic   EpisodicConfig   `mapstructure:"episodic" yaml:"episodic"`
	Ledger     LedgerConfig     `mapstructure:"ledger" yaml:"ledger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host                   string `mapstructure:"host" yaml:"host"`
	Port                   int    `mapstructure:"port" yaml:"port"`
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	APIToken               string `mapstructure:"api_token" yaml:"-"` // empty disables bearer auth
}

// LoggingConfig selects the slog handler
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text or json
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Type        string `mapstructure:"type" yaml:"type"` // "sqlite", "postgres" or "mysql"
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
	MySQLDSN    string `mapstructure:"mysql_dsn" yaml:"mysql_dsn"`
	LogLevel    string `mapstructure:"log_level" yaml:"log_level"` // gorm logger: silent, error, warn, info
}

// EmbeddingConfig selects and tunes the embedding backend
type EmbeddingConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend"` // local, remote or stub
	BaseURL        string `mapstructure:"base_url" yaml:"base_url"`
	Model          string `mapstructure:"model" yaml:"model"`
	APIKey         string `mapstructure:"api_key" yaml:"-"`
	APIKeyEnv      string `mapstructure:"api_key_env" yaml:"api_key_env"`
	Dimensions     int    `mapstructure:"dimensions" yaml:"dimensions"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	CacheSize      int64  `mapstructure:"cache_size" yaml:"cache_size"`
}

// ResolveAPIKey returns the configured key, falling back to the named environment variable
func (e EmbeddingConfig) ResolveAPIKey() string {
	if e.APIKey != "" {
		return e.APIKey
	}
	if e.APIKeyEnv != "" {
		return os.Getenv(e.APIKeyEnv)
	}
	return ""
}

// Timeout returns the per-call timeout
func (e EmbeddingConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// ChainConfig holds the chain RPC endpoint and credentials
type ChainConfig struct {
	RPCURL                   string `mapstructure:"rpc_url" yaml:"rpc_url"`
	SigningKey               string `mapstructure:"signing_key" yaml:"-"`
	AuthToken                string `mapstructure:"auth_token" yaml:"-"`
	FromAddress              string `mapstructure:"from_address" yaml:"from_address"`
	TimeoutSeconds           int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts              int    `mapstructure:"max_attempts" yaml:"max_attempts"`
	ConfirmationDelaySeconds int    `mapstructure:"confirmation_delay_seconds" yaml:"confirmation_delay_seconds"`
}

// Simulated reports whether the chain client must run in simulated mode.
// Either a missing endpoint or a missing signing credential forces it.
func (c ChainConfig) Simulated() bool {
	return c.RPCURL == "" || c.SigningKey == ""
}

// ReconcilerConfig controls the background reconciliation loop
type ReconcilerConfig struct {
	Mode                   string `mapstructure:"mode" yaml:"mode"` // poll, redis or postgres
	PollIntervalSeconds    int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	BatchSize              int    `mapstructure:"batch_size" yaml:"batch_size"`
	StaleAfterSeconds      int    `mapstructure:"stale_after_seconds" yaml:"stale_after_seconds"`
	ConfirmDeadlineSeconds int    `mapstructure:"confirm_deadline_seconds" yaml:"confirm_deadline_seconds"` // 0 disables
}

// RedisConfig holds the redis connection used for ledger notifications
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Channel  string `mapstructure:"channel" yaml:"channel"`
}

// MemoryConfig holds retrieval scoring constants
type MemoryConfig struct {
	ImportanceScale      float64 `mapstructure:"importance_scale" yaml:"importance_scale"`
	RecencyHalfLifeHours float64 `mapstructure:"recency_half_life_hours" yaml:"recency_half_life_hours"`
	DefaultK             int     `mapstructure:"default_k" yaml:"default_k"`
}

// EpisodicConfig holds episodic buffer retention
type EpisodicConfig struct {
	SessionCap int `mapstructure:"session_cap" yaml:"session_cap"`
}

// LedgerConfig holds proof ledger settings
type LedgerConfig struct {
	CloseTimeoutSeconds int `mapstructure:"close_timeout_seconds" yaml:"close_timeout_seconds"`
}

// Valid option values
const (
	EmbeddingBackendLocal  = "local"
	EmbeddingBackendRemote = "remote"
	EmbeddingBackendStub   = "stub"

	ReconcilerModePoll     = "poll"
	ReconcilerModeRedis    = "redis"
	ReconcilerModePostgres = "postgres"

	DatabaseSQLite   = "sqlite"
	DatabasePostgres = "postgres"
	DatabaseMySQL    = "mysql"
)

// ValidEmbeddingBackends returns all valid embedding backend values
func ValidEmbeddingBackends() []string {
	return []string{EmbeddingBackendLocal, EmbeddingBackendRemote, EmbeddingBackendStub}
}

// ValidReconcilerModes returns all valid reconciler modes
func ValidReconcilerModes() []string {
	return []string{ReconcilerModePoll, ReconcilerModeRedis, ReconcilerModePostgres}
}

// ValidDatabaseTypes returns all supported database dialects
func ValidDatabaseTypes() []string {
	return []string{DatabaseSQLite, DatabasePostgres, DatabaseMySQL}
}

// isValidType is a generic helper to check if a type is in a list of valid types
func isValidType(aType string, validTypes []string) bool {
	for _, valid := range validTypes {
		if aType == valid {
			return true
		}
	}
	return false
}

// IsValidEmbeddingBackend checks if a backend is valid
func IsValidEmbeddingBackend(backend string) bool {
	return isValidType(backend, ValidEmbeddingBackends())
}

// IsValidReconcilerMode checks if a reconciler mode is valid
func IsValidReconcilerMode(mode string) bool {
	return isValidType(mode, ValidReconcilerModes())
}
