// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = ".proofmem/configs"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.json"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "PROOFMEM"
)

// Load reads configuration from ~/.proofmem/configs/config.json, falling back
// to defaults when the file does not exist. Environment overrides apply in both cases.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}

	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(homeDir, DefaultConfigDir))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific JSON or YAML file
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		v.SetConfigType("yaml")
	default:
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return decode(v)
}

// LoadFile loads path when set, otherwise the default location
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load()
	}
	return LoadFromPath(path)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.read_timeout_seconds", d.Server.ReadTimeoutSeconds)
	v.SetDefault("server.shutdown_timeout_seconds", d.Server.ShutdownTimeoutSeconds)
	v.SetDefault("server.api_token", "")

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	v.SetDefault("database.type", d.Database.Type)
	v.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	v.SetDefault("database.postgres_dsn", "")
	v.SetDefault("database.mysql_dsn", "")
	v.SetDefault("database.log_level", d.Database.LogLevel)

	v.SetDefault("embeddings.backend", d.Embeddings.Backend)
	v.SetDefault("embeddings.base_url", d.Embeddings.BaseURL)
	v.SetDefault("embeddings.model", d.Embeddings.Model)
	v.SetDefault("embeddings.api_key", "")
	v.SetDefault("embeddings.api_key_env", d.Embeddings.APIKeyEnv)
	v.SetDefault("embeddings.dimensions", d.Embeddings.Dimensions)
	v.SetDefault("embeddings.timeout_seconds", d.Embeddings.TimeoutSeconds)
	v.SetDefault("embeddings.max_attempts", d.Embeddings.MaxAttempts)
	v.SetDefault("embeddings.cache_size", d.Embeddings.CacheSize)

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.signing_key", "")
	v.SetDefault("chain.auth_token", "")
	v.SetDefault("chain.from_address", "")
	v.SetDefault("chain.timeout_seconds", d.Chain.TimeoutSeconds)
	v.SetDefault("chain.max_attempts", d.Chain.MaxAttempts)
	v.SetDefault("chain.confirmation_delay_seconds", d.Chain.ConfirmationDelaySeconds)

	v.SetDefault("reconciler.mode", d.Reconciler.Mode)
	v.SetDefault("reconciler.poll_interval_seconds", d.Reconciler.PollIntervalSeconds)
	v.SetDefault("reconciler.batch_size", d.Reconciler.BatchSize)
	v.SetDefault("reconciler.stale_after_seconds", d.Reconciler.StaleAfterSeconds)
	v.SetDefault("reconciler.confirm_deadline_seconds", d.Reconciler.ConfirmDeadlineSeconds)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", d.Redis.Channel)

	v.SetDefault("memory.importance_scale", d.Memory.ImportanceScale)
	v.SetDefault("memory.recency_half_life_hours", d.Memory.RecencyHalfLifeHours)
	v.SetDefault("memory.default_k", d.Memory.DefaultK)

	v.SetDefault("episodic.session_cap", d.Episodic.SessionCap)
	v.SetDefault("ledger.close_timeout_seconds", d.Ledger.CloseTimeoutSeconds)
}

// bindEnv wires PROOFMEM_* overrides plus the conventional variable names
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("embeddings.api_key", EnvPrefix+"_EMBEDDINGS_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("chain.rpc_url", EnvPrefix+"_CHAIN_RPC_URL", "CHAIN_RPC")
	_ = v.BindEnv("chain.signing_key", EnvPrefix+"_CHAIN_SIGNING_KEY", "WALLET_PRIVATE_KEY")
	_ = v.BindEnv("chain.auth_token", EnvPrefix+"_CHAIN_AUTH_TOKEN", "CHAIN_AUTH_TOKEN")
	_ = v.BindEnv("database.postgres_dsn", EnvPrefix+"_DATABASE_POSTGRES_DSN", "DB_DSN")
	_ = v.BindEnv("redis.addr", EnvPrefix+"_REDIS_ADDR", "REDIS_ADDR")
}

// validate checks if the configuration is valid
func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got '%s'", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be 'text' or 'json', got '%s'", cfg.Logging.Format)
	}

	if !isValidType(cfg.Database.Type, ValidDatabaseTypes()) {
		return fmt.Errorf("database.type must be one of %v, got '%s'", ValidDatabaseTypes(), cfg.Database.Type)
	}
	if cfg.Database.Type == DatabaseSQLite && cfg.Database.SQLitePath == "" {
		return fmt.Errorf("database.sqlite_path is required when type is 'sqlite'")
	}
	if cfg.Database.Type == DatabasePostgres && cfg.Database.PostgresDSN == "" {
		return fmt.Errorf("database.postgres_dsn is required when type is 'postgres'")
	}
	if cfg.Database.Type == DatabaseMySQL && cfg.Database.MySQLDSN == "" {
		return fmt.Errorf("database.mysql_dsn is required when type is 'mysql'")
	}

	if !IsValidEmbeddingBackend(cfg.Embeddings.Backend) {
		return fmt.Errorf("embeddings.backend must be one of %v, got '%s'", ValidEmbeddingBackends(), cfg.Embeddings.Backend)
	}
	if cfg.Embeddings.Dimensions < 1 {
		return fmt.Errorf("embeddings.dimensions must be at least 1, got %d", cfg.Embeddings.Dimensions)
	}
	if cfg.Embeddings.Backend == EmbeddingBackendRemote {
		if cfg.Embeddings.Model == "" || cfg.Embeddings.BaseURL == "" {
			return fmt.Errorf("embeddings.model and embeddings.base_url are required when backend is 'remote'")
		}
		if cfg.Embeddings.ResolveAPIKey() == "" {
			return fmt.Errorf("embeddings.api_key (or $%s) is required when backend is 'remote'", cfg.Embeddings.APIKeyEnv)
		}
	}
	if cfg.Embeddings.MaxAttempts < 1 {
		return fmt.Errorf("embeddings.max_attempts must be at least 1, got %d", cfg.Embeddings.MaxAttempts)
	}

	if cfg.Chain.MaxAttempts < 1 {
		return fmt.Errorf("chain.max_attempts must be at least 1, got %d", cfg.Chain.MaxAttempts)
	}
	if cfg.Chain.ConfirmationDelaySeconds < 0 {
		return fmt.Errorf("chain.confirmation_delay_seconds must not be negative")
	}

	if !IsValidReconcilerMode(cfg.Reconciler.Mode) {
		return fmt.Errorf("reconciler.mode must be one of %v, got '%s'", ValidReconcilerModes(), cfg.Reconciler.Mode)
	}
	if cfg.Reconciler.Mode == ReconcilerModeRedis && cfg.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when reconciler.mode is 'redis'")
	}
	if cfg.Reconciler.Mode == ReconcilerModePostgres && cfg.Database.Type != DatabasePostgres {
		return fmt.Errorf("reconciler.mode 'postgres' requires database.type 'postgres'")
	}
	if cfg.Reconciler.PollIntervalSeconds < 1 {
		return fmt.Errorf("reconciler.poll_interval_seconds must be at least 1, got %d", cfg.Reconciler.PollIntervalSeconds)
	}
	if cfg.Reconciler.BatchSize < 1 {
		return fmt.Errorf("reconciler.batch_size must be at least 1, got %d", cfg.Reconciler.BatchSize)
	}

	if cfg.Memory.ImportanceScale <= 0 {
		return fmt.Errorf("memory.importance_scale must be positive")
	}
	if cfg.Memory.RecencyHalfLifeHours <= 0 {
		return fmt.Errorf("memory.recency_half_life_hours must be positive")
	}
	if cfg.Memory.DefaultK < 1 {
		return fmt.Errorf("memory.default_k must be at least 1, got %d", cfg.Memory.DefaultK)
	}

	if cfg.Episodic.SessionCap < 1 {
		return fmt.Errorf("episodic.session_cap must be at least 1, got %d", cfg.Episodic.SessionCap)
	}
	if cfg.Ledger.CloseTimeoutSeconds < 1 {
		return fmt.Errorf("ledger.close_timeout_seconds must be at least 1, got %d", cfg.Ledger.CloseTimeoutSeconds)
	}
	if cfg.Reconciler.StaleAfterSeconds <= cfg.Ledger.CloseTimeoutSeconds {
		return fmt.Errorf("reconciler.stale_after_seconds (%d) must exceed ledger.close_timeout_seconds (%d)",
			cfg.Reconciler.StaleAfterSeconds, cfg.Ledger.CloseTimeoutSeconds)
	}
	if cfg.Reconciler.ConfirmDeadlineSeconds < 0 {
		return fmt.Errorf("reconciler.confirm_deadline_seconds must not be negative")
	}

	return nil
}

// Validate checks a configuration built or modified in code
func (c *Config) Validate() error {
	return validate(c)
}

// EnsureConfigDir creates the configuration directory if it doesn't exist
func EnsureConfigDir() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get user home directory: %w", err)
	}

	configPath := filepath.Join(homeDir, DefaultConfigDir)
	if err := os.MkdirAll(configPath, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return nil
}

// YAML renders the configuration with credentials omitted
func (c *Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Server: ServerConfig{
			Host:                   "localhost",
			Port:                   8080,
			ReadTimeoutSeconds:     15,
			ShutdownTimeoutSeconds: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Database: DatabaseConfig{
			Type:       DatabaseSQLite,
			SQLitePath: filepath.Join(homeDir, ".proofmem/db/proofmem.db"),
			LogLevel:   "silent",
		},
		Embeddings: EmbeddingConfig{
			Backend:        EmbeddingBackendLocal,
			BaseURL:        "https://api.openai.com/v1",
			Model:          "text-embedding-3-small",
			APIKeyEnv:      "OPENAI_API_KEY",
			Dimensions:     256,
			TimeoutSeconds: 30,
			MaxAttempts:    3,
			CacheSize:      10000,
		},
		Chain: ChainConfig{
			TimeoutSeconds:           15,
			MaxAttempts:              3,
			ConfirmationDelaySeconds: 5,
		},
		Reconciler: ReconcilerConfig{
			Mode:                   ReconcilerModePoll,
			PollIntervalSeconds:    30,
			BatchSize:              100,
			StaleAfterSeconds:      60,
			ConfirmDeadlineSeconds: 3600,
		},
		Redis: RedisConfig{
			Channel: "proofmem:ledger",
		},
		Memory: MemoryConfig{
			ImportanceScale:      1.0,
			RecencyHalfLifeHours: 168,
			DefaultK:             5,
		},
		Episodic: EpisodicConfig{
			SessionCap: 50,
		},
		Ledger: LedgerConfig{
			CloseTimeoutSeconds: 30,
		},
	}
}
