// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/go-redis/redis/v8"
	"github.com/lib/pq"
)

// Notifier carries "entry changed" events between the ledger and listeners
type Notifier interface {
	ledger.Publisher
	// Subscribe delivers entry ids until ctx is done. An id of 0 means
	// "something may have changed".
	Subscribe(ctx context.Context) (<-chan uint, error)
	Close() error
}

// NewNotifier returns the notifier for the configured mode, or nil for poll
func NewNotifier(cfg *config.Config, logger *slog.Logger) (Notifier, error) {
	switch cfg.Reconciler.Mode {
	case config.ReconcilerModeRedis:
		return NewRedisNotifier(cfg.Redis, logger), nil
	case config.ReconcilerModePostgres:
		if cfg.Database.Type != config.DatabasePostgres {
			return nil, fmt.Errorf("reconciler mode postgres requires database type postgres, got %s", cfg.Database.Type)
		}
		return NewPostgresNotifier(cfg.Database.PostgresDSN, logger)
	default:
		return nil, nil
	}
}

func parseEntryID(payload string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(payload), 10, 64)
	if err != nil {
		return 0
	}
	return uint(id)
}

// RedisNotifier uses redis pub/sub
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisNotifier connects lazily to the configured redis
func NewRedisNotifier(cfg config.RedisConfig, logger *slog.Logger) *RedisNotifier {
	channel := cfg.Channel
	if channel == "" {
		channel = "proofmem:ledger"
	}
	return &RedisNotifier{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			PoolSize: 10,
		}),
		channel: channel,
		logger:  logging.OrDefault(logger),
	}
}

// Ping checks the redis connection
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Publish announces an entry id
func (n *RedisNotifier) Publish(ctx context.Context, entryID uint) error {
	return n.client.Publish(ctx, n.channel, strconv.FormatUint(uint64(entryID), 10)).Err()
}

// Subscribe listens on the channel
func (n *RedisNotifier) Subscribe(ctx context.Context) (<-chan uint, error) {
	sub := n.client.Subscribe(ctx, n.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.channel, err)
	}

	out := make(chan uint, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- parseEntryID(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close releases the redis client
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// PostgresNotifier listens on the channel fed by the ledger trigger
type PostgresNotifier struct {
	listener *pq.Listener
	logger   *slog.Logger
	once     sync.Once
}

// NewPostgresNotifier opens a LISTEN connection
func NewPostgresNotifier(dsn string, logger *slog.Logger) (*PostgresNotifier, error) {
	logger = logging.OrDefault(logger)
	listener := pq.NewListener(dsn, 5*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("postgres listener event", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(database.LedgerNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", database.LedgerNotifyChannel, err)
	}
	return &PostgresNotifier{listener: listener, logger: logger}, nil
}

// Publish is a no-op: the database trigger notifies on every status change
func (n *PostgresNotifier) Publish(ctx context.Context, entryID uint) error {
	return nil
}

// Subscribe forwards trigger notifications. A reconnect is reported as 0 so
// the listener runs a catch-up pass.
func (n *PostgresNotifier) Subscribe(ctx context.Context) (<-chan uint, error) {
	out := make(chan uint, 16)
	go func() {
		defer close(out)
		keepalive := time.NewTicker(90 * time.Second)
		defer keepalive.Stop()
		for {
			var id uint
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if err := n.listener.Ping(); err != nil {
					n.logger.Warn("postgres listener ping failed", "error", err)
				}
				continue
			case note, ok := <-n.listener.Notify:
				if !ok {
					return
				}
				if note != nil {
					id = parseEntryID(note.Extra)
				}
			}
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close stops listening
func (n *PostgresNotifier) Close() error {
	var err error
	n.once.Do(func() { err = n.listener.Close() })
	return err
}
