// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/gentleomega/proofmem/pkg/scheduler"
)

// Poller runs a pass on a fixed interval
type Poller struct {
	*Engine
	interval time.Duration
}

// NewPoller creates a polling reconciler
func NewPoller(engine *Engine, interval time.Duration) *Poller {
	return &Poller{Engine: engine, interval: interval}
}

// Run performs a pass immediately, then one per interval
func (p *Poller) Run(ctx context.Context) error {
	sched := scheduler.NewScheduler(p.interval, p.job).WithLogger(p.logger)
	sched.Trigger()
	return ignoreCancel(sched.Run(ctx))
}

func (p *Poller) job(ctx context.Context) error {
	_, err := p.RunOnce(ctx)
	return err
}

// Stats reports counters under the poll mode
func (p *Poller) Stats() Stats {
	s := p.Engine.Stats()
	s.Mode = config.ReconcilerModePoll
	return s
}

// Listener runs a pass whenever its notifier fires, with a fallback ticker
// for missed notifications
type Listener struct {
	*Engine
	notifier Notifier
	fallback time.Duration
	mode     string
}

// NewListener creates a notification-driven reconciler
func NewListener(engine *Engine, notifier Notifier, fallback time.Duration, mode string) *Listener {
	return &Listener{Engine: engine, notifier: notifier, fallback: fallback, mode: mode}
}

// Run subscribes and reconciles until ctx is done
func (l *Listener) Run(ctx context.Context) error {
	events, err := l.notifier.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to ledger events: %w", err)
	}

	sched := scheduler.NewScheduler(l.fallback, func(ctx context.Context) error {
		_, err := l.RunOnce(ctx)
		return err
	}).WithLogger(l.logger)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case id, ok := <-events:
				if !ok {
					return
				}
				l.logger.Debug("ledger event received", "entry_id", id)
				sched.Trigger()
			}
		}
	}()

	sched.Trigger()
	return ignoreCancel(sched.Run(ctx))
}

// Stats reports counters under the listener's mode
func (l *Listener) Stats() Stats {
	s := l.Engine.Stats()
	s.Mode = l.mode
	return s
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// New builds the reconciler for cfg.Mode. Notification modes need a
// notifier from NewNotifier.
func New(cfg config.ReconcilerConfig, engine *Engine, notifier Notifier, logger *slog.Logger) (Reconciler, error) {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	engine.logger = logging.OrDefault(logger)

	switch cfg.Mode {
	case config.ReconcilerModePoll, "":
		return NewPoller(engine, interval), nil
	case config.ReconcilerModeRedis, config.ReconcilerModePostgres:
		if notifier == nil {
			return nil, fmt.Errorf("reconciler mode %q requires a notifier", cfg.Mode)
		}
		return NewListener(engine, notifier, interval, cfg.Mode), nil
	default:
		return nil, fmt.Errorf("unsupported reconciler mode: %s", cfg.Mode)
	}
}
