// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one scheduled unit of work
type Job func(ctx context.Context) error

// Scheduler runs a job on a fixed interval until stopped
type Scheduler struct {
	interval time.Duration
	job      Job
	logger   *slog.Logger
	trigger  chan struct{}

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewScheduler creates a new scheduler
func NewScheduler(interval time.Duration, job Job) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		interval: interval,
		job:      job,
		logger:   slog.Default(),
		trigger:  make(chan struct{}, 1),
	}
}

// WithLogger sets the logger used for job failures
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Trigger requests an immediate run. Requests made while a run is pending
// coalesce into one.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run executes the job on every tick or trigger until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.trigger:
		}
		if err := s.job(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled job failed", "error", err)
		}
	}
}

// Start begins the scheduler in the background
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.Run(runCtx)
	}()
}

// Stop stops the scheduler and waits for a running job to return
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel, done := s.cancel, s.done
		s.mu.Unlock()
		if cancel == nil {
			return
		}
		cancel()
		<-done
	})
}
