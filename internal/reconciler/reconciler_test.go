// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gentleomega/proofmem/internal/apperr"
	"github.com/gentleomega/proofmem/internal/chain"
	"github.com/gentleomega/proofmem/internal/config"
	"github.com/gentleomega/proofmem/internal/crypto"
	"github.com/gentleomega/proofmem/internal/database"
	"github.com/gentleomega/proofmem/internal/ledger"
	"github.com/gentleomega/proofmem/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// chanNotifier is an in-memory Notifier
type chanNotifier struct {
	mu        sync.Mutex
	ch        chan uint
	published []uint
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{ch: make(chan uint, 16)}
}

func (n *chanNotifier) Publish(_ context.Context, id uint) error {
	n.mu.Lock()
	n.published = append(n.published, id)
	n.mu.Unlock()
	n.ch <- id
	return nil
}

func (n *chanNotifier) Subscribe(ctx context.Context) (<-chan uint, error) {
	return n.ch, nil
}

func (n *chanNotifier) Close() error { return nil }

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Connect(&database.Config{
		Type:       "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "reconciler.db"),
		LogLevel:   logger.Silent,
	})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(context.Background(), db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

type fixture struct {
	db     *gorm.DB
	sim    *chain.SimulatedClient
	clock  *fakeClock
	ledger *ledger.Ledger
	engine *Engine
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	db := setupTestDB(t)
	clock := &fakeClock{t: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)}
	sim := chain.NewSimulatedClient(delay).WithClock(clock.Now)
	l := ledger.New(db, sim, ledger.Options{}, logging.Discard()).WithClock(clock.Now)
	engine := NewEngine(l, Options{BatchSize: 10, StaleAfter: time.Minute}, logging.Discard())
	return &fixture{db: db, sim: sim, clock: clock, ledger: l, engine: engine}
}

func (f *fixture) submitted(t *testing.T, input string) uint {
	t.Helper()
	ctx := context.Background()
	hash, err := crypto.DataHash(input)
	require.NoError(t, err)
	entry, err := f.ledger.OpenPoD(ctx, hash, input, ledger.OpenOptions{})
	require.NoError(t, err)
	closed, err := f.ledger.ClosePoE(ctx, entry.ID, "ok")
	require.NoError(t, err)
	require.Equal(t, database.LedgerStatusSubmitted, closed.Status)
	return entry.ID
}

func TestRunOnce_ConfirmsAfterDelay(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	ctx := context.Background()
	id := f.submitted(t, "a")

	pass, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Pending)
	assert.Zero(t, pass.Confirmed)

	f.clock.Advance(5 * time.Second)
	pass, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Confirmed)

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusConfirmed, entry.Status)
	require.NotNil(t, entry.BlockNumber)
	assert.Equal(t, uint64(1), *entry.BlockNumber)

	proof, err := f.ledger.ProofFor(ctx, id)
	require.NoError(t, err)
	assert.True(t, proof.OnChain)

	stats := f.engine.Stats()
	assert.Equal(t, int64(2), stats.Passes)
	assert.Equal(t, int64(1), stats.Confirmed)
	assert.False(t, stats.LastPassAt.IsZero())

	// confirmed entries are not revisited
	pass, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Pass{Duration: pass.Duration}, pass)
}

func TestRunOnce_RejectedFailsEntry(t *testing.T) {
	f := newFixture(t, 0)
	f.sim.SetReject(true)
	ctx := context.Background()
	id := f.submitted(t, "rejected")

	pass, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Rejected)

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusFailed, entry.Status)
	assert.Equal(t, "rejected by simulator", entry.LastError)

	proof, err := f.ledger.ProofFor(ctx, id)
	require.NoError(t, err)
	assert.False(t, proof.OnChain)
}

func TestRunOnce_ResubmitsStaleQueued(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	hash, err := crypto.DataHash("stuck")
	require.NoError(t, err)
	entry, err := f.ledger.OpenPoD(ctx, hash, "stuck", ledger.OpenOptions{})
	require.NoError(t, err)

	// close the proof, but let the submission be cancelled
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = f.ledger.ClosePoE(cancelled, entry.ID, "ok")
	require.Error(t, err)
	require.NoError(t, f.db.Model(&database.ProofCacheEntry{}).
		Where("proof_hash = ?", entry.PoEHash).
		Update("closed_at", f.clock.Now()).Error)

	// an entry whose PoD is still open is never resubmitted
	openHash, err := crypto.DataHash("still running")
	require.NoError(t, err)
	open, err := f.ledger.OpenPoD(ctx, openHash, "still running", ledger.OpenOptions{})
	require.NoError(t, err)

	pass, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, pass.Resubmitted, "not stale yet")

	f.clock.Advance(2 * time.Minute)
	pass, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Resubmitted)
	assert.Equal(t, 1, pass.Confirmed, "zero delay confirms in the same pass")

	got, err := f.ledger.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusConfirmed, got.Status)

	stillOpen, err := f.ledger.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusQueued, stillOpen.Status)
}

// stuckChain keeps the listed transactions pending forever
type stuckChain struct {
	chain.Client
	stuck map[string]bool
}

func (c *stuckChain) Status(ctx context.Context, txRef string) (*chain.Receipt, error) {
	if c.stuck[txRef] {
		return &chain.Receipt{TxRef: txRef, Status: chain.StatusPending}, nil
	}
	return c.Client.Status(ctx, txRef)
}

func TestRunOnce_PagesPastStuckEntries(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	stuck := &stuckChain{Client: f.sim, stuck: map[string]bool{}}
	var ids []uint
	for _, input := range []string{"dropped-1", "dropped-2", "fresh"} {
		id := f.submitted(t, input)
		ids = append(ids, id)
		entry, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		if input != "fresh" {
			stuck.stuck[*entry.TxRef] = true
		}
	}

	l := ledger.New(f.db, stuck, ledger.Options{}, logging.Discard()).WithClock(f.clock.Now)
	engine := NewEngine(l, Options{BatchSize: 2, StaleAfter: time.Minute}, logging.Discard())

	pass, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pass.Pending)
	assert.Equal(t, 1, pass.Confirmed)

	fresh, err := f.ledger.Get(ctx, ids[2])
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusConfirmed, fresh.Status)

	for _, id := range ids[:2] {
		entry, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, database.LedgerStatusSubmitted, entry.Status)
	}
}

func TestRunOnce_ExpiresPastConfirmDeadline(t *testing.T) {
	f := newFixture(t, 24*time.Hour)
	f.engine = NewEngine(f.ledger, Options{BatchSize: 10, StaleAfter: time.Minute, ConfirmDeadline: 10 * time.Minute}, logging.Discard())
	ctx := context.Background()
	id := f.submitted(t, "never mined")

	pass, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Pending)
	assert.Zero(t, pass.Expired)

	f.clock.Advance(11 * time.Minute)
	pass, err = f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Expired)
	assert.Zero(t, pass.Pending)

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusFailed, entry.Status)
	assert.Equal(t, ReasonConfirmationDeadline, entry.LastError)
	assert.Equal(t, int64(1), f.engine.Stats().Expired)

	proof, err := f.ledger.ProofFor(ctx, id)
	require.NoError(t, err)
	assert.False(t, proof.OnChain)
}

// gatedChain holds the first Submit until released
type gatedChain struct {
	chain.Client
	armed   *atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (c *gatedChain) Submit(ctx context.Context, sub chain.Submission) (string, error) {
	if c.armed.CompareAndSwap(true, false) {
		close(c.entered)
		<-c.release
	}
	return c.Client.Submit(ctx, sub)
}

func TestRunOnce_SkipsEntryMidSubmission(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	gate := &gatedChain{
		Client:  f.sim,
		armed:   atomic.NewBool(true),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	l := ledger.New(f.db, gate, ledger.Options{CloseTimeout: time.Minute}, logging.Discard()).WithClock(f.clock.Now)
	engine := NewEngine(l, Options{BatchSize: 10}, logging.Discard())

	hash, err := crypto.DataHash("slow close")
	require.NoError(t, err)
	entry, err := l.OpenPoD(ctx, hash, "slow close", ledger.OpenOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := l.ClosePoE(ctx, entry.ID, "ok")
		done <- err
	}()
	<-gate.entered

	pass, err := engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, pass.Resubmitted)
	assert.Zero(t, pass.Conflicts)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(1), f.sim.Submits())

	got, err := l.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusSubmitted, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestRunOnce_ChainErrorKeepsSubmitted(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	id := f.submitted(t, "x")

	f.engine.ledger = ledger.New(f.db, &failingStatus{Client: f.sim}, ledger.Options{}, logging.Discard())
	pass, err := f.engine.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.Errors)

	entry, err := f.ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, database.LedgerStatusSubmitted, entry.Status)
}

type failingStatus struct {
	chain.Client
}

func (c *failingStatus) Status(ctx context.Context, txRef string) (*chain.Receipt, error) {
	return nil, apperr.New(apperr.KindChainUnavailable, "chain.status", "gateway down")
}

func TestPoller_Run(t *testing.T) {
	f := newFixture(t, 0)
	id := f.submitted(t, "polled")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poller := NewPoller(f.engine, 10*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx) }()

	require.Eventually(t, func() bool {
		entry, err := f.ledger.Get(context.Background(), id)
		return err == nil && entry.Status == database.LedgerStatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, config.ReconcilerModePoll, poller.Stats().Mode)
}

func TestListener_WakesOnNotification(t *testing.T) {
	f := newFixture(t, 0)
	notifier := newChanNotifier()
	f.ledger.WithPublisher(notifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener := NewListener(f.engine, notifier, time.Hour, config.ReconcilerModeRedis)
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()

	// the initial pass runs on start; wait for it before submitting
	require.Eventually(t, func() bool { return f.engine.Stats().Passes >= 1 }, time.Second, 5*time.Millisecond)

	id := f.submitted(t, "notified")
	require.Eventually(t, func() bool {
		entry, err := f.ledger.Get(context.Background(), id)
		return err == nil && entry.Status == database.LedgerStatusConfirmed
	}, 2*time.Second, 10*time.Millisecond)

	notifier.mu.Lock()
	assert.Equal(t, []uint{id}, notifier.published)
	notifier.mu.Unlock()

	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, config.ReconcilerModeRedis, listener.Stats().Mode)
}

func TestNew_SelectsImplementation(t *testing.T) {
	f := newFixture(t, 0)

	r, err := New(config.ReconcilerConfig{Mode: config.ReconcilerModePoll, PollIntervalSeconds: 1}, f.engine, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &Poller{}, r)

	_, err = New(config.ReconcilerConfig{Mode: config.ReconcilerModeRedis}, f.engine, nil, nil)
	assert.Error(t, err)

	r, err = New(config.ReconcilerConfig{Mode: config.ReconcilerModePostgres}, f.engine, newChanNotifier(), nil)
	require.NoError(t, err)
	assert.IsType(t, &Listener{}, r)

	_, err = New(config.ReconcilerConfig{Mode: "carrier-pigeon"}, f.engine, nil, nil)
	assert.Error(t, err)
}

func TestNewNotifier(t *testing.T) {
	cfg := config.DefaultConfig()

	n, err := NewNotifier(cfg, nil)
	require.NoError(t, err)
	assert.Nil(t, n, "poll mode has no notifier")

	cfg.Reconciler.Mode = config.ReconcilerModePostgres
	_, err = NewNotifier(cfg, nil)
	assert.Error(t, err, "postgres notifications need a postgres database")

	cfg.Reconciler.Mode = config.ReconcilerModeRedis
	n, err = NewNotifier(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisNotifier{}, n)
	assert.NoError(t, n.Close())
}

func TestParseEntryID(t *testing.T) {
	assert.Equal(t, uint(42), parseEntryID("42"))
	assert.Equal(t, uint(7), parseEntryID(" 7\n"))
	assert.Equal(t, uint(0), parseEntryID("not a number"))
}

func TestRedisNotifier_RoundTrip(t *testing.T) {
	addr := os.Getenv("PROOFMEM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PROOFMEM_TEST_REDIS_ADDR not set")
	}

	n := NewRedisNotifier(config.RedisConfig{Addr: addr, Channel: "proofmem:test:" + t.Name()}, nil)
	defer n.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Ping(ctx))

	events, err := n.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, n.Publish(ctx, 99))

	select {
	case id := <-events:
		assert.Equal(t, uint(99), id)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
