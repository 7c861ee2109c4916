package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/centichain/contribsync/pkg/changes"
	"github.com/centichain/contribsync/pkg/workload"
)

type countingSender struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSender) Send(context.Context, string, string, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "ok", nil
}

// trackingPool wraps a real pool and remembers every batch it started.
type trackingPool struct {
	pool    *workload.Pool
	mu      sync.Mutex
	batches []*workload.Batch
}

func (p *trackingPool) Start(ctx context.Context) *workload.Batch {
	b := p.pool.Start(ctx)
	p.mu.Lock()
	p.batches = append(p.batches, b)
	p.mu.Unlock()
	return b
}

func (p *trackingPool) started() []*workload.Batch {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*workload.Batch(nil), p.batches...)
}

func newFixture(t *testing.T) (*Supervisor, *changes.Feed, *trackingPool) {
	t.Helper()
	specs := []workload.WorkerSpec{
		{Name: "w1", Source: "A", Destination: "B", Cadence: 10 * time.Millisecond},
		{Name: "w2", Source: "B", Destination: "C", Cadence: 20 * time.Millisecond},
	}
	pool := &trackingPool{pool: workload.NewPool(specs, &countingSender{}, zaptest.NewLogger(t))}
	feed := changes.NewFeed(16)
	sup := New(feed, pool, zaptest.NewLogger(t))
	t.Cleanup(func() {
		sup.Shutdown()
		for _, b := range pool.started() {
			b.StopAndWait()
		}
	})
	return sup, feed, pool
}

func TestStartsIdleWithEmptyCollection(t *testing.T) {
	sup, _, pool := newFixture(t)

	require.NoError(t, sup.Reconcile(context.Background()))
	require.Equal(t, StateIdle, sup.State())
	require.Empty(t, pool.started())
	require.Empty(t, sup.Status().Workers)
}

func TestStartsActiveWhenValidatorsExist(t *testing.T) {
	sup, feed, pool := newFixture(t)
	feed.Insert("v1", map[string]any{"wallet": "W1"})

	require.NoError(t, sup.Reconcile(context.Background()))
	require.Equal(t, StateActive, sup.State())
	require.Len(t, pool.started(), 1)

	// reconciling again while active is a no-op
	require.NoError(t, sup.Reconcile(context.Background()))
	require.Len(t, pool.started(), 1)

	st := sup.Status()
	require.Equal(t, int64(1), st.Count)
	require.NotNil(t, st.StartedAt)
	require.Len(t, st.Workers, 2)
}

func TestRunTransitionsOnInsertAndDelete(t *testing.T) {
	sup, feed, pool := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sup.Reconcile(ctx))
	stream, err := feed.Subscribe(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx, stream) }()

	feed.Insert("v1", map[string]any{"wallet": "W1"})
	require.Eventually(t, func() bool { return sup.State() == StateActive }, time.Second, 5*time.Millisecond)

	batch := pool.started()[0]
	require.Equal(t, 2, batch.Running(), "the whole configured worker set runs")

	feed.Insert("v2", map[string]any{"wallet": "W2"})
	feed.Delete("v1")
	require.Never(t, func() bool { return sup.State() == StateIdle }, 50*time.Millisecond, 5*time.Millisecond)

	feed.Delete("v2")
	require.Eventually(t, func() bool { return sup.State() == StateIdle }, time.Second, 5*time.Millisecond)
	require.Equal(t, 0, batch.Running())
	require.Len(t, pool.started(), 1, "second insert while active did not start another batch")

	// back to active with a fresh batch
	feed.Insert("v3", map[string]any{"wallet": "W3"})
	require.Eventually(t, func() bool { return sup.State() == StateActive }, time.Second, 5*time.Millisecond)
	require.Len(t, pool.started(), 2)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	require.Equal(t, StateIdle, sup.State())
	require.Equal(t, 0, pool.started()[1].Running())
}

func TestCountFailureKeepsState(t *testing.T) {
	sup, feed, pool := newFixture(t)
	ctx := context.Background()

	var failing atomic.Bool
	feed.SetCountFunc(func() (int64, error) {
		if failing.Load() {
			return 0, errors.New("server selection timeout")
		}
		return 1, nil
	})

	failing.Store(true)
	require.Error(t, sup.Reconcile(ctx))
	sup.Observe(ctx, changes.Notification{Operation: changes.OpInsert, Key: "v1"})
	require.Equal(t, StateIdle, sup.State(), "a failed count never starts a batch")

	failing.Store(false)
	sup.Observe(ctx, changes.Notification{Operation: changes.OpInsert, Key: "v1"})
	require.Equal(t, StateActive, sup.State())

	failing.Store(true)
	sup.Observe(ctx, changes.Notification{Operation: changes.OpDelete, Key: "v1"})
	require.Error(t, sup.Reconcile(ctx))
	require.Equal(t, StateActive, sup.State(), "a failed count never stops a batch")
	require.Len(t, pool.started(), 1)
}

func TestObserveIgnoresOtherOperations(t *testing.T) {
	sup, feed, pool := newFixture(t)
	feed.Insert("v1", nil)

	sup.Observe(context.Background(), changes.Notification{Operation: changes.OpOther, Key: "v1"})
	require.Equal(t, StateIdle, sup.State())
	require.Empty(t, pool.started())
}

func TestDeleteWithRemainingValidatorsKeepsBatch(t *testing.T) {
	sup, feed, _ := newFixture(t)
	ctx := context.Background()
	feed.Insert("v1", nil)
	feed.Insert("v2", nil)
	require.NoError(t, sup.Reconcile(ctx))

	feed.Delete("v1")
	sup.Observe(ctx, changes.Notification{Operation: changes.OpDelete, Key: "v1"})
	require.Equal(t, StateActive, sup.State())
}

func TestRunReturnsSubscriptionError(t *testing.T) {
	sup, feed, _ := newFixture(t)
	stream, err := feed.Subscribe(context.Background())
	require.NoError(t, err)

	boom := errors.New("connection reset")
	feed.Fail(boom)
	err = sup.Run(context.Background(), stream)
	require.ErrorIs(t, err, boom)
}

func TestSetupSchedulerReconcilesPeriodically(t *testing.T) {
	sup, feed, _ := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.Error(t, sup.SetupScheduler(ctx, ""))
	require.Error(t, sup.SetupScheduler(ctx, "not a cron spec"))

	require.NoError(t, sup.SetupScheduler(ctx, "@every 1s"))
	sup.StartCron()
	defer sup.StopCron()

	// no notification is delivered; only the cron tick can notice the validator
	feed.Insert("v1", nil)
	require.Eventually(t, func() bool { return sup.State() == StateActive }, 3*time.Second, 20*time.Millisecond)
}

func TestStatusDoesNotWaitForSlowCount(t *testing.T) {
	sup, feed, _ := newFixture(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	feed.SetCountFunc(func() (int64, error) {
		close(entered)
		<-release
		return 1, nil
	})

	reconciled := make(chan error, 1)
	go func() { reconciled <- sup.Reconcile(context.Background()) }()
	<-entered

	status := make(chan Status, 1)
	go func() { status <- sup.Status() }()
	select {
	case st := <-status:
		require.Equal(t, StateIdle, st.State)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind the count query")
	}

	close(release)
	require.NoError(t, <-reconciled)
	require.Equal(t, StateActive, sup.State())
	require.Equal(t, int64(1), sup.Status().Count)
}
