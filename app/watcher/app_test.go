package watcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/json"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/centichain/contribsync/pkg/changes"
	"github.com/centichain/contribsync/pkg/contributor"
	"github.com/centichain/contribsync/pkg/supervisor"
	"github.com/centichain/contribsync/pkg/workload"
)

type recordingSender struct {
	mu    sync.Mutex
	calls int
}

func (s *recordingSender) Send(context.Context, string, string, string, string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return "hash", nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	app        *App
	validators *changes.Feed
	relays     *changes.Feed
	ledger     *contributor.MemoryLedger
	sender     *recordingSender
}

func newFixture(t *testing.T, overrides ...func(*fixture, *Components)) *fixture {
	t.Helper()
	f := &fixture{
		validators: changes.NewFeed(16),
		relays:     changes.NewFeed(16),
		ledger:     contributor.NewMemoryLedger(),
		sender:     &recordingSender{},
	}
	cfg := Config{
		WorkerSpecs: []workload.WorkerSpec{
			{Name: "w1", Source: "A", Destination: "B", Cadence: 10 * time.Millisecond},
		},
		DrainTimeout: time.Second,
	}
	comps := Components{
		Validators: f.validators,
		Relays:     f.relays,
		Counter:    f.validators,
		Ledger:     f.ledger,
		Sender:     f.sender,
	}
	for _, o := range overrides {
		o(f, &comps)
	}
	app, err := New(cfg, zaptest.NewLogger(t), comps)
	require.NoError(t, err)
	f.app = app
	return f
}

// start runs the app and waits until every subscription is open.
func (f *fixture) start(t *testing.T, ctx context.Context) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- f.app.Start(ctx) }()
	require.Eventually(t, func() bool {
		return f.app.Ready() && f.validators.Subscribers() == 2 && f.relays.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)
	return done
}

func TestNewRequiresComponents(t *testing.T) {
	_, err := New(Config{}, zaptest.NewLogger(t), Components{})
	require.Error(t, err)
}

func TestNewRequiresWorkerSpecs(t *testing.T) {
	feed := changes.NewFeed(1)
	_, err := New(Config{}, zaptest.NewLogger(t), Components{
		Validators: feed,
		Relays:     feed,
		Counter:    feed,
		Ledger:     contributor.NewMemoryLedger(),
		Sender:     &recordingSender{},
	})
	require.ErrorIs(t, err, errNoWorkerSpecs)
}

// insertAfterFirstCount lets a validator land right after the startup count has read zero.
type insertAfterFirstCount struct {
	feed *changes.Feed
	once sync.Once
}

func (c *insertAfterFirstCount) Count(ctx context.Context) (int64, error) {
	n, err := c.feed.Count(ctx)
	c.once.Do(func() {
		c.feed.Insert("v1", map[string]any{"peerid": "v1", "wallet": "W1"})
	})
	return n, err
}

func TestValidatorAddedDuringStartupCountActivates(t *testing.T) {
	f := newFixture(t, func(f *fixture, c *Components) {
		c.Counter = &insertAfterFirstCount{feed: f.validators}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- f.app.Start(ctx) }()

	// no cron: only the supervisor stream can deliver the insert
	require.Eventually(t, func() bool {
		return f.app.Supervisor.State() == supervisor.StateActive
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAppMirrorsAndSupervises(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.start(t, ctx)

	f.validators.Insert("v1", map[string]any{"peerid": "v1", "wallet": "W1"})
	f.relays.Insert("r1", map[string]any{"addr": "r1", "wallet": "W2"})

	require.Eventually(t, func() bool {
		return len(f.ledger.Records()) == 2 && f.app.Supervisor.State() == supervisor.StateActive
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.sender.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	router := f.app.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.Ready)
	require.Equal(t, supervisor.StateActive, status.Supervisor.State)
	require.Equal(t, int64(1), status.Supervisor.Count)
	require.Len(t, status.Supervisor.Workers, 1)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `contribsync_notifications_total{operation="insert",origin="validator"} 1`)

	f.validators.Delete("v1")
	require.Eventually(t, func() bool {
		return f.ledger.ActiveCount("v1", contributor.NodeTypeValidator) == 0 &&
			f.app.Supervisor.State() == supervisor.StateIdle
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.ledger.ActiveCount("r1", contributor.NodeTypeRelay))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}
	require.False(t, f.app.Ready())
}

func TestAppSubscriptionFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	done := f.start(t, context.Background())

	f.validators.Insert("v1", map[string]any{"peerid": "v1", "wallet": "W1"})
	require.Eventually(t, func() bool {
		return f.app.Supervisor.State() == supervisor.StateActive
	}, 2*time.Second, 5*time.Millisecond)

	boom := errors.New("cursor killed")
	f.relays.Fail(boom)

	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
		require.ErrorContains(t, err, "relay subscription")
	case <-time.After(3 * time.Second):
		t.Fatal("app did not stop")
	}
	// workers do not outlive the process' watch loops
	require.Equal(t, supervisor.StateIdle, f.app.Supervisor.State())
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)
	router := f.app.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessConsultsDependencyChecks(t *testing.T) {
	f := newFixture(t)
	f.app.ready.Store(true)

	var redisErr error
	f.app.AddReadinessCheck("redis", func(context.Context) error { return redisErr })
	router := f.app.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	redisErr = errors.New("connection refused")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("LEDGER_BACKEND", "postgres")
	t.Setenv("SENDER", "log")
	t.Setenv("SUPERVISOR_RECONCILE_CRON", "")
	t.Setenv("WORKER_SPECS", `[{"name":"a","source":"S","credential":"p","destination":"D","cadence":"2s"}]`)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, BackendPostgres, cfg.LedgerBackend)
	require.Equal(t, SenderLog, cfg.Sender)
	require.Empty(t, cfg.ReconcileCron)
	require.Equal(t, "Centichain", cfg.ValidatorsDB)
	require.Equal(t, "relays", cfg.RelaysCollection)
	require.Len(t, cfg.WorkerSpecs, 1)
	require.Equal(t, 2*time.Second, cfg.WorkerSpecs[0].Cadence)

	t.Setenv("LEDGER_BACKEND", "sqlite")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "LEDGER_BACKEND")

	t.Setenv("LEDGER_BACKEND", "mongo")
	t.Setenv("WORKER_SPECS", "")
	_, err = LoadConfig()
	require.ErrorContains(t, err, "WORKER_SPECS")
}
