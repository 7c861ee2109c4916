package watcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/changes"
	"github.com/centichain/contribsync/pkg/contributor"
	"github.com/centichain/contribsync/pkg/metrics"
	"github.com/centichain/contribsync/pkg/stream"
	"github.com/centichain/contribsync/pkg/supervisor"
	"github.com/centichain/contribsync/pkg/workload"
)

var errNoWorkerSpecs = errors.New("watcher: at least one worker spec is required")

// Components are the external collaborators the app is assembled from.
type Components struct {
	Validators changes.Source
	Relays     changes.Source
	Counter    changes.Counter
	Ledger     contributor.Ledger
	Publisher  contributor.Publisher // optional
	Sender     workload.Sender
}

// App mirrors validator and relay churn into the contributors ledger and keeps the
// transaction workers running while validators exist.
type App struct {
	Config Config

	// Logger is used to log messages, errors, and events during the application's lifecycle and operations.
	Logger *zap.Logger

	Metrics  *metrics.Collector
	Registry *prometheus.Registry

	Mirror      *contributor.Mirror
	Multiplexer *stream.Multiplexer
	Supervisor  *supervisor.Supervisor

	// validators feeds the supervisor's own subscription.
	validators changes.Source

	// Server is the HTTP server that serves health, status and metrics.
	Server *http.Server

	closers []func(context.Context) error
	checks  []readinessCheck
	ready   atomic.Bool
}

type readinessCheck struct {
	name  string
	check func(context.Context) error
}

// New assembles an App from already connected components.
func New(cfg Config, logger *zap.Logger, c Components) (*App, error) {
	if c.Validators == nil || c.Relays == nil || c.Counter == nil || c.Ledger == nil || c.Sender == nil {
		return nil, errors.New("watcher: missing component")
	}
	if len(cfg.WorkerSpecs) == 0 {
		return nil, errNoWorkerSpecs
	}

	m := metrics.NewCollector()
	registry := prometheus.NewRegistry()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	mirror := contributor.NewMirror(c.Ledger, logger.Named("mirror"))
	mirror.Publisher = c.Publisher
	mirror.Metrics = m

	pool := workload.NewPool(cfg.WorkerSpecs, c.Sender, logger.Named("workers"))
	pool.Metrics = m

	sup := supervisor.New(c.Counter, pool, logger.Named("supervisor"))
	sup.Metrics = m

	return &App{
		Config:   cfg,
		Logger:   logger,
		Metrics:  m,
		Registry: registry,
		Mirror:   mirror,
		Multiplexer: &stream.Multiplexer{
			Validators:   c.Validators,
			Relays:       c.Relays,
			Mirror:       mirror,
			Logger:       logger.Named("multiplexer"),
			Metrics:      m,
			DrainTimeout: cfg.DrainTimeout,
		},
		Supervisor: sup,
		validators: c.Validators,
	}, nil
}

// AddCloser registers a cleanup hook run after Start returns.
func (a *App) AddCloser(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// AddReadinessCheck registers a dependency probe consulted by /readyz.
func (a *App) AddReadinessCheck(name string, check func(context.Context) error) {
	a.checks = append(a.checks, readinessCheck{name: name, check: check})
}

// Ready reports whether both watch loops are running.
func (a *App) Ready() bool { return a.ready.Load() }

// Healthy reports whether the watch loops are running and every readiness check passes.
func (a *App) Healthy(ctx context.Context) bool {
	if !a.Ready() {
		return false
	}
	for _, c := range a.checks {
		if err := c.check(ctx); err != nil {
			a.Logger.Warn("Readiness check failed", zap.String("check", c.name), zap.Error(err))
			return false
		}
	}
	return true
}

// Start runs until ctx is cancelled or a subscription fails. Subscription failures are
// returned so the process can exit non-zero.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer a.close()

	// Subscribe before the initial count: a change landing between the two is then seen by
	// the count or delivered on the stream.
	supStream, err := a.validators.Subscribe(runCtx)
	if err != nil {
		return fmt.Errorf("supervisor subscription: %w", err)
	}
	defer func() { _ = supStream.Close(context.Background()) }()

	// initial point-in-time count
	if err := a.Supervisor.Reconcile(runCtx); err != nil {
		a.Logger.Warn("Initial reconcile failed", zap.Error(err))
	}

	if a.Config.ReconcileCron != "" {
		if err := a.Supervisor.SetupScheduler(runCtx, a.Config.ReconcileCron); err != nil {
			a.Supervisor.Shutdown()
			return err
		}
		a.Supervisor.StartCron()
		defer a.Supervisor.StopCron()
	}

	if a.Server != nil {
		go func() {
			if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error("HTTP server stopped", zap.Error(err))
			}
		}()
	}

	errs := make(chan error, 2)
	go func() { errs <- a.Supervisor.Run(runCtx, supStream) }()
	go func() { errs <- a.Multiplexer.Run(runCtx) }()
	a.ready.Store(true)
	a.Logger.Info("Watcher started", zap.String("addr", a.Config.Addr))

	var fatal []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			a.Logger.Error("Watch loop failed, shutting down", zap.Error(err))
			fatal = append(fatal, err)
		}
		// the first loop to return takes the other one down
		cancel()
		a.ready.Store(false)
	}

	a.Logger.Info("Watcher shutting down…")
	return errors.Join(fatal...)
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.Server != nil {
		_ = a.Server.Shutdown(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.Logger.Warn("Close failed", zap.Error(err))
		}
	}
}
