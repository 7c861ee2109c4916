// Package supervisor keeps exactly one transaction worker batch alive while the validator
// collection is non-empty.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/changes"
	"github.com/centichain/contribsync/pkg/metrics"
	"github.com/centichain/contribsync/pkg/workload"
)

// State of the supervisor.
type State string

const (
	StateIdle   State = "idle"
	StateActive State = "active"
)

// DefaultCronSpec re-checks the validator count every 30 seconds (seconds field enabled).
const DefaultCronSpec = "*/30 * * * * *"

// BatchStarter starts a worker batch. *workload.Pool implements it.
type BatchStarter interface {
	Start(ctx context.Context) *workload.Batch
}

// Status is a point-in-time view for the status route.
type Status struct {
	State     State                   `json:"state"`
	Count     int64                   `json:"validator_count"`
	CountedAt *time.Time              `json:"counted_at,omitempty"`
	StartedAt *time.Time              `json:"started_at,omitempty"`
	Workers   []workload.WorkerStatus `json:"workers,omitempty"`
}

// Supervisor drives the Idle/Active state machine from validator counts.
//
// Counts are re-read after each relevant notification rather than tracked in memory, so the
// decision is not atomic with the mutation that triggered it. Two quick inserts may both read
// a stale count; the next notification or cron tick converges.
type Supervisor struct {
	Counter changes.Counter
	Pool    BatchStarter
	Logger  *zap.Logger
	Metrics *metrics.Collector

	// Cron is the scheduler for periodic reconciliation, according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	// opMu serializes count-then-act transitions. mu guards the fields below and is never
	// held across a count query, so Status does not wait on the store.
	opMu      sync.Mutex
	mu        sync.Mutex
	batch     *workload.Batch
	count     int64
	countedAt time.Time
}

// New returns an idle supervisor.
func New(counter changes.Counter, pool BatchStarter, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		Counter:  counter,
		Pool:     pool,
		Logger:   logger,
		CronSpec: DefaultCronSpec,
	}
}

// State returns Active iff a batch is running.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Supervisor) stateLocked() State {
	if s.batch != nil {
		return StateActive
	}
	return StateIdle
}

// Reconcile reads the count and moves to whichever state it implies. A failed count leaves the
// state untouched and is returned for logging.
func (s *Supervisor) Reconcile(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	count, err := s.recount(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case count > 0:
		s.startLocked(ctx, count)
	case count == 0:
		s.stopLocked(count)
	}
	return nil
}

// Run consumes the supervisor's own validator subscription. Inserts may start a batch, deletes
// may stop it. It returns nil when ctx is cancelled (after stopping any batch) and the stream
// error otherwise.
func (s *Supervisor) Run(ctx context.Context, stream changes.Stream) error {
	defer s.Shutdown()

	for {
		n, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.Logger.Error("Supervisor validator subscription terminated", zap.Error(err))
			return fmt.Errorf("supervisor subscription: %w", err)
		}
		s.Observe(ctx, n)
	}
}

// Observe applies one validator notification.
func (s *Supervisor) Observe(ctx context.Context, n changes.Notification) {
	if n.Operation != changes.OpInsert && n.Operation != changes.OpDelete {
		return
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	count, err := s.recount(ctx)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch n.Operation {
	case changes.OpInsert:
		if count > 0 {
			s.startLocked(ctx, count)
		}
	case changes.OpDelete:
		if count == 0 {
			s.stopLocked(count)
		}
	}
}

// Shutdown stops the running batch, if any, without waiting for it.
func (s *Supervisor) Shutdown() {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch != nil {
		s.batch.Stop()
		s.batch = nil
		s.Metrics.SupervisorState(false)
		s.Logger.Info("Transaction workers stopped on shutdown")
	}
}

// Status reports the current state and worker statuses. It does not block on an in-flight
// count query.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{State: s.stateLocked(), Count: s.count}
	if !s.countedAt.IsZero() {
		at := s.countedAt
		st.CountedAt = &at
	}
	if s.batch != nil {
		started := s.batch.StartedAt()
		st.StartedAt = &started
		st.Workers = s.batch.Workers()
	}
	return st
}

// recount queries the store without holding mu. Callers hold opMu.
func (s *Supervisor) recount(ctx context.Context) (int64, error) {
	count, err := s.Counter.Count(ctx)
	if err != nil {
		s.Metrics.CountError()
		s.Logger.Warn("Validator count failed, keeping current state",
			zap.String("state", string(s.State())),
			zap.Error(err))
		return 0, err
	}
	s.mu.Lock()
	s.count = count
	s.countedAt = time.Now().UTC()
	s.mu.Unlock()
	return count, nil
}

// startLocked is a no-op while a batch is active. Workers are detached from ctx's cancellation
// and only stop through Batch.Stop.
func (s *Supervisor) startLocked(ctx context.Context, count int64) {
	if s.batch != nil {
		return
	}
	s.batch = s.Pool.Start(context.WithoutCancel(ctx))
	s.Metrics.SupervisorState(true)
	s.Logger.Info("Validators present, transaction workers started",
		zap.Int64("validator_count", count))
}

func (s *Supervisor) stopLocked(count int64) {
	if s.batch == nil {
		return
	}
	s.batch.Stop()
	s.batch = nil
	s.Metrics.SupervisorState(false)
	s.Logger.Info("No validators left, transaction workers stopped",
		zap.Int64("validator_count", count))
}

// SetupScheduler sets up the cron scheduler for periodic reconciliation.
func (s *Supervisor) SetupScheduler(ctx context.Context, cronSpec string) error {
	if cronSpec == "" {
		return errors.New("empty cron spec")
	}
	logger := cron.PrintfLogger(zap.NewStdLog(s.Logger))
	// Seconds field, optional
	s.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger)))
	s.CronSpec = cronSpec

	_, err := s.Cron.AddFunc(cronSpec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 25*time.Second)
		defer cancel()
		if err := s.Reconcile(rctx); err != nil {
			s.Logger.Debug("Periodic reconcile skipped", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile %q: %w", cronSpec, err)
	}
	return nil
}

// StartCron starts the cron scheduler.
func (s *Supervisor) StartCron() {
	if s.Cron == nil {
		return
	}
	s.Cron.Start()
	s.Logger.Info("Supervisor cron started", zap.String("cronSpec", s.CronSpec))
}

// StopCron stops the cron scheduler and waits for a running reconcile to finish.
func (s *Supervisor) StopCron() {
	if s.Cron != nil {
		<-s.Cron.Stop().Done()
	}
}
