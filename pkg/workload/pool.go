// Package workload runs the synthetic transaction workers started and stopped by the supervisor.
package workload

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/metrics"
)

// Sender submits one transaction and returns an opaque receipt.
type Sender interface {
	Send(ctx context.Context, source, credential, destination, value string) (string, error)
}

// WorkerSpec configures one pool member. It does not change for the lifetime of a batch.
type WorkerSpec struct {
	Name        string        `json:"name"`
	Source      string        `json:"source"`
	Credential  string        `json:"credential"`
	Destination string        `json:"destination"`
	Cadence     time.Duration `json:"cadence"`
}

// Validate checks that a spec can be run.
func (s WorkerSpec) Validate() error {
	switch {
	case s.Name == "":
		return errors.New("worker name is required")
	case s.Source == "":
		return fmt.Errorf("worker %s: source is required", s.Name)
	case s.Destination == "":
		return fmt.Errorf("worker %s: destination is required", s.Name)
	case s.Cadence <= 0:
		return fmt.Errorf("worker %s: cadence must be positive", s.Name)
	}
	return nil
}

// Pool starts batches of workers, one per spec.
type Pool struct {
	Specs   []WorkerSpec
	Sender  Sender
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// Value produces the amount for each transaction.
	Value func() string
}

// NewPool returns a pool for specs.
func NewPool(specs []WorkerSpec, sender Sender, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		Specs:  specs,
		Sender: sender,
		Logger: logger,
		Value:  RandomValue,
	}
}

// RandomValue returns a uniform value in [0,1) with twelve decimals.
func RandomValue() string {
	return fmt.Sprintf("%.12f", rand.Float64())
}

// Start spawns every configured worker concurrently and returns immediately.
func (p *Pool) Start(ctx context.Context) *Batch {
	size := len(p.Specs)
	if size == 0 {
		size = 1
	}
	bctx, cancel := context.WithCancel(ctx)
	b := &Batch{
		cancel:    cancel,
		pool:      pond.NewPool(size, pond.WithQueueSize(size)),
		workers:   xsync.NewMap[string, WorkerStatus](),
		startedAt: time.Now().UTC(),
	}
	b.group = b.pool.NewGroupContext(bctx)

	for _, spec := range p.Specs {
		b.workers.Store(spec.Name, WorkerStatus{Name: spec.Name, State: StateRunning})
	}
	for _, spec := range p.Specs {
		spec := spec
		b.group.Submit(func() {
			p.work(b.group.Context(), spec, b)
		})
	}

	p.Logger.Info("Transaction worker batch started", zap.Int("workers", len(p.Specs)))
	return b
}

func (p *Pool) work(ctx context.Context, spec WorkerSpec, b *Batch) {
	logger := p.Logger.With(zap.String("worker", spec.Name))
	p.Metrics.WorkerStarted()
	defer p.Metrics.WorkerStopped()

	value := p.Value
	if value == nil {
		value = RandomValue
	}

	for {
		if ctx.Err() != nil {
			b.finish(spec.Name, StateStopped, nil)
			return
		}

		receipt, err := p.Sender.Send(ctx, spec.Source, spec.Credential, spec.Destination, value())
		if err != nil {
			if ctx.Err() != nil {
				b.finish(spec.Name, StateStopped, nil)
				return
			}
			p.Metrics.Send(spec.Name, false)
			logger.Error("Error in transaction, worker exiting", zap.Error(err))
			b.finish(spec.Name, StateFailed, err)
			return
		}
		p.Metrics.Send(spec.Name, true)
		b.sent(spec.Name)
		logger.Debug("Transaction sent", zap.String("receipt", receipt))

		timer := time.NewTimer(spec.Cadence)
		select {
		case <-ctx.Done():
			timer.Stop()
			b.finish(spec.Name, StateStopped, nil)
			return
		case <-timer.C:
		}
	}
}
