// Package stream fans two change subscriptions into the contributor mirror.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/changes"
	"github.com/centichain/contribsync/pkg/contributor"
	"github.com/centichain/contribsync/pkg/metrics"
)

// DefaultDrainTimeout bounds how long a healthy listener keeps draining buffered
// notifications after its sibling subscription failed.
const DefaultDrainTimeout = 5 * time.Second

// Applier commits mapped actions. *contributor.Mirror implements it.
type Applier interface {
	Apply(ctx context.Context, action contributor.Action) (contributor.Result, error)
}

// Multiplexer keeps the validator and relay subscriptions running side by side and routes every
// notification through the mapper into the mirror.
type Multiplexer struct {
	Validators   changes.Source
	Relays       changes.Source
	Mirror       Applier
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	DrainTimeout time.Duration
}

type subscription struct {
	origin changes.Origin
	stream changes.Stream
}

// Run blocks until ctx is cancelled (returns nil) or a subscription fails or ends, in which case
// the other subscription drains what it has buffered and Run returns the subscription error(s).
func (m *Multiplexer) Run(ctx context.Context) error {
	logger := m.logger()

	subs, err := m.subscribe(ctx)
	if err != nil {
		return err
	}
	defer m.closeAll(subs)

	logger.Info("Watching change streams",
		zap.String("first", string(subs[0].origin)),
		zap.String("second", string(subs[1].origin)))

	waitCtx, stopWaiting := context.WithCancel(ctx)
	defer stopWaiting()

	errs := make(chan error, len(subs))
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub subscription) {
			defer wg.Done()
			errs <- m.listen(ctx, waitCtx, sub)
		}(sub)
	}
	go func() {
		wg.Wait()
		close(errs)
	}()

	var fatal []error
	for err := range errs {
		if err != nil {
			fatal = append(fatal, err)
			stopWaiting()
		}
	}

	if len(fatal) == 0 {
		logger.Info("Change stream multiplexer stopped")
		return nil
	}
	return errors.Join(fatal...)
}

func (m *Multiplexer) subscribe(ctx context.Context) ([]subscription, error) {
	sources := []struct {
		origin changes.Origin
		source changes.Source
	}{
		{changes.OriginValidator, m.Validators},
		{changes.OriginRelay, m.Relays},
	}

	subs := make([]subscription, 0, len(sources))
	for _, s := range sources {
		if s.source == nil {
			m.closeAll(subs)
			return nil, fmt.Errorf("%s source is not configured", s.origin)
		}
		st, err := s.source.Subscribe(ctx)
		if err != nil {
			m.closeAll(subs)
			return nil, fmt.Errorf("subscribe %s: %w", s.origin, err)
		}
		subs = append(subs, subscription{origin: s.origin, stream: st})
	}
	return subs, nil
}

// listen processes one subscription in order. Handling runs under ctx so an in-flight write is
// not aborted when only waitCtx is cancelled.
func (m *Multiplexer) listen(ctx, waitCtx context.Context, sub subscription) error {
	logger := m.logger().With(zap.String("origin", string(sub.origin)))

	for {
		n, err := sub.stream.Next(waitCtx)
		if err != nil {
			// only a cancelled wait means "stop and drain"; a real stream error still surfaces
			if waitCtx.Err() != nil && isContextErr(err) {
				if ctx.Err() == nil {
					m.drain(ctx, sub)
				}
				return nil
			}
			m.Metrics.SubscriptionFailure(string(sub.origin))
			logger.Error("Change subscription terminated", zap.Error(err))
			return fmt.Errorf("%s subscription: %w", sub.origin, err)
		}
		m.handle(ctx, sub.origin, n)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// drain applies notifications the stream already holds, without waiting for new ones.
func (m *Multiplexer) drain(ctx context.Context, sub subscription) {
	timeout := m.DrainTimeout
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	drained := 0
	for dctx.Err() == nil {
		n, ok, err := sub.stream.TryNext(dctx)
		if err != nil || !ok {
			break
		}
		m.handle(dctx, sub.origin, n)
		drained++
	}
	m.logger().Info("Drained buffered notifications",
		zap.String("origin", string(sub.origin)),
		zap.Int("count", drained))
}

// handle maps and mirrors one notification. Failures are logged and never stop the listener.
func (m *Multiplexer) handle(ctx context.Context, origin changes.Origin, n changes.Notification) {
	m.Metrics.Notification(string(origin), string(n.Operation))

	action, err := contributor.Map(origin, n)
	if err != nil {
		m.Metrics.ApplyError(string(origin))
		m.logger().Error("Error mapping change notification",
			zap.String("origin", string(origin)),
			zap.String("operation", string(n.Operation)),
			zap.String("key", n.Key),
			zap.Error(err))
		return
	}
	if action.Kind == contributor.ActionIgnore {
		return
	}

	if _, err := m.Mirror.Apply(ctx, action); err != nil {
		m.Metrics.ApplyError(string(origin))
		m.logger().Error("Error processing change notification",
			zap.String("origin", string(origin)),
			zap.String("operation", string(n.Operation)),
			zap.String("key", n.Key),
			zap.Error(err))
	}
}

func (m *Multiplexer) closeAll(subs []subscription) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sub := range subs {
		if err := sub.stream.Close(ctx); err != nil {
			m.logger().Warn("Failed to close change stream",
				zap.String("origin", string(sub.origin)),
				zap.Error(err))
		}
	}
}

func (m *Multiplexer) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
