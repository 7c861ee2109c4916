package watcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/contributor"
	"github.com/centichain/contribsync/pkg/db/mongo"
	"github.com/centichain/contribsync/pkg/db/postgres"
	"github.com/centichain/contribsync/pkg/logging"
	"github.com/centichain/contribsync/pkg/redis"
	"github.com/centichain/contribsync/pkg/rpc"
	"github.com/centichain/contribsync/pkg/workload"
)

// Initialize connects to every configured backend and assembles the App.
func Initialize(ctx context.Context) (*App, error) {
	logger, err := logging.New()
	if err != nil {
		// nothing else to do here, we'll just log to stderr
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	var closers []func(context.Context) error
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i](context.Background())
		}
		return nil, err
	}

	mc, err := mongo.New(ctx, logger.Named("mongo"))
	if err != nil {
		return nil, err
	}
	closers = append(closers, mc.Close)

	validatorsColl := mc.Collection(cfg.ValidatorsDB, cfg.ValidatorsCollection)
	counter, err := mongo.NewCounter(validatorsColl)
	if err != nil {
		return fail(err)
	}

	ledger, closeLedger, err := openLedger(ctx, cfg, mc, logger)
	if err != nil {
		return fail(err)
	}
	if closeLedger != nil {
		closers = append(closers, closeLedger)
	}

	comps := Components{
		Validators: mongo.NewSource(validatorsColl),
		Relays:     mongo.NewSource(mc.Collection(cfg.RelaysDB, cfg.RelaysCollection)),
		Counter:    counter,
		Ledger:     ledger,
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		rc, err := redis.NewClient(ctx, logger.Named("redis"))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func(context.Context) error { return rc.Close() })
		comps.Publisher = redis.NewPublisher(rc, logger.Named("events"))
		redisClient = rc
	}

	comps.Sender, err = newSender(cfg, logger)
	if err != nil {
		return fail(err)
	}

	app, err := New(cfg, logger, comps)
	if err != nil {
		return fail(err)
	}
	for _, c := range closers {
		app.AddCloser(c)
	}
	if redisClient != nil {
		app.AddReadinessCheck("redis", redisClient.Health)
	}
	logger.Info("Watcher initialized",
		zap.String("ledger", cfg.LedgerBackend),
		zap.String("sender", cfg.Sender),
		zap.Bool("redis", cfg.RedisEnabled),
		zap.Int("workers", len(cfg.WorkerSpecs)))
	return app, nil
}

func openLedger(ctx context.Context, cfg Config, mc *mongo.Client, logger *zap.Logger) (contributor.Ledger, func(context.Context) error, error) {
	switch cfg.LedgerBackend {
	case BackendPostgres:
		l, err := postgres.NewLedger(ctx, logger.Named("postgres"))
		if err != nil {
			return nil, nil, err
		}
		return l, func(context.Context) error { l.Close(); return nil }, nil
	case BackendMemory:
		return contributor.NewMemoryLedger(), nil, nil
	default:
		l, err := mongo.NewLedger(mc.Collection(cfg.LedgerDB, cfg.LedgerCollection))
		if err != nil {
			return nil, nil, err
		}
		if err := l.EnsureIndexes(ctx); err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	}
}

func newSender(cfg Config, logger *zap.Logger) (workload.Sender, error) {
	switch cfg.Sender {
	case SenderLog:
		return rpc.NewLogSender(logger.Named("sender")), nil
	case SenderHTTP:
		s, err := rpc.NewTxSender()
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sender %q", cfg.Sender)
	}
}
