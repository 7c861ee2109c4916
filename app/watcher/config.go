package watcher

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/centichain/contribsync/pkg/stream"
	"github.com/centichain/contribsync/pkg/supervisor"
	"github.com/centichain/contribsync/pkg/utils"
	"github.com/centichain/contribsync/pkg/workload"
)

// Ledger backends.
const (
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Senders.
const (
	SenderHTTP = "http"
	SenderLog  = "log"
)

// Config is read from the environment once at startup.
type Config struct {
	Addr string

	ValidatorsDB         string
	ValidatorsCollection string
	RelaysDB             string
	RelaysCollection     string
	LedgerDB             string
	LedgerCollection     string

	LedgerBackend string
	RedisEnabled  bool
	Sender        string

	WorkerSpecs   []workload.WorkerSpec
	ReconcileCron string
	DrainTimeout  time.Duration
}

// LoadConfig reads the service configuration. WORKER_SPECS holds the worker specs as JSON.
func LoadConfig() (Config, error) {
	cfg := Config{
		Addr:                 utils.Env("ADDR", ":3010"),
		ValidatorsDB:         utils.Env("VALIDATORS_DB", "Centichain"),
		ValidatorsCollection: utils.Env("VALIDATORS_COLLECTION", "validators"),
		RelaysDB:             utils.Env("RELAYS_DB", "centiweb"),
		RelaysCollection:     utils.Env("RELAYS_COLLECTION", "relays"),
		LedgerDB:             utils.Env("LEDGER_DB", "centiweb"),
		LedgerCollection:     utils.Env("LEDGER_COLLECTION", "contributors"),
		LedgerBackend:        utils.Env("LEDGER_BACKEND", BackendMongo),
		RedisEnabled:         utils.EnvBool("REDIS_ENABLED", false),
		Sender:               utils.Env("SENDER", SenderHTTP),
		ReconcileCron:        supervisor.DefaultCronSpec,
		DrainTimeout:         utils.EnvDuration("DRAIN_TIMEOUT", stream.DefaultDrainTimeout),
	}

	// set but empty disables the periodic reconcile
	if v, ok := os.LookupEnv("SUPERVISOR_RECONCILE_CRON"); ok {
		cfg.ReconcileCron = v
	}

	switch cfg.LedgerBackend {
	case BackendMongo, BackendPostgres, BackendMemory:
	default:
		return Config{}, fmt.Errorf("unknown LEDGER_BACKEND %q", cfg.LedgerBackend)
	}
	switch cfg.Sender {
	case SenderHTTP, SenderLog:
	default:
		return Config{}, fmt.Errorf("unknown SENDER %q", cfg.Sender)
	}

	if raw := os.Getenv("WORKER_SPECS"); raw != "" {
		specs, err := workload.ParseSpecs([]byte(raw))
		if err != nil {
			return Config{}, fmt.Errorf("WORKER_SPECS: %w", err)
		}
		cfg.WorkerSpecs = specs
	}
	if len(cfg.WorkerSpecs) == 0 {
		return Config{}, errors.New("WORKER_SPECS must list at least one worker")
	}
	return cfg, nil
}
