package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/contributor"
)

const contributorsTable = `
CREATE TABLE IF NOT EXISTS contributors (
	id            BIGSERIAL PRIMARY KEY,
	peer_id       TEXT        NOT NULL DEFAULT '',
	wallet        TEXT        NOT NULL DEFAULT '',
	node_type     TEXT        NOT NULL,
	join_date     TIMESTAMPTZ NOT NULL,
	deactive_date TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS contributors_active_peer_idx
	ON contributors (peer_id, node_type) WHERE deactive_date IS NULL;
CREATE INDEX IF NOT EXISTS contributors_active_wallet_idx
	ON contributors (wallet, node_type) WHERE deactive_date IS NULL;
`

// Ledger stores contributor records in the contributors table.
type Ledger struct {
	Client
	exec Executor
}

// NewLedger connects and ensures the contributors table exists.
func NewLedger(ctx context.Context, logger *zap.Logger) (*Ledger, error) {
	client, err := New(ctx, logger.With(zap.String("component", "ledger")), DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	l := &Ledger{Client: client, exec: client.Pool}
	if err := l.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithExecutor builds a Ledger over an existing pool or transaction.
func NewLedgerWithExecutor(exec Executor, logger *zap.Logger) *Ledger {
	return &Ledger{Client: Client{Logger: logger}, exec: exec}
}

// InitializeDB ensures the contributors table and its indexes exist.
func (l *Ledger) InitializeDB(ctx context.Context) error {
	l.Logger.Info("Initialize contributors table")
	if _, err := l.exec.Exec(ctx, contributorsTable); err != nil {
		return fmt.Errorf("create contributors table: %w", err)
	}
	return nil
}

func (l *Ledger) Insert(ctx context.Context, rec contributor.Record) error {
	_, err := l.exec.Exec(ctx,
		`INSERT INTO contributors (peer_id, wallet, node_type, join_date, deactive_date) VALUES ($1, $2, $3, $4, $5)`,
		rec.PeerID, rec.Wallet, string(rec.NodeType), rec.JoinDate, rec.DeactiveDate)
	return err
}

func (l *Ledger) Deactivate(ctx context.Context, f contributor.RetireFilter, at time.Time) (int64, error) {
	query, err := deactivateQuery(f.Field)
	if err != nil {
		return 0, err
	}
	tag, err := l.exec.Exec(ctx, query, at, f.Value, string(f.NodeType))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// deactivateQuery only ever interpolates one of the whitelisted column names.
func deactivateQuery(field contributor.MatchField) (string, error) {
	switch field {
	case contributor.MatchPeerID, contributor.MatchWallet:
	default:
		return "", fmt.Errorf("%w: %q", contributor.ErrInvalidMatchField, field)
	}
	return fmt.Sprintf(
		`UPDATE contributors SET deactive_date = $1 WHERE %s = $2 AND node_type = $3 AND deactive_date IS NULL`,
		string(field)), nil
}

var _ contributor.Ledger = (*Ledger)(nil)
