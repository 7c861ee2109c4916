package contributor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/metrics"
)

// LedgerEvent describes a committed ledger mutation for real-time consumers.
type LedgerEvent struct {
	Action   ActionKind `json:"action"`
	NodeType NodeType   `json:"node_type"`
	PeerID   string     `json:"peer_id,omitempty"`
	Wallet   string     `json:"wallet,omitempty"`
	Field    MatchField `json:"field,omitempty"`
	Value    string     `json:"value,omitempty"`
	Modified int64      `json:"modified"`
	At       time.Time  `json:"at"`
}

// Publisher receives ledger events after they are committed. Publishing is best-effort.
type Publisher interface {
	PublishLedgerEvent(ctx context.Context, ev LedgerEvent)
}

// Result reports what Apply did.
type Result struct {
	Kind     ActionKind
	Modified int64
	// NoMatch is set when a retire stamped nothing. It is a warning, not an error.
	NoMatch bool
}

// Mirror applies actions to the ledger with at-least-once, duplicate tolerant semantics.
type Mirror struct {
	Ledger    Ledger
	Logger    *zap.Logger
	Publisher Publisher
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// NewMirror returns a Mirror writing to ledger.
func NewMirror(ledger Ledger, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		Ledger: ledger,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply commits a single action. Every admit inserts, every retire is one update-many.
func (m *Mirror) Apply(ctx context.Context, action Action) (Result, error) {
	res := Result{Kind: action.Kind}
	now := m.Now()

	switch action.Kind {
	case ActionAdmit:
		rec := Record{
			PeerID:   action.PeerID,
			Wallet:   action.Wallet,
			NodeType: action.NodeType,
			JoinDate: now,
		}
		if err := m.Ledger.Insert(ctx, rec); err != nil {
			return res, fmt.Errorf("insert contributor %s/%s: %w", action.NodeType, action.PeerID, err)
		}
		res.Modified = 1
		m.Logger.Debug("Contributor admitted",
			zap.String("node_type", string(action.NodeType)),
			zap.String("peer_id", action.PeerID),
			zap.String("wallet", action.Wallet))
		m.publish(ctx, LedgerEvent{
			Action:   ActionAdmit,
			NodeType: action.NodeType,
			PeerID:   action.PeerID,
			Wallet:   action.Wallet,
			Modified: 1,
			At:       now,
		})

	case ActionRetire:
		f := action.Retire
		modified, err := m.Ledger.Deactivate(ctx, f, now)
		if err != nil {
			return res, fmt.Errorf("deactivate contributor %s %s=%s: %w", f.NodeType, f.Field, f.Value, err)
		}
		res.Modified = modified
		if modified == 0 {
			res.NoMatch = true
			m.Logger.Warn("Retire matched no active contributor",
				zap.String("node_type", string(f.NodeType)),
				zap.String("field", string(f.Field)),
				zap.String("value", f.Value))
			m.Metrics.RetireNoMatch(string(f.NodeType))
			return res, nil
		}
		m.Logger.Debug("Contributor retired",
			zap.String("node_type", string(f.NodeType)),
			zap.String("field", string(f.Field)),
			zap.String("value", f.Value),
			zap.Int64("modified", modified))
		m.publish(ctx, LedgerEvent{
			Action:   ActionRetire,
			NodeType: f.NodeType,
			Field:    f.Field,
			Value:    f.Value,
			Modified: modified,
			At:       now,
		})
	}

	return res, nil
}

func (m *Mirror) publish(ctx context.Context, ev LedgerEvent) {
	if m.Publisher == nil {
		return
	}
	m.Publisher.PublishLedgerEvent(ctx, ev)
}
