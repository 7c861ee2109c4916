package contributor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-process Ledger. It backs the memory backend and the tests.
type MemoryLedger struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger { return &MemoryLedger{} }

func (l *MemoryLedger) Insert(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

func (l *MemoryLedger) Deactivate(_ context.Context, f RetireFilter, at time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var modified int64
	for i := range l.records {
		rec := &l.records[i]
		if rec.NodeType != f.NodeType || !rec.Active() {
			continue
		}
		var v string
		switch f.Field {
		case MatchPeerID:
			v = rec.PeerID
		case MatchWallet:
			v = rec.Wallet
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidMatchField, f.Field)
		}
		if v != f.Value {
			continue
		}
		stamped := at
		rec.DeactiveDate = &stamped
		modified++
	}
	return modified, nil
}

// Records returns a copy of every record in insertion order.
func (l *MemoryLedger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// ActiveCount returns the number of active records for (peerID, nodeType).
func (l *MemoryLedger) ActiveCount(peerID string, nodeType NodeType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rec := range l.records {
		if rec.PeerID == peerID && rec.NodeType == nodeType && rec.Active() {
			n++
		}
	}
	return n
}
