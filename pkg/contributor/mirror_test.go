package contributor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/centichain/contribsync/pkg/changes"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []LedgerEvent
}

func (p *recordingPublisher) PublishLedgerEvent(_ context.Context, ev LedgerEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

type failingLedger struct{ err error }

func (l failingLedger) Insert(context.Context, Record) error { return l.err }
func (l failingLedger) Deactivate(context.Context, RetireFilter, time.Time) (int64, error) {
	return 0, l.err
}

func fixedClock(ts time.Time) func() time.Time { return func() time.Time { return ts } }

func mapAndApply(t *testing.T, m *Mirror, origin changes.Origin, n changes.Notification) Result {
	t.Helper()
	action, err := Map(origin, n)
	require.NoError(t, err)
	res, err := m.Apply(context.Background(), action)
	require.NoError(t, err)
	return res
}

func TestMirrorAdmitThenRetire(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	ledger := NewMemoryLedger()
	m := NewMirror(ledger, zap.New(core))
	joined := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.Now = fixedClock(joined)

	res := mapAndApply(t, m, changes.OriginValidator, changes.Notification{
		Operation: changes.OpInsert,
		Key:       "v1",
		Document:  map[string]any{"_id": "v1", "wallet": "W1"},
	})
	require.Equal(t, int64(1), res.Modified)

	records := ledger.Records()
	require.Len(t, records, 1)
	require.Equal(t, Record{PeerID: "v1", Wallet: "W1", NodeType: NodeTypeValidator, JoinDate: joined}, records[0])

	retired := joined.Add(time.Hour)
	m.Now = fixedClock(retired)
	res = mapAndApply(t, m, changes.OriginValidator, changes.Notification{Operation: changes.OpDelete, Key: "v1"})
	require.Equal(t, int64(1), res.Modified)
	require.False(t, res.NoMatch)

	records = ledger.Records()
	require.NotNil(t, records[0].DeactiveDate)
	require.Equal(t, retired, *records[0].DeactiveDate)
	require.Equal(t, 0, logs.Len())

	// replaying the delete stamps nothing and only warns
	res = mapAndApply(t, m, changes.OriginValidator, changes.Notification{Operation: changes.OpDelete, Key: "v1"})
	require.True(t, res.NoMatch)
	require.Equal(t, int64(0), res.Modified)
	require.Equal(t, retired, *ledger.Records()[0].DeactiveDate)
	require.Equal(t, 1, logs.FilterMessage("Retire matched no active contributor").Len())
}

func TestMirrorReadmissionCreatesNewRecord(t *testing.T) {
	ledger := NewMemoryLedger()
	m := NewMirror(ledger, zaptest.NewLogger(t))

	insert := changes.Notification{Operation: changes.OpInsert, Key: "r1", Document: map[string]any{"wallet": "W"}}
	del := changes.Notification{Operation: changes.OpDelete, Key: "r1"}

	mapAndApply(t, m, changes.OriginRelay, insert)
	mapAndApply(t, m, changes.OriginRelay, del)
	mapAndApply(t, m, changes.OriginRelay, insert)

	records := ledger.Records()
	require.Len(t, records, 2)
	require.False(t, records[0].Active())
	require.True(t, records[1].Active())
	require.Equal(t, 1, ledger.ActiveCount("r1", NodeTypeRelay))
}

func TestMirrorActiveCountMatchesAdmitsMinusRetires(t *testing.T) {
	ledger := NewMemoryLedger()
	m := NewMirror(ledger, zaptest.NewLogger(t))
	insert := changes.Notification{Operation: changes.OpInsert, Key: "v7", Document: map[string]any{"wallet": "W7"}}
	del := changes.Notification{Operation: changes.OpDelete, Key: "v7"}

	ops := []changes.Notification{insert, insert, del, del, del, insert, del, insert}
	admits, matched := 0, 0
	for _, n := range ops {
		res := mapAndApply(t, m, changes.OriginValidator, n)
		switch res.Kind {
		case ActionAdmit:
			admits++
		case ActionRetire:
			matched += int(res.Modified)
		}
		require.GreaterOrEqual(t, ledger.ActiveCount("v7", NodeTypeValidator), 0)
		require.Equal(t, admits-matched, ledger.ActiveCount("v7", NodeTypeValidator))
	}
	require.Equal(t, 1, ledger.ActiveCount("v7", NodeTypeValidator))
}

func TestMirrorRetireIsScopedToNodeType(t *testing.T) {
	ledger := NewMemoryLedger()
	m := NewMirror(ledger, zaptest.NewLogger(t))

	mapAndApply(t, m, changes.OriginValidator, changes.Notification{Operation: changes.OpInsert, Key: "n1", Document: map[string]any{"wallet": "W"}})
	mapAndApply(t, m, changes.OriginRelay, changes.Notification{Operation: changes.OpInsert, Key: "n1", Document: map[string]any{"wallet": "W"}})

	res := mapAndApply(t, m, changes.OriginRelay, changes.Notification{Operation: changes.OpDelete, KeyFields: map[string]any{"wallet": "W"}})
	require.Equal(t, int64(1), res.Modified)
	require.Equal(t, 1, ledger.ActiveCount("n1", NodeTypeValidator))
	require.Equal(t, 0, ledger.ActiveCount("n1", NodeTypeRelay))
}

func TestMirrorPublishesCommittedEvents(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewMirror(NewMemoryLedger(), zaptest.NewLogger(t))
	m.Publisher = pub

	mapAndApply(t, m, changes.OriginRelay, changes.Notification{Operation: changes.OpInsert, Key: "r1", Document: map[string]any{"wallet": "W"}})
	mapAndApply(t, m, changes.OriginRelay, changes.Notification{Operation: changes.OpDelete, Key: "r1"})
	mapAndApply(t, m, changes.OriginRelay, changes.Notification{Operation: changes.OpDelete, Key: "r1"})

	require.Len(t, pub.events, 2, "no-match retires are not published")
	require.Equal(t, ActionAdmit, pub.events[0].Action)
	require.Equal(t, ActionRetire, pub.events[1].Action)
	require.Equal(t, MatchPeerID, pub.events[1].Field)
}

func TestMirrorSurfacesLedgerErrors(t *testing.T) {
	boom := errors.New("write concern timeout")
	m := NewMirror(failingLedger{err: boom}, zaptest.NewLogger(t))

	_, err := m.Apply(context.Background(), Action{Kind: ActionAdmit, NodeType: NodeTypeRelay, PeerID: "r1"})
	require.ErrorIs(t, err, boom)

	_, err = m.Apply(context.Background(), Action{Kind: ActionRetire, Retire: RetireFilter{Field: MatchPeerID, Value: "r1", NodeType: NodeTypeRelay}})
	require.ErrorIs(t, err, boom)

	res, err := m.Apply(context.Background(), Action{Kind: ActionIgnore})
	require.NoError(t, err)
	require.Equal(t, ActionIgnore, res.Kind)
}

func TestMemoryLedgerRejectsUnknownField(t *testing.T) {
	l := NewMemoryLedger()
	require.NoError(t, l.Insert(context.Background(), Record{PeerID: "p", NodeType: NodeTypeRelay}))
	_, err := l.Deactivate(context.Background(), RetireFilter{Field: "join_date", Value: "x", NodeType: NodeTypeRelay}, time.Now())
	require.ErrorIs(t, err, ErrInvalidMatchField)
}
