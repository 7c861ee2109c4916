package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/centichain/contribsync/pkg/contributor"
)

// Ledger stores contributor records in a MongoDB collection.
type Ledger struct {
	Coll *mongo.Collection
}

// NewLedger returns a Ledger over coll.
func NewLedger(coll *mongo.Collection) (*Ledger, error) {
	if coll == nil {
		return nil, errNoCollection
	}
	return &Ledger{Coll: coll}, nil
}

// EnsureIndexes creates the lookup indexes used by Deactivate. It is idempotent.
func (l *Ledger) EnsureIndexes(ctx context.Context) error {
	_, err := l.Coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "peer_id", Value: 1}, {Key: "node_type", Value: 1}, {Key: "deactive_date", Value: 1}}},
		{Keys: bson.D{{Key: "wallet", Value: 1}, {Key: "node_type", Value: 1}, {Key: "deactive_date", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create contributor indexes: %w", err)
	}
	return nil
}

func (l *Ledger) Insert(ctx context.Context, rec contributor.Record) error {
	_, err := l.Coll.InsertOne(ctx, rec)
	return err
}

func (l *Ledger) Deactivate(ctx context.Context, f contributor.RetireFilter, at time.Time) (int64, error) {
	filter, err := retireFilter(f)
	if err != nil {
		return 0, err
	}
	res, err := l.Coll.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"deactive_date": at}})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func retireFilter(f contributor.RetireFilter) (bson.M, error) {
	switch f.Field {
	case contributor.MatchPeerID, contributor.MatchWallet:
	default:
		return nil, fmt.Errorf("%w: %q", contributor.ErrInvalidMatchField, f.Field)
	}
	return bson.M{
		string(f.Field): f.Value,
		"node_type":     string(f.NodeType),
		"deactive_date": nil,
	}, nil
}

var _ contributor.Ledger = (*Ledger)(nil)
