package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/centichain/contribsync/pkg/changes"
)

// changeEvent is the subset of a change stream document the service reads.
type changeEvent struct {
	OperationType            string `bson:"operationType"`
	DocumentKey              bson.M `bson:"documentKey"`
	FullDocument             bson.M `bson:"fullDocument"`
	FullDocumentBeforeChange bson.M `bson:"fullDocumentBeforeChange"`
}

// Source watches one collection. Each Subscribe opens a fresh change stream at the current
// position; no resume token is persisted.
type Source struct {
	Coll *mongo.Collection
}

// NewSource returns a change-stream source for coll.
func NewSource(coll *mongo.Collection) *Source { return &Source{Coll: coll} }

// Subscribe opens a change stream with full documents on update and pre-images on delete when
// the collection records them.
func (s *Source) Subscribe(ctx context.Context) (changes.Stream, error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)

	cs, err := s.Coll.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, fmt.Errorf("watch %s.%s: %w", s.Coll.Database().Name(), s.Coll.Name(), err)
	}
	return &stream{cs: cs}, nil
}

type stream struct {
	cs *mongo.ChangeStream
}

func (s *stream) Next(ctx context.Context) (changes.Notification, error) {
	if s.cs.Next(ctx) {
		return s.decode()
	}
	if ctx.Err() != nil {
		return changes.Notification{}, ctx.Err()
	}
	if err := s.cs.Err(); err != nil {
		return changes.Notification{}, err
	}
	return changes.Notification{}, changes.ErrStreamClosed
}

func (s *stream) TryNext(ctx context.Context) (changes.Notification, bool, error) {
	if !s.cs.TryNext(ctx) {
		return changes.Notification{}, false, nil
	}
	n, err := s.decode()
	if err != nil {
		return changes.Notification{}, false, err
	}
	return n, true, nil
}

func (s *stream) Close(ctx context.Context) error {
	return s.cs.Close(ctx)
}

func (s *stream) decode() (changes.Notification, error) {
	var ev changeEvent
	if err := s.cs.Decode(&ev); err != nil {
		return changes.Notification{}, fmt.Errorf("decode change event: %w", err)
	}
	return toNotification(ev, time.Now().UTC()), nil
}

func toNotification(ev changeEvent, at time.Time) changes.Notification {
	n := changes.Notification{
		Operation:  changes.ParseOperation(ev.OperationType),
		ReceivedAt: at,
	}

	if len(ev.DocumentKey) > 0 {
		n.Key = keyString(ev.DocumentKey["_id"])
		for k, v := range ev.DocumentKey {
			if k == "_id" {
				continue
			}
			if n.KeyFields == nil {
				n.KeyFields = map[string]any{}
			}
			n.KeyFields[k] = v
		}
	}

	switch n.Operation {
	case changes.OpDelete:
		if ev.FullDocumentBeforeChange != nil {
			n.Document = map[string]any(ev.FullDocumentBeforeChange)
		}
	default:
		if ev.FullDocument != nil {
			n.Document = map[string]any(ev.FullDocument)
		}
	}
	return n
}

// keyString renders a document _id as the stable string identity used for peer_id.
func keyString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case primitive.ObjectID:
		return id.Hex()
	case fmt.Stringer:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}

var _ changes.Source = (*Source)(nil)
