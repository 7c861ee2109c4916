package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Counter counts every document in a collection.
type Counter struct {
	Coll *mongo.Collection
}

// NewCounter returns a Counter for coll.
func NewCounter(coll *mongo.Collection) (*Counter, error) {
	if coll == nil {
		return nil, errNoCollection
	}
	return &Counter{Coll: coll}, nil
}

func (c *Counter) Count(ctx context.Context) (int64, error) {
	return c.Coll.CountDocuments(ctx, bson.D{})
}
