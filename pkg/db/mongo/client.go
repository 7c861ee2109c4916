// Package mongo connects the service to MongoDB: change-stream sources over the validator and
// relay collections, the validator counter, and the contributors ledger.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/retry"
	"github.com/centichain/contribsync/pkg/utils"
)

var errNoCollection = errors.New("mongo collection is required")

// Client wraps a MongoDB client.
type Client struct {
	Logger *zap.Logger
	Client *mongo.Client
}

// New connects using MONGO_URI (default "mongodb://localhost:27017") and verifies the
// connection with a ping, retrying with backoff.
func New(ctx context.Context, logger *zap.Logger) (*Client, error) {
	uri := utils.Env("MONGO_URI", "mongodb://localhost:27017")
	appName := utils.Env("MONGO_APP_NAME", "contribsync")

	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetServerSelectionTimeout(10 * time.Second)

	var client *mongo.Client
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "mongo_connection", func() error {
		c, err := mongo.Connect(connCtx, opts)
		if err != nil {
			// Connect does not dial, so failures here are configuration errors
			return retry.Permanent(fmt.Errorf("failed to create mongo client: %w", err))
		}
		if err := c.Ping(connCtx, readpref.Primary()); err != nil {
			_ = c.Disconnect(context.Background())
			return fmt.Errorf("failed to ping mongo: %w", err)
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Connected to MongoDB", zap.String("app", appName))
	return &Client{Logger: logger, Client: client}, nil
}

// Collection returns a handle on db.coll.
func (c *Client) Collection(db, coll string) *mongo.Collection {
	return c.Client.Database(db).Collection(coll)
}

// Close disconnects the client.
func (c *Client) Close(ctx context.Context) error {
	return c.Client.Disconnect(ctx)
}
