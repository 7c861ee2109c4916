package redis

import (
	"context"

	"github.com/go-jose/go-jose/v4/json"
	"go.uber.org/zap"

	"github.com/centichain/contribsync/pkg/contributor"
	"github.com/centichain/contribsync/pkg/utils"
)

// DefaultLedgerStream is the stream ledger events are appended to.
const DefaultLedgerStream = "contributors:events"

// Publisher appends committed ledger mutations to a Redis stream.
type Publisher struct {
	Client *Client
	Stream string
	Logger *zap.Logger
}

// NewPublisher reads the stream name from LEDGER_EVENTS_STREAM.
func NewPublisher(client *Client, logger *zap.Logger) *Publisher {
	return &Publisher{
		Client: client,
		Stream: utils.Env("LEDGER_EVENTS_STREAM", DefaultLedgerStream),
		Logger: logger,
	}
}

func (p *Publisher) PublishLedgerEvent(ctx context.Context, ev contributor.LedgerEvent) {
	values, err := eventValues(ev)
	if err != nil {
		p.Logger.Warn("Failed to encode ledger event", zap.Error(err))
		return
	}
	if id := p.Client.XAdd(ctx, p.Stream, values); id != "" {
		p.Logger.Debug("Ledger event published",
			zap.String("stream", p.Stream),
			zap.String("id", id),
			zap.String("action", string(ev.Action)))
	}
}

// eventValues flattens the routing fields and keeps the full event as JSON under "data".
func eventValues(ev contributor.LedgerEvent) (map[string]interface{}, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"action":    string(ev.Action),
		"node_type": string(ev.NodeType),
		"data":      string(data),
	}, nil
}

var _ contributor.Publisher = (*Publisher)(nil)
