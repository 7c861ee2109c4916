// Package changes defines the boundary to a live change-notification feed: the notification
// shape, the subscription and count interfaces, and an in-memory feed.
package changes

import (
	"context"
	"errors"
	"time"
)

// Operation is the kind of mutation a notification reports.
type Operation string

const (
	OpInsert Operation = "insert"
	OpDelete Operation = "delete"
	OpOther  Operation = "other"
)

// ParseOperation maps a raw operation type ("insert", "delete", "update", ...) to an Operation.
func ParseOperation(raw string) Operation {
	switch raw {
	case string(OpInsert):
		return OpInsert
	case string(OpDelete):
		return OpDelete
	default:
		return OpOther
	}
}

// Origin identifies which of the two watched collections a notification came from.
type Origin string

const (
	OriginValidator Origin = "validator"
	OriginRelay     Origin = "relay"
)

// ErrStreamClosed is returned by Stream.Next once the feed has ended.
var ErrStreamClosed = errors.New("change stream closed")

// Notification is a single mutation reported by a watched collection.
type Notification struct {
	Operation Operation
	// Key is the stringified _id of the mutated document ("" when the source omits it).
	Key string
	// KeyFields holds any other document-key fields, e.g. shard keys like "wallet".
	KeyFields map[string]any
	// Document is the post-image for inserts and the pre-image for deletes when available.
	Document   map[string]any
	ReceivedAt time.Time
}

// Source opens live subscriptions on one watched collection.
type Source interface {
	Subscribe(ctx context.Context) (Stream, error)
}

// Stream is an ordered, push-based feed of notifications.
type Stream interface {
	// Next blocks until a notification is available, the stream fails, or ctx is done.
	// End-of-stream is reported as ErrStreamClosed.
	Next(ctx context.Context) (Notification, error)
	// TryNext returns a notification only when one is already buffered locally.
	TryNext(ctx context.Context) (Notification, bool, error)
	Close(ctx context.Context) error
}

// Counter returns the current population of a watched collection.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}
