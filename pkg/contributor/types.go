// Package contributor maps node-operator change notifications onto the contributor ledger.
package contributor

import (
	"context"
	"errors"
	"time"

	"github.com/centichain/contribsync/pkg/changes"
)

// NodeType tags a ledger record with the collection it was mirrored from.
type NodeType string

const (
	NodeTypeValidator NodeType = "validator"
	NodeTypeRelay     NodeType = "relay"
)

// NodeTypeFor returns the node type fixed for an origin.
func NodeTypeFor(origin changes.Origin) NodeType {
	if origin == changes.OriginRelay {
		return NodeTypeRelay
	}
	return NodeTypeValidator
}

// Record is a mirrored contributor. A nil DeactiveDate marks the record active.
type Record struct {
	PeerID       string     `bson:"peer_id" json:"peer_id"`
	Wallet       string     `bson:"wallet" json:"wallet"`
	NodeType     NodeType   `bson:"node_type" json:"node_type"`
	JoinDate     time.Time  `bson:"join_date" json:"join_date"`
	DeactiveDate *time.Time `bson:"deactive_date" json:"deactive_date"`
}

// Active reports whether the record has not been retired.
func (r Record) Active() bool { return r.DeactiveDate == nil }

// MatchField is the record field a retire is keyed on.
type MatchField string

const (
	MatchPeerID MatchField = "peer_id"
	MatchWallet MatchField = "wallet"
)

// RetireFilter selects the active records a retire stamps.
type RetireFilter struct {
	Field    MatchField
	Value    string
	NodeType NodeType
}

// Ledger is the target store. Implementations must be safe for concurrent use and rely only on
// single-statement atomicity.
type Ledger interface {
	// Insert appends a record unconditionally.
	Insert(ctx context.Context, rec Record) error
	// Deactivate sets deactive_date=at on every active record matching f and returns how many changed.
	Deactivate(ctx context.Context, f RetireFilter, at time.Time) (int64, error)
}

var (
	ErrMissingDocument   = errors.New("insert notification has no document")
	ErrMalformedDocument = errors.New("malformed document")
	ErrNoIdentity        = errors.New("delete notification carries no usable identity")
	ErrInvalidMatchField = errors.New("invalid retire match field")
)
