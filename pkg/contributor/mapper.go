package contributor

import (
	"fmt"

	"github.com/centichain/contribsync/pkg/changes"
)

// ActionKind is the normalized ledger action derived from a notification.
type ActionKind string

const (
	ActionIgnore ActionKind = "ignore"
	ActionAdmit  ActionKind = "admit"
	ActionRetire ActionKind = "retire"
)

// Action is what the mirror applies to the ledger.
type Action struct {
	Kind     ActionKind
	NodeType NodeType

	// Admit
	PeerID string
	Wallet string

	// Retire
	Retire RetireFilter
}

// KeySource extracts one candidate identity from a notification. ok is false when the
// candidate is absent so the next source in the chain is tried.
type KeySource struct {
	Name    string
	Extract func(n changes.Notification) (value string, ok bool, err error)
}

// PeerIDChain is the ordered fallback used to derive peer_id on admit.
func PeerIDChain(origin changes.Origin) []KeySource {
	field := "peerid"
	if origin == changes.OriginRelay {
		field = "addr"
	}
	return []KeySource{documentKey(), documentField(field)}
}

// RetireChain is the ordered fallback used to key a retire.
func RetireChain() []KeySource {
	return []KeySource{documentKey(), keyField("wallet"), documentField("wallet")}
}

// Map turns a raw notification into a ledger action. It has no side effects.
func Map(origin changes.Origin, n changes.Notification) (Action, error) {
	nodeType := NodeTypeFor(origin)

	switch n.Operation {
	case changes.OpInsert:
		if n.Document == nil {
			return Action{}, ErrMissingDocument
		}
		peerID, _, err := resolve(PeerIDChain(origin), n)
		if err != nil {
			return Action{}, err
		}
		wallet, _, err := stringField(n.Document, "wallet")
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionAdmit, NodeType: nodeType, PeerID: peerID, Wallet: wallet}, nil

	case changes.OpDelete:
		chain := RetireChain()
		value, source, err := resolve(chain, n)
		if err != nil {
			return Action{}, err
		}
		if source == "" {
			return Action{}, ErrNoIdentity
		}
		field := MatchWallet
		if source == chain[0].Name {
			field = MatchPeerID
		}
		return Action{
			Kind:     ActionRetire,
			NodeType: nodeType,
			Retire:   RetireFilter{Field: field, Value: value, NodeType: nodeType},
		}, nil

	default:
		return Action{Kind: ActionIgnore, NodeType: nodeType}, nil
	}
}

// resolve walks chain and returns the first present value and the name of the source that
// produced it. An empty source name means nothing in the chain matched.
func resolve(chain []KeySource, n changes.Notification) (string, string, error) {
	for _, src := range chain {
		v, ok, err := src.Extract(n)
		if err != nil {
			return "", "", fmt.Errorf("%s: %w", src.Name, err)
		}
		if ok {
			return v, src.Name, nil
		}
	}
	return "", "", nil
}

func documentKey() KeySource {
	return KeySource{
		Name: "document_key",
		Extract: func(n changes.Notification) (string, bool, error) {
			return n.Key, n.Key != "", nil
		},
	}
}

func keyField(name string) KeySource {
	return KeySource{
		Name: "key." + name,
		Extract: func(n changes.Notification) (string, bool, error) {
			v, ok, err := stringField(n.KeyFields, name)
			return v, ok && v != "", err
		},
	}
}

func documentField(name string) KeySource {
	return KeySource{
		Name: "document." + name,
		Extract: func(n changes.Notification) (string, bool, error) {
			v, ok, err := stringField(n.Document, name)
			return v, ok && v != "", err
		},
	}
}

func stringField(doc map[string]any, name string) (string, bool, error) {
	raw, ok := doc[name]
	if !ok || raw == nil {
		return "", false, nil
	}
	s, isString := raw.(string)
	if !isString {
		return "", true, fmt.Errorf("%w: field %q is %T, want string", ErrMalformedDocument, name, raw)
	}
	return s, true, nil
}
