package walletconnect

import (
	"encoding/json"
	"sort"
)

// Event is the protocol-level vocabulary. The gateway translates these into
// its own events.
type Event interface {
	protocolEvent()
}

// SessionConnect is raised when the wallet approves the handshake.
type SessionConnect struct {
	Topic      string
	Namespaces map[string]Namespace
	Peer       Metadata
}

// SessionReject is raised when the wallet refuses the handshake.
type SessionReject struct {
	Reason string
}

// SessionUpdate carries new namespaces for an approved session.
type SessionUpdate struct {
	Topic      string
	Namespaces map[string]Namespace
}

// SessionEvent is a wallet-emitted event such as chainChanged.
type SessionEvent struct {
	Topic   string
	ChainID string
	Name    string
	Data    json.RawMessage
}

type SessionDelete struct {
	Topic  string
	Reason Reason
}

func (SessionConnect) protocolEvent() {}
func (SessionReject) protocolEvent()  {}
func (SessionUpdate) protocolEvent()  {}
func (SessionEvent) protocolEvent()   {}
func (SessionDelete) protocolEvent()  {}

// Accounts flattens the accounts of every namespace.
func Accounts(namespaces map[string]Namespace) []string {
	keys := make([]string, 0, len(namespaces))
	for k := range namespaces {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		out = append(out, namespaces[k].Accounts...)
	}
	return out
}
