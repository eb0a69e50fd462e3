package walletconnect

import (
	"context"
	"encoding/json"
)

// Client is one protocol connection. Each gateway session owns exactly one
// Client; events raised by it belong to that session only.
// 交互流程见文档：https://docs.walletconnect.com/tech-spec#establishing-connection
type Client interface {
	// Connect starts a handshake and returns the pairing URI. Approval arrives
	// later on Events as SessionConnect or SessionReject.
	Connect(ctx context.Context, params ConnectParams) (*Pairing, error)

	// Request sends a JSON-RPC request to the wallet and waits for its result.
	Request(ctx context.Context, params RequestParams) (json.RawMessage, error)

	// Disconnect tells the wallet the session is over and releases the client.
	Disconnect(ctx context.Context, params DisconnectParams) error

	// Events delivers protocol events. Closed when the client is closed.
	Events() <-chan Event

	// RestoreState is the opaque data a Dialer needs to rebuild this client.
	RestoreState() RestoreState

	Close() error
}

// Dialer creates clients: Dial is the protocol init, Restore rebuilds an
// approved session after a process restart.
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Client, error)
	Restore(ctx context.Context, opts Options, topic string, state RestoreState) (Client, error)
}

type Options struct {
	ProjectID string
	RelayURL  string
	Metadata  Metadata
}

type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

// Namespace follows the CAIP-25 shape: chains as "eip155:1", accounts as
// "eip155:1:0xabc".
type Namespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

func (n Namespace) Clone() Namespace {
	return Namespace{
		Chains:   append([]string(nil), n.Chains...),
		Accounts: append([]string(nil), n.Accounts...),
		Methods:  append([]string(nil), n.Methods...),
		Events:   append([]string(nil), n.Events...),
	}
}

type RestoreState map[string]string

type ConnectParams struct {
	RequiredNamespaces map[string]Namespace
}

type Pairing struct {
	URI   string
	Topic string
}

type RequestParams struct {
	Topic string
	// ChainID in CAIP-2 form, e.g. "eip155:1".
	ChainID string
	Method  string
	Params  []interface{}
}

type DisconnectParams struct {
	Topic  string
	Reason Reason
}

type Reason struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ReasonUserDisconnected is sent when the user or operator ends a session.
var ReasonUserDisconnected = Reason{Code: 6000, Message: "User disconnected."}

// RPCError is a JSON-RPC error returned by the wallet.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return e.Message
}
