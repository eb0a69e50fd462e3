package gateway

import (
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"moff.io/wallet-gateway/pkg/log"
)

type EventKind string

const (
	KindConnected          EventKind = "connected"
	KindDisconnected       EventKind = "disconnected"
	KindSessionUpdated     EventKind = "session_updated"
	KindChainChanged       EventKind = "chain_changed"
	KindAccountsChanged    EventKind = "accounts_changed"
	KindConnectionTimeout  EventKind = "connection_timeout"
	KindConnectionRejected EventKind = "connection_rejected"
	KindTransactionSent    EventKind = "transaction_sent"
	KindMessageSigned      EventKind = "message_signed"
	KindTypedDataSigned    EventKind = "typed_data_signed"
	KindContractRead       EventKind = "contract_read"
	KindContractCalled     EventKind = "contract_called"
	KindGasEstimated       EventKind = "gas_estimated"
	KindError              EventKind = "error"
)

// Event is the gateway vocabulary, independent of the protocol client's own
// events. The set of variants is closed.
type Event interface {
	Kind() EventKind
	User() string
	gatewayEvent()
}

type Connected struct {
	UserID  string `json:"userId"`
	Topic   string `json:"topic"`
	Address string `json:"address"`
	ChainID int    `json:"chainId"`
	Peer    string `json:"peer,omitempty"`
}

type Disconnected struct {
	UserID string `json:"userId"`
	Topic  string `json:"topic,omitempty"`
	Reason string `json:"reason"`
}

type SessionUpdated struct {
	UserID   string   `json:"userId"`
	Topic    string   `json:"topic"`
	Accounts []string `json:"accounts"`
}

type ChainChanged struct {
	UserID  string `json:"userId"`
	ChainID int    `json:"chainId"`
}

type AccountsChanged struct {
	UserID  string `json:"userId"`
	Address string `json:"address"`
}

type ConnectionTimeout struct {
	UserID    string        `json:"userId"`
	Timeout   time.Duration `json:"-"`
	TimeoutMs int64         `json:"timeoutMs"`
}

type ConnectionRejected struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

type TransactionSent struct {
	UserID string `json:"userId"`
	Hash   string `json:"hash"`
}

type MessageSigned struct {
	UserID    string `json:"userId"`
	Signature string `json:"signature"`
}

type TypedDataSigned struct {
	UserID      string `json:"userId"`
	PrimaryType string `json:"primaryType"`
	Signature   string `json:"signature"`
}

type ContractRead struct {
	UserID   string `json:"userId"`
	Contract string `json:"contract"`
	Function string `json:"function"`
}

type ContractCalled struct {
	UserID   string `json:"userId"`
	Contract string `json:"contract"`
	Function string `json:"function"`
	Hash     string `json:"hash"`
}

type GasEstimated struct {
	UserID   string `json:"userId"`
	Contract string `json:"contract"`
	Function string `json:"function"`
	Gas      uint64 `json:"gas"`
}

// Error reports a failure that has no caller to return to, e.g. a
// persistence error inside an event handler.
type Error struct {
	UserID string `json:"userId"`
	Op     string `json:"op"`
	Err    string `json:"error"`
}

func (Connected) Kind() EventKind          { return KindConnected }
func (Disconnected) Kind() EventKind       { return KindDisconnected }
func (SessionUpdated) Kind() EventKind     { return KindSessionUpdated }
func (ChainChanged) Kind() EventKind       { return KindChainChanged }
func (AccountsChanged) Kind() EventKind    { return KindAccountsChanged }
func (ConnectionTimeout) Kind() EventKind  { return KindConnectionTimeout }
func (ConnectionRejected) Kind() EventKind { return KindConnectionRejected }
func (TransactionSent) Kind() EventKind    { return KindTransactionSent }
func (MessageSigned) Kind() EventKind      { return KindMessageSigned }
func (TypedDataSigned) Kind() EventKind    { return KindTypedDataSigned }
func (ContractRead) Kind() EventKind       { return KindContractRead }
func (ContractCalled) Kind() EventKind     { return KindContractCalled }
func (GasEstimated) Kind() EventKind       { return KindGasEstimated }
func (Error) Kind() EventKind              { return KindError }

func (e Connected) User() string          { return e.UserID }
func (e Disconnected) User() string       { return e.UserID }
func (e SessionUpdated) User() string     { return e.UserID }
func (e ChainChanged) User() string       { return e.UserID }
func (e AccountsChanged) User() string    { return e.UserID }
func (e ConnectionTimeout) User() string  { return e.UserID }
func (e ConnectionRejected) User() string { return e.UserID }
func (e TransactionSent) User() string    { return e.UserID }
func (e MessageSigned) User() string      { return e.UserID }
func (e TypedDataSigned) User() string    { return e.UserID }
func (e ContractRead) User() string       { return e.UserID }
func (e ContractCalled) User() string     { return e.UserID }
func (e GasEstimated) User() string       { return e.UserID }
func (e Error) User() string              { return e.UserID }

func (Connected) gatewayEvent()          {}
func (Disconnected) gatewayEvent()       {}
func (SessionUpdated) gatewayEvent()     {}
func (ChainChanged) gatewayEvent()       {}
func (AccountsChanged) gatewayEvent()    {}
func (ConnectionTimeout) gatewayEvent()  {}
func (ConnectionRejected) gatewayEvent() {}
func (TransactionSent) gatewayEvent()    {}
func (MessageSigned) gatewayEvent()      {}
func (TypedDataSigned) gatewayEvent()    {}
func (ContractRead) gatewayEvent()       {}
func (ContractCalled) gatewayEvent()     {}
func (GasEstimated) gatewayEvent()       {}
func (Error) gatewayEvent()              {}

type Handler func(Event)

// emitter fans events out synchronously. A panicking handler is logged and
// does not affect the others.
type emitter struct {
	mu       sync.RWMutex
	seq      int
	handlers map[int]Handler
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[int]Handler)}
}

func (e *emitter) on(h Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	id := e.seq
	e.handlers[id] = h
	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		e.call(h, ev)
	}
}

func (e *emitter) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("gateway - %v handler panic: %v\n%s", ev.Kind(), r, debug.Stack())
		}
	}()
	h(ev)
}
