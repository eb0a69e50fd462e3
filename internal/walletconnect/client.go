package walletconnect

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"moff.io/wallet-gateway/pkg/bridge"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

var (
	errClientClosed = errors.New("wallet connect client closed")
	errNotApproved  = errors.New("wallet connect session not approved")
)

const eventBuffer = 16

// BridgeDialer connects to a WalletConnect bridge server over websocket.
type BridgeDialer struct {
	WSDialer *websocket.Dialer
}

func NewBridgeDialer() *BridgeDialer {
	return &BridgeDialer{WSDialer: &websocket.Dialer{}}
}

func (d *BridgeDialer) Dial(ctx context.Context, opts Options) (Client, error) {
	encryptionKey, err := bridge.GenerateRandomBytes(bridge.KeySize)
	if err != nil {
		return nil, errors.Wrap(err, "generate session key")
	}
	bridgeURL := opts.RelayURL
	if bridgeURL == "" {
		bridgeURL = bridge.RandomBridgeURL()
	}
	c := newClient(opts, d.WSDialer, bridgeURL, uuid.NewString(), uuid.NewString(), encryptionKey)
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *BridgeDialer) Restore(ctx context.Context, opts Options, topic string, state RestoreState) (Client, error) {
	encryptionKey, err := hex.DecodeString(state["key"])
	if err != nil || len(encryptionKey) != bridge.KeySize {
		return nil, errors.New("restore state has no valid session key")
	}
	clientID, peerID, bridgeURL := state["clientId"], state["peerId"], state["bridge"]
	if topic == "" || clientID == "" || peerID == "" || bridgeURL == "" {
		return nil, errors.New("restore state incomplete")
	}
	c := newClient(opts, d.WSDialer, bridgeURL, topic, clientID, encryptionKey)
	c.peerID = peerID
	c.chainID, _ = strconv.Atoi(state["chainId"])
	c.connectRequested.Store(true)
	if err := c.open(ctx); err != nil {
		return nil, err
	}
	log.Debugf("wallet connect - restored session %v", topic)
	return c, nil
}

type rpcResponse struct {
	result json.RawMessage
	err    error
}

type client struct {
	opts     Options
	wsDialer *websocket.Dialer

	bridgeURL      string
	handshakeTopic string
	clientID       string
	encryptionKey  []byte

	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu               sync.Mutex
	peerID           string
	chainID          int
	accounts         []string
	requested        map[string]Namespace
	sessionRequestID int64
	pending          map[int64]chan rpcResponse

	// None zero value means Connect was already called, recreate the client instead.
	connectRequested atomic.Bool
	closed           atomic.Bool

	events chan Event
	done   chan struct{}
}

func newClient(opts Options, dialer *websocket.Dialer, bridgeURL, handshakeTopic, clientID string, key []byte) *client {
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	return &client{
		opts:           opts,
		wsDialer:       dialer,
		bridgeURL:      bridgeURL,
		handshakeTopic: handshakeTopic,
		clientID:       clientID,
		encryptionKey:  key,
		pending:        make(map[int64]chan rpcResponse),
		events:         make(chan Event, eventBuffer),
		done:           make(chan struct{}),
	}
}

func (c *client) open(ctx context.Context) error {
	wsURL := bridge.WithProjectID(bridge.GetWebSocketUrl(c.bridgeURL, "wc", bridge.Version), c.opts.ProjectID)
	conn, _, err := c.wsDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return errors.Wrap(err, "dial to wallet connect bridge url")
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if err := c.subscribe(c.clientID); err != nil {
		c.cancel()
		_ = conn.Close()
		return err
	}
	go c.readLoop()
	return nil
}

func (c *client) Events() <-chan Event {
	return c.events
}

func (c *client) Connect(ctx context.Context, params ConnectParams) (*Pairing, error) {
	if c.closed.Load() {
		return nil, errClientClosed
	}
	if !c.connectRequested.CAS(false, true) {
		return nil, errors.New("duplicate connect, create a new client instead")
	}
	chainID := chainFromNamespaces(params.RequiredNamespaces)
	jsonRpc := newJSONRpcRequest("wc_sessionRequest", peer{
		PeerID:   c.clientID,
		PeerMeta: newClientMeta(c.opts.Metadata),
		ChainID:  chainID,
	})
	c.mu.Lock()
	c.chainID = chainID
	c.requested = params.RequiredNamespaces
	c.sessionRequestID = jsonRpc.Id
	c.mu.Unlock()

	if err := c.publish(c.handshakeTopic, jsonRpc); err != nil {
		return nil, err
	}
	uri := bridge.BuildURI(c.handshakeTopic, c.bridgeURL, c.encryptionKey)
	log.Debugf("wallet connect - generated uri:%v", uri)
	return &Pairing{URI: uri, Topic: c.handshakeTopic}, nil
}

func (c *client) Request(ctx context.Context, params RequestParams) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, errClientClosed
	}
	c.mu.Lock()
	peerID := c.peerID
	c.mu.Unlock()
	if peerID == "" {
		return nil, errNotApproved
	}

	jsonRpc := newJSONRpcRequest(params.Method, params.Params...)
	ch := make(chan rpcResponse, 1)
	c.mu.Lock()
	c.pending[jsonRpc.Id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, jsonRpc.Id)
		c.mu.Unlock()
	}()

	if err := c.publish(peerID, jsonRpc); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp.result, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, errClientClosed
	}
}

func (c *client) Disconnect(ctx context.Context, params DisconnectParams) error {
	defer c.Close()
	c.mu.Lock()
	peerID := c.peerID
	c.mu.Unlock()
	if peerID == "" || c.closed.Load() {
		return nil
	}
	jsonRpc := newJSONRpcRequest("wc_sessionUpdate", map[string]interface{}{
		"approved": false,
		"chainId":  nil,
		"accounts": nil,
		"message":  params.Reason.Message,
	})
	log.Debugf("wallet connect - disconnect session %v: %v", params.Topic, params.Reason.Message)
	return c.publish(peerID, jsonRpc)
}

func (c *client) RestoreState() RestoreState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RestoreState{
		"key":      hex.EncodeToString(c.encryptionKey),
		"clientId": c.clientID,
		"peerId":   c.peerID,
		"bridge":   c.bridgeURL,
		"chainId":  strconv.Itoa(c.chainID),
	}
}

func (c *client) Close() error {
	if !c.closed.CAS(false, true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *client) readLoop() {
	defer func() {
		close(c.done)
		close(c.events)
		_ = c.Close()
	}()
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				log.Warnf("wallet connect - read from bridge: %v", err)
			}
			return
		}
		switch msgType {
		case websocket.TextMessage:
			log.Debugf("wallet connect - receive:%v", string(data))
			if stop := c.handleMessage(data); stop {
				return
			}
		case websocket.CloseMessage:
			return
		}
	}
}

// handleMessage returns true when the wallet ended the session.
func (c *client) handleMessage(data []byte) bool {
	msg, err := newWCMessageFromBytes(data)
	if err != nil {
		log.Warn(err)
		return false
	}
	if msg.Type != "pub" {
		return false
	}
	if err := c.sessionMessageACK(); err != nil {
		log.Warn(err)
	}
	payload, err := c.decryptJSONRpc(msg)
	if err != nil {
		log.Warnf("wallet connect - drop message: %v", err)
		return false
	}
	if method := gjson.Get(payload, "method"); method.Exists() {
		return c.handleWalletRequest(method.String(), payload)
	}
	id := gjson.Get(payload, "id").Int()
	c.mu.Lock()
	isSessionResponse := id == c.sessionRequestID
	ch := c.pending[id]
	c.mu.Unlock()
	if isSessionResponse {
		c.handleSessionResponse(payload)
		return false
	}
	if ch == nil {
		log.Debugf("wallet connect - no pending request for response %v", id)
		return false
	}
	select {
	case ch <- parseRPCResponse(payload):
	default:
		log.Debugf("wallet connect - duplicate response %v", id)
	}
	return false
}

func parseRPCResponse(payload string) rpcResponse {
	if e := gjson.Get(payload, "error"); e.Exists() {
		msg := e.Get("message").String()
		if msg == "" {
			msg = e.String()
		}
		return rpcResponse{err: &RPCError{Code: e.Get("code").Int(), Message: msg}}
	}
	return rpcResponse{result: json.RawMessage(gjson.Get(payload, "result").Raw)}
}

func (c *client) handleWalletRequest(method, payload string) bool {
	if method != "wc_sessionUpdate" {
		log.Debugf("wallet connect - ignore wallet request %v", method)
		return false
	}
	params := gjson.Get(payload, "params").Array()
	if len(params) == 0 {
		return false
	}
	var update wcSessionParams
	if err := json.Unmarshal([]byte(params[0].Raw), &update); err != nil {
		log.Warnf("wallet connect - decode session update: %v", err)
		return false
	}
	if !update.Approved {
		log.Warnf("wallet connect - session %v closed by wallet", c.handshakeTopic)
		c.emit(SessionDelete{
			Topic:  c.handshakeTopic,
			Reason: Reason{Code: 6000, Message: "Session closed by wallet."},
		})
		return true
	}
	c.mu.Lock()
	if update.ChainID != 0 {
		c.chainID = update.ChainID
	}
	if len(update.Accounts) > 0 {
		c.accounts = update.Accounts
	}
	namespaces := c.namespacesLocked()
	c.mu.Unlock()
	c.emit(SessionUpdate{Topic: c.handshakeTopic, Namespaces: namespaces})
	return false
}

func (c *client) handleSessionResponse(payload string) {
	log.Debugf("wallet connect - create session response:%v", payload)
	if e := gjson.Get(payload, "error"); e.Exists() {
		c.emit(SessionReject{Reason: e.Get("message").String()})
		return
	}
	var result wcSessionParams
	if err := json.Unmarshal([]byte(gjson.Get(payload, "result").Raw), &result); err != nil {
		c.emit(SessionReject{Reason: "unmarshal wallet info: " + err.Error()})
		return
	}
	if !result.Approved {
		c.emit(SessionReject{Reason: "Session Rejected"})
		return
	}
	if len(result.Accounts) == 0 {
		c.emit(SessionReject{Reason: "no wallet accounts acquired"})
		return
	}
	c.mu.Lock()
	c.peerID = result.PeerID
	if result.ChainID != 0 {
		c.chainID = result.ChainID
	}
	c.accounts = result.Accounts
	namespaces := c.namespacesLocked()
	c.mu.Unlock()
	c.emit(SessionConnect{
		Topic:      c.handshakeTopic,
		Namespaces: namespaces,
		Peer:       result.PeerMeta.metadata(),
	})
}

// namespacesLocked maps the v1 chain id/accounts pair to a CAIP-25 namespace.
func (c *client) namespacesLocked() map[string]Namespace {
	chain := fmt.Sprintf("eip155:%d", c.chainID)
	ns := Namespace{Chains: []string{chain}}
	if req, ok := c.requested["eip155"]; ok {
		ns.Methods = append([]string(nil), req.Methods...)
		ns.Events = append([]string(nil), req.Events...)
	}
	for _, a := range c.accounts {
		ns.Accounts = append(ns.Accounts, chain+":"+a)
	}
	return map[string]Namespace{"eip155": ns}
}

func (c *client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *client) sendRequest(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	if err != nil {
		return errors.Wrap(err, "write wallet connect message to server")
	}
	return nil
}

func (c *client) publish(topic string, jsonRpc *jsonRpcRequest) error {
	payload, err := c.encryptJSONRpc(jsonRpc.Marshal())
	if err != nil {
		return err
	}
	msg := wcMessage{
		Topic:   topic,
		Type:    "pub",
		Payload: payload.Marshal(),
		Silent:  jsonRpc.IsSilentPayload(),
	}
	log.Debugf("wallet connect - publish %v to %v", jsonRpc.Method, topic)
	return c.sendRequest(msg.Marshal())
}

func (c *client) subscribe(topic string) error {
	msg := wcMessage{
		Topic:   topic,
		Type:    "sub",
		Payload: "",
		Silent:  true,
	}
	log.Debugf("wallet connect - subscribe session:%v", string(msg.Marshal()))
	return c.sendRequest(msg.Marshal())
}

func (c *client) sessionMessageACK() error {
	msg := wcMessage{
		Topic:   c.clientID,
		Type:    "ack",
		Payload: "",
		Silent:  true,
	}
	return c.sendRequest(msg.Marshal())
}

func (c *client) encryptJSONRpc(jsonRpc string) (*wcMessagePayload, error) {
	iv, err := bridge.GenerateRandomBytes(128 / 8)
	if err != nil {
		return nil, errors.Wrap(err, "generate random bytes")
	}
	data, err := bridge.Aes256Encrypt([]byte(jsonRpc), c.encryptionKey, iv)
	if err != nil {
		return nil, err
	}
	unsigned := append(append([]byte(nil), data...), iv...)
	hmac := bridge.HmacSha256(unsigned, c.encryptionKey)
	return &wcMessagePayload{
		Data: hex.EncodeToString(data),
		IV:   hex.EncodeToString(iv),
		Hmac: hex.EncodeToString(hmac),
	}, nil
}

func (c *client) decryptJSONRpc(msg *wcMessage) (string, error) {
	return decryptPayload(msg.Payload, c.encryptionKey)
}

func decryptPayload(raw string, key []byte) (string, error) {
	mp, err := newWCMessagePayloadFromBytes([]byte(raw))
	if err != nil {
		return "", err
	}
	iv, err := hex.DecodeString(mp.IV)
	if err != nil {
		return "", errors.Wrap(err, "decode iv hex")
	}
	cipherText, err := hex.DecodeString(mp.Data)
	if err != nil {
		return "", errors.Wrap(err, "decode cipher hex")
	}
	mac, err := hex.DecodeString(mp.Hmac)
	if err != nil {
		return "", errors.Wrap(err, "decode hmac hex")
	}
	// 校验hmac一致性
	unsigned := append(append([]byte(nil), cipherText...), iv...)
	if !bridge.VerifyHmac(unsigned, key, mac) {
		return "", errors.New("inconsistent session message hmac")
	}
	data, err := bridge.Aes256Decrypt(cipherText, key, iv)
	if err != nil {
		return "", errors.Wrap(err, "aes256 decrypt")
	}
	return string(data), nil
}

// chainFromNamespaces picks the first eip155 chain reference, defaulting to 1.
func chainFromNamespaces(namespaces map[string]Namespace) int {
	ns, ok := namespaces["eip155"]
	if !ok {
		return 1
	}
	for _, chain := range ns.Chains {
		if id, err := ParseChainID(chain); err == nil {
			return id
		}
	}
	return 1
}
