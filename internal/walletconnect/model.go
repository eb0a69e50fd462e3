package walletconnect

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
)

// wcSessionParams is the result of an approved wc_sessionRequest and the
// param of wc_sessionUpdate.
type wcSessionParams struct {
	Approved bool       `json:"approved"`
	ChainID  int        `json:"chainId"`
	Accounts []string   `json:"accounts"`
	PeerID   string     `json:"peerId,omitempty"`
	PeerMeta clientMeta `json:"peerMeta"`
}

type wcMessagePayload struct {
	Data string `json:"data"`
	Hmac string `json:"hmac"`
	IV   string `json:"iv"`
}

func newWCMessagePayloadFromBytes(data []byte) (*wcMessagePayload, error) {
	var payload wcMessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message payload")
	}
	return &payload, nil
}

func (e *wcMessagePayload) Marshal() string {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return string(s)
}

type peer struct {
	PeerID   string      `json:"peerId"`
	PeerMeta clientMeta  `json:"peerMeta"`
	ChainID  interface{} `json:"chainId"`
}

type clientMeta struct {
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
	Name        string   `json:"name"`
}

func newClientMeta(m Metadata) clientMeta {
	return clientMeta{Description: m.Description, URL: m.URL, Icons: m.Icons, Name: m.Name}
}

func (m clientMeta) metadata() Metadata {
	return Metadata{Name: m.Name, Description: m.Description, URL: m.URL, Icons: m.Icons}
}

type wcMessage struct {
	Topic string `json:"topic"`
	// pub sub ack
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Silent  bool   `json:"silent"`
}

func newWCMessageFromBytes(data []byte) (*wcMessage, error) {
	var msg wcMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal wallet connect message")
	}
	return &msg, nil
}

func (msg *wcMessage) Marshal() []byte {
	bytes, _ := json.Marshal(msg)
	return bytes
}

type jsonRpcRequest struct {
	Id      int64         `json:"id"`
	JSONRpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func newJSONRpcRequest(method string, params ...interface{}) *jsonRpcRequest {
	r := &jsonRpcRequest{
		Id:      payloadID(),
		JSONRpc: "2.0",
		Method:  method,
		Params:  []interface{}{},
	}
	if len(params) > 0 {
		r.Params = params
	}
	return r
}

func (e *jsonRpcRequest) Marshal() string {
	s, err := json.Marshal(e)
	if err != nil {
		log.Errorf("marshal:%v", err)
	}
	return string(s)
}

// IsSilentPayload wc_ 前缀的内部请求不需要钱包推送通知
func (e *jsonRpcRequest) IsSilentPayload() bool {
	return strings.HasPrefix(e.Method, "wc_")
}

var lastPayloadID int64

// payloadID 基于微秒时间戳，保证进程内单调递增
func payloadID() int64 {
	for {
		last := atomic.LoadInt64(&lastPayloadID)
		next := time.Now().UnixNano() / 1000
		if next <= last {
			next = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastPayloadID, last, next) {
			return next
		}
	}
}
