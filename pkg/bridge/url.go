package bridge

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"time"
)

// 第一步：建立链接
// 	存在URI的情况下，订阅会话请求
// 第二步：对方链接未建立的情况下createSession(): 构建jsonrpc的请求，加密后发布至握手topic
//		加密规则:https://github.com/WalletConnect/walletconnect-monorepo/blob/6d440e7990ecfab3b1dca10a8ff45f72af0e1541/legacy/client/src/crypto.ts#L39
// 第三步：订阅connect\session_update\disconnect事件

const (
	alphanumerical  = "abcdefghijklmnopqrstuvwxyz0123456789"
	bridgeURLFormat = "https://%v.bridge.walletconnect.org"

	// Scheme 连接URI的协议头
	Scheme  = "wc:"
	Version = "1"
)

var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

func RandomBridgeURL() string {
	n := rnd.Intn(len(alphanumerical))
	c := alphanumerical[n]
	return fmt.Sprintf(bridgeURLFormat, string(c))
}

func GetWebSocketUrl(bridgeURL, protocol, version string) string {
	switch {
	case strings.HasPrefix(bridgeURL, "https"):
		bridgeURL = strings.Replace(bridgeURL, "https", "wss", 1)
	case strings.HasPrefix(bridgeURL, "http"):
		bridgeURL = strings.Replace(bridgeURL, "http", "ws", 1)
	}
	return bridgeURL + "?protocol=" + protocol + "&version=" + version + "&env=gateway"
}

// WithProjectID 在websocket地址上附加项目凭证，relay据此鉴权
func WithProjectID(wsURL, projectID string) string {
	if projectID == "" {
		return wsURL
	}
	sep := "?"
	if strings.Contains(wsURL, "?") {
		sep = "&"
	}
	return wsURL + sep + "projectId=" + url.QueryEscape(projectID)
}

// BuildURI 生成钱包扫码使用的连接URI
func BuildURI(handshakeTopic, bridgeURL string, key []byte) string {
	return fmt.Sprintf("%s%s@%s?bridge=%s&key=%s",
		Scheme, handshakeTopic, Version, url.QueryEscape(bridgeURL), hex.EncodeToString(key))
}

// URI 连接URI的解析结果
type URI struct {
	Topic   string
	Version string
	Bridge  string
	Key     []byte
}

// ParseURI 解析 wc:{topic}@{version}?bridge={url}&key={hex}
func ParseURI(raw string) (*URI, error) {
	if !strings.HasPrefix(raw, Scheme) {
		return nil, fmt.Errorf("uri %q does not start with %v", raw, Scheme)
	}
	rest := strings.TrimPrefix(raw, Scheme)
	at := strings.Index(rest, "@")
	q := strings.Index(rest, "?")
	if at <= 0 || q < at {
		return nil, fmt.Errorf("malformed uri %q", raw)
	}
	values, err := url.ParseQuery(rest[q+1:])
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(values.Get("key"))
	if err != nil {
		return nil, fmt.Errorf("decode uri key: %v", err)
	}
	return &URI{
		Topic:   rest[:at],
		Version: rest[at+1 : q],
		Bridge:  values.Get("bridge"),
		Key:     key,
	}, nil
}
