package reporter

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	msgTypeText     = "text"
	msgTypeMarkdown = "markdown"

	sendTimeout = 5 * time.Second
)

// DingTalkRobot 钉钉自定义机器人
// 消息格式参考 https://github.com/royeo/dingrobot
type DingTalkRobot interface {
	SendText(content string, atMobiles []string, isAtAll bool) error
	SendMarkdown(title, text string, atMobiles []string, isAtAll bool) error
}

type atParams struct {
	AtMobiles []string `json:"atMobiles,omitempty"`
	IsAtAll   bool     `json:"isAtAll,omitempty"`
}

type textMessage struct {
	MsgType string     `json:"msgtype"`
	Text    textParams `json:"text"`
	At      atParams   `json:"at"`
}

type textParams struct {
	Content string `json:"content"`
}

type markdownMessage struct {
	MsgType  string         `json:"msgtype"`
	Markdown markdownParams `json:"markdown"`
	At       atParams       `json:"at"`
}

type markdownParams struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type dingResponse struct {
	Errcode int    `json:"errcode"`
	Errmsg  string `json:"errmsg"`
}

type dingTalkRobot struct {
	webHook string
	secret  string
	client  *http.Client
	now     func() time.Time
}

// NewDingTalkRobot secret为空时不加签
func NewDingTalkRobot(webHook, secret string) DingTalkRobot {
	return &dingTalkRobot{
		webHook: webHook,
		secret:  secret,
		client:  &http.Client{Timeout: sendTimeout},
		now:     time.Now,
	}
}

func (r *dingTalkRobot) SendText(content string, atMobiles []string, isAtAll bool) error {
	return r.send(&textMessage{
		MsgType: msgTypeText,
		Text:    textParams{Content: content},
		At:      atParams{AtMobiles: atMobiles, IsAtAll: isAtAll},
	})
}

func (r *dingTalkRobot) SendMarkdown(title, text string, atMobiles []string, isAtAll bool) error {
	return r.send(&markdownMessage{
		MsgType:  msgTypeMarkdown,
		Markdown: markdownParams{Title: title, Text: text},
		At:       atParams{AtMobiles: atMobiles, IsAtAll: isAtAll},
	})
}

func (r *dingTalkRobot) send(msg interface{}) error {
	m, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	webURL := r.webHook
	if r.secret != "" {
		webURL += signedQuery(r.secret, r.now())
	}
	resp, err := r.client.Post(webURL, "application/json", bytes.NewReader(m))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dingtalk robot: http %d", resp.StatusCode)
	}
	var dr dingResponse
	if err := json.Unmarshal(data, &dr); err != nil {
		return err
	}
	if dr.Errcode != 0 {
		return fmt.Errorf("dingtalk robot: %v", dr.Errmsg)
	}
	return nil
}

// signedQuery 加签参数: timestamp为毫秒，sign为 base64(hmac_sha256("timestamp\nsecret"))
func signedQuery(secret string, now time.Time) string {
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return "&timestamp=" + ts + "&sign=" + url.QueryEscape(sign(ts, secret))
}

func sign(timestamp, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
