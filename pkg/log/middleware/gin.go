package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"moff.io/wallet-gateway/pkg/common"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
	"moff.io/wallet-gateway/pkg/log/meta"
)

const RequestIDHeader = "X-Request-Id"

// responseBodyWriter 记录响应体用于日志
type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (r responseBodyWriter) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

type httpInfo struct {
	Method        string                 `json:"method"`
	Path          string                 `json:"path"`
	RemoteAddr    string                 `json:"remote_addr,omitempty"`
	Headers       map[string]string      `json:"headers,omitempty"`
	Meta          map[string]interface{} `json:"meta,omitempty"`
	Status        int                    `json:"status"`
	Error         string                 `json:"error,omitempty"`
	ExecutionTime string                 `json:"execution_time"`
}

func (i *httpInfo) String() string {
	return common.MustGetJSONString(i)
}

// RecoveredHTTPLog 请求日志拦截器：注入请求元信息，恢复panic，按响应状态打印日志
func RecoveredHTTPLog() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		rctx := meta.Begin(ctx.Request.Context())
		ctx.Request = ctx.Request.WithContext(rctx)
		requestID := ctx.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = common.NewCutUUIDString()
		}
		meta.WithValue(rctx, meta.RequestID, requestID)
		ctx.Header(RequestIDHeader, requestID)

		w := &responseBodyWriter{body: &bytes.Buffer{}, ResponseWriter: ctx.Writer}
		ctx.Writer = w

		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				log.Error(errors.ErrorfAndReport("%v", r))
			}
			logHTTP(ctx, w, start)
		}()
		ctx.Next()
	}
}

const defaultRequestTimeout = 60 * time.Second

// TimeoutHTTP 为请求上下文设置超时
func TimeoutHTTP(timeout ...time.Duration) gin.HandlerFunc {
	d := defaultRequestTimeout
	if len(timeout) != 0 && timeout[0] > 0 {
		d = timeout[0]
	}
	return func(ctx *gin.Context) {
		timeoutCtx, cancel := context.WithTimeout(ctx.Request.Context(), d)
		defer cancel()
		ctx.Request = ctx.Request.WithContext(timeoutCtx)
		ctx.Next()
	}
}

func logHTTP(ctx *gin.Context, w *responseBodyWriter, start time.Time) {
	// handler未写响应时返回内部错误
	if !ctx.Writer.Written() {
		ctx.JSON(http.StatusInternalServerError, map[string]interface{}{
			"success": false,
			"error":   "server internal error",
		})
	}
	status := w.Status()
	info := &httpInfo{
		Method:        ctx.Request.Method,
		Path:          ctx.Request.URL.Path,
		RemoteAddr:    common.TrimIP(ctx.ClientIP()),
		Meta:          meta.Fields(ctx.Request.Context()),
		Status:        status,
		Error:         responseError(w.body.Bytes()),
		ExecutionTime: time.Since(start).Round(time.Millisecond).String(),
	}
	switch {
	case status < http.StatusBadRequest:
		log.Info(info)
	case status >= http.StatusInternalServerError:
		info.Headers = requestHeaderFilter(ctx.Request.Header)
		log.Error(info)
	default:
		log.Warn(info)
	}
}

func responseError(body []byte) string {
	var resp struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &resp)
	return resp.Error
}

var excludedHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
	"token":         true,
	"access-token":  true,
}

func requestHeaderFilter(headers map[string][]string) map[string]string {
	filtered := make(map[string]string)
	for k, v := range headers {
		k = strings.ToLower(k)
		if excludedHeaders[k] {
			continue
		}
		filtered[k] = strings.Join(v, ";")
	}
	return filtered
}
