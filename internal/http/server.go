package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v9"

	"moff.io/wallet-gateway/internal/config"
	"moff.io/wallet-gateway/internal/gateway"
	"moff.io/wallet-gateway/pkg/common"
	"moff.io/wallet-gateway/pkg/errors"
	"moff.io/wallet-gateway/pkg/log"
	"moff.io/wallet-gateway/pkg/log/meta"
	"moff.io/wallet-gateway/pkg/log/middleware"
)

const shutdownTimeout = 10 * time.Second

var ErrRateLimited = errors.New("too many connection requests")

// Server exposes the gateway's session surface over HTTP.
type Server struct {
	gateway   *gateway.Gateway
	limiter   *redis_rate.Limiter
	addr      string
	perMinute int

	router *gin.Engine
	srv    *http.Server
}

// NewServer limiter may be nil, connection requests are then unlimited.
func NewServer(g *gateway.Gateway, limiter *redis_rate.Limiter) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		gateway: g,
		limiter: limiter,
		addr:    ":8080",
		router:  gin.New(),
	}
	s.routes()
	return s
}

// Apply 读取监听地址与连接限流配置
func (s *Server) Apply(c *config.Configuration) {
	if c.HTTP.Addr != "" {
		s.addr = c.HTTP.Addr
	}
	s.perMinute = c.HTTP.ConnectPerMinute
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.Use(middleware.RecoveredHTTPLog(), middleware.TimeoutHTTP())
	s.router.GET("/health", s.health)
	s.router.GET("/sessions", s.listSessions)
	s.router.GET("/sessions/:id", tagUser, s.getSession)
	s.router.DELETE("/sessions/:id", tagUser, s.disconnect)
	s.router.POST("/connect", s.connect)
	s.router.GET("/connect/:id/wait", tagUser, s.waitForConnection)
	s.router.POST("/codec/encode", s.encode)
	s.router.POST("/codec/decode", s.decode)
}

// tagUser 将路径中的用户id写入请求日志
func tagUser(ctx *gin.Context) {
	meta.WithValue(ctx.Request.Context(), meta.UserID, ctx.Param("id"))
}

func (s *Server) Start(ctx context.Context) {
	s.srv = &http.Server{Addr: s.addr, Handler: s.router}
	go func() {
		log.Infof("http server listening on %v", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(errors.WrapAndReport(err, "http server"))
		}
	}()
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown http server: %v", err)
	}
}

// statusOf maps a failure class onto an HTTP status.
func statusOf(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, gateway.ErrInvalidInput), errors.Is(err, gateway.ErrInvalidURI), errors.Is(err, gateway.ErrCodec):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, gateway.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, gateway.ErrTransport):
		return http.StatusBadGateway
	case errors.Is(err, gateway.ErrDestroyed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respond(ctx *gin.Context, r gateway.Result, body interface{}) {
	ctx.JSON(statusOf(r.Err), body)
}

func abort(ctx *gin.Context, err error) {
	ctx.AbortWithStatusJSON(statusOf(err), map[string]interface{}{
		"success": false,
		"error":   err.Error(),
	})
}

func (s *Server) health(ctx *gin.Context) {
	st := s.gateway.Stats(ctx.Request.Context())
	code := http.StatusOK
	if !st.Store.Connected {
		code = http.StatusServiceUnavailable
	}
	ctx.JSON(code, st)
}

func (s *Server) listSessions(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, map[string]interface{}{
		"sessions": s.gateway.Sessions(),
	})
}

func (s *Server) getSession(ctx *gin.Context) {
	userID := ctx.Param("id")
	sess, ok := s.gateway.Session(userID)
	if !ok {
		abort(ctx, errors.Wrapf(gateway.ErrNotFound, "no session for %v", userID))
		return
	}
	ctx.JSON(http.StatusOK, map[string]interface{}{
		"session":   sess,
		"connected": s.gateway.IsConnected(userID),
	})
}

func (s *Server) disconnect(ctx *gin.Context) {
	r := s.gateway.Disconnect(ctx.Request.Context(), ctx.Param("id"))
	respond(ctx, r, r)
}

type connectBody struct {
	UserID  string   `json:"userId" binding:"required"`
	ChainID int      `json:"chainId"`
	Methods []string `json:"methods"`
	Events  []string `json:"events"`
}

// allow 按用户限制连接请求
func (s *Server) allow(ctx context.Context, userID string) error {
	if s.limiter == nil || s.perMinute <= 0 {
		return nil
	}
	res, err := s.limiter.Allow(ctx, "connect:"+userID, redis_rate.PerMinute(s.perMinute))
	if err != nil {
		// 限流依赖redis，redis不可用时放行
		log.Warnf("connect rate limiter: %v", err)
		return nil
	}
	if res.Allowed == 0 {
		return errors.Wrapf(ErrRateLimited, "retry after %v", res.RetryAfter.Round(time.Second))
	}
	return nil
}

func (s *Server) connect(ctx *gin.Context) {
	var body connectBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		abort(ctx, errors.Wrapf(gateway.ErrInvalidInput, "%v", err))
		return
	}
	meta.WithValue(ctx.Request.Context(), meta.UserID, body.UserID)
	if err := s.allow(ctx.Request.Context(), body.UserID); err != nil {
		log.WarnCtxf(ctx.Request.Context(), "connect from %v: %v", common.TrimIP(ctx.ClientIP()), err)
		abort(ctx, err)
		return
	}
	r := s.gateway.Connect(ctx.Request.Context(), gateway.ConnectRequest{
		UserID:  body.UserID,
		ChainID: body.ChainID,
		Methods: body.Methods,
		Events:  body.Events,
	})
	respond(ctx, r.Result, r)
}

func (s *Server) waitForConnection(ctx *gin.Context) {
	r := s.gateway.WaitForConnection(ctx.Request.Context(), ctx.Param("id"))
	respond(ctx, r.Result, r)
}

type encodeBody struct {
	gateway.ContractRef
	Function string        `json:"function" binding:"required"`
	Args     []interface{} `json:"args"`
}

func (s *Server) encode(ctx *gin.Context) {
	var body encodeBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		abort(ctx, errors.Wrapf(gateway.ErrInvalidInput, "%v", err))
		return
	}
	r := s.gateway.EncodeFunction(body.ContractRef, body.Function, body.Args...)
	respond(ctx, r.Result, r)
}

type decodeBody struct {
	gateway.ContractRef
	Function string `json:"function"`
	Data     string `json:"data" binding:"required"`
}

func (s *Server) decode(ctx *gin.Context) {
	var body decodeBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		abort(ctx, errors.Wrapf(gateway.ErrInvalidInput, "%v", err))
		return
	}
	r := s.gateway.DecodeFunction(body.ContractRef, body.Function, body.Data)
	respond(ctx, r.Result, r)
}
