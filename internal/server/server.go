// Package server exposes the realtime websocket endpoint and the HTTP API of
// the gateway.
package server

import (
	"net/http"

	"github.com/amoylab/pulsegate/internal/auth"
	"github.com/amoylab/pulsegate/internal/common/cnst"
	"github.com/amoylab/pulsegate/internal/common/config"
	"github.com/amoylab/pulsegate/internal/realtime/broker"
	"github.com/amoylab/pulsegate/internal/upstream"
	"github.com/amoylab/pulsegate/pkg/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

const (
	pathHealthCheck = "/health_check"
	pathWebSocket   = "/ws"
)

// Server represents the gateway HTTP surface
type Server struct {
	logger        *zap.Logger
	cfg           *config.GatewayConfig
	broker        *broker.Broker
	upstream      *upstream.Client
	verifier      *auth.APIKeyVerifier
	authenticator auth.Authenticator
	metrics       *metrics.Metrics
	upgrader      websocket.Upgrader
}

// NewServer creates the HTTP surface; m may be nil when metrics are disabled
func NewServer(logger *zap.Logger, cfg *config.GatewayConfig, b *broker.Broker, up *upstream.Client, m *metrics.Metrics) *Server {
	verifier := auth.NewAPIKeyVerifier(cfg.APIKey)
	return &Server{
		logger:        logger.Named("server"),
		cfg:           cfg,
		broker:        b,
		upstream:      up,
		verifier:      verifier,
		authenticator: auth.NewAPIKeyAuthenticator(verifier),
		metrics:       m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler builds the gin engine with every route registered
func (s *Server) Handler() http.Handler {
	router := gin.New()
	if s.cfg.Tracing.Enabled {
		router.Use(otelgin.Middleware(cnst.AppName))
	}
	if s.metrics != nil {
		router.Use(s.metrics.Middleware())
	}
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers the gateway routes with the given router
func (s *Server) RegisterRoutes(router *gin.Engine) {
	router.Use(requestIDMiddleware())
	router.Use(s.loggerMiddleware())
	router.Use(s.recoveryMiddleware())

	router.GET(pathHealthCheck, s.handleHealthCheck)
	router.GET(pathWebSocket, s.handleWebSocket)

	api := router.Group("/api")
	api.GET("/ws/stats", s.handleStats)

	authed := api.Group("", s.authMiddleware(s.authenticator))
	authed.POST("/events", s.handlePublish)
	authed.POST("/chat/stream", s.handleChatStream)
	authed.POST("/tools/execute", s.handleExecuteTool)

	if s.metrics != nil && s.cfg.Metrics.Path != "" {
		router.GET(s.cfg.Metrics.Path, gin.WrapH(s.metrics.Handler()))
	}
}
