package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenLightCore/internal/api/websocket"
	"github.com/KevinKickass/OpenLightCore/internal/auth"
	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/devices"
	"github.com/KevinKickass/OpenLightCore/internal/discovery"
	"github.com/KevinKickass/OpenLightCore/internal/interfaces"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/stream"
	"github.com/KevinKickass/OpenLightCore/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultLinkInterval = time.Second
	defaultLinkAttempts = 30
)

type Server struct {
	router      *gin.Engine
	lm          interfaces.LifecycleManager
	logger      *zap.Logger
	server      *http.Server
	wsHub       *websocket.Hub
	authService *auth.AuthService
	validator   *devices.Validator

	// bridge/panel pairing
	linkClient   devices.HTTPDoer
	linkInterval time.Duration
	linkAttempts int
}

func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, validator *devices.Validator, logger *zap.Logger, wsHub *websocket.Hub, authService *auth.AuthService) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router:       gin.New(),
		lm:           lm,
		logger:       logger.Named("rest"),
		wsHub:        wsHub,
		authService:  authService,
		validator:    validator,
		linkClient:   &http.Client{Timeout: 5 * time.Second},
		linkInterval: defaultLinkInterval,
		linkAttempts: defaultLinkAttempts,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: time.Duration(defaultLinkAttempts+5) * defaultLinkInterval,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		// ==================== WEBSOCKET (auth via first message) ====================
		v1.GET("/ws/live", s.wsLiveConnection)

		api := v1.Group("")
		api.Use(s.authService.AuthMiddleware())

		// ==================== STATUS & MODE ====================
		api.GET("/status", auth.RequirePermission(auth.PermViewer), s.getStatus)
		api.GET("/mode", auth.RequirePermission(auth.PermViewer), s.getMode)
		api.POST("/mode", auth.RequirePermission(auth.PermOperator), s.setMode)
		api.GET("/group", auth.RequirePermission(auth.PermViewer), s.getGroup)
		api.PUT("/group", auth.RequirePermission(auth.PermOperator), s.setGroup)
		api.GET("/subscribers", auth.RequirePermission(auth.PermViewer), s.listSubscribers)
		api.GET("/ws/status", auth.RequirePermission(auth.PermViewer), s.wsStatus)

		// ==================== DEVICES ====================
		devicesGroup := api.Group("/devices")
		{
			devicesGroup.GET("", auth.RequirePermission(auth.PermViewer), s.listDevices)
			devicesGroup.GET("/:id", auth.RequirePermission(auth.PermViewer), s.getDevice)

			devicesGroup.PUT("/:id", auth.RequirePermission(auth.PermOperator), s.updateDevice)
			devicesGroup.POST("/:id/refresh", auth.RequirePermission(auth.PermOperator), s.refreshDevice)
			devicesGroup.POST("/:id/flash", auth.RequirePermission(auth.PermOperator), s.flashDevice)
			devicesGroup.POST("/:id/link", auth.RequirePermission(auth.PermOperator), s.linkDevice)
		}

		// ==================== DISCOVERY ====================
		api.POST("/discovery/scan", auth.RequirePermission(auth.PermOperator), s.startScan)
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	if s.wsHub == nil {
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse("WS_503", "Live events not available", nil))
		return
	}
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	count := 0
	if s.wsHub != nil {
		count = s.wsHub.GetClientCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": count,
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"mode":      s.lm.Stream().Mode(),
		"timestamp": time.Now().Unix(),
	})
}

// respondError maps orchestrator and device errors to HTTP status codes.
func (s *Server) respondError(c *gin.Context, prefix, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, stream.ErrUnknownMode),
		errors.Is(err, stream.ErrInvalidGroup),
		errors.Is(err, devices.ErrUnsupportedVendor):
		status = http.StatusBadRequest
	case errors.Is(err, discovery.ErrScanInProgress):
		status = http.StatusConflict
	case errors.Is(err, stream.ErrStopped),
		errors.Is(err, stream.ErrDiscoveryDisabled):
		status = http.StatusServiceUnavailable
	case errors.Is(err, devices.ErrLinkTimeout),
		errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.Error(message, zap.Error(err))
	}
	c.JSON(status, types.NewErrorResponse(fmt.Sprintf("%s_%d", prefix, status), message, err.Error()))
}
