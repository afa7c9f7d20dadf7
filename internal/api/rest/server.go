package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/OpenPhotoRig/internal/api/websocket"
	"github.com/KevinKickass/OpenPhotoRig/internal/auth"
	"github.com/KevinKickass/OpenPhotoRig/internal/config"
	"github.com/KevinKickass/OpenPhotoRig/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router *gin.Engine
	lm     interfaces.LifecycleManager
	logger *zap.Logger
	server *http.Server
	wsHub  *websocket.Hub
	jwt    *auth.JWTHandler
}

// NewServer builds the HTTP API. A nil jwt disables authentication.
func NewServer(cfg *config.Config, lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, jwt *auth.JWTHandler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		router: gin.New(),
		lm:     lm,
		logger: logger,
		wsHub:  wsHub,
		jwt:    jwt,
	}

	s.setupRoutes()

	// No write timeout: move-set and shoot hold the request until the rig
	// is parked again.
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
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
	v1.Use(s.authenticate())
	{
		system := v1.Group("/system")
		{
			system.GET("/status", s.require(auth.PermView), s.getSystemStatus)
			system.POST("/shutdown", s.require(auth.PermControl), s.shutdown)
		}

		machine := v1.Group("/machine")
		{
			machine.GET("/status", s.require(auth.PermView), s.getMachineStatus)
			machine.GET("/emergency", s.require(auth.PermView), s.getEmergency)
			machine.GET("/errors", s.require(auth.PermView), s.getErrorLog)
			machine.GET("/errors/history", s.require(auth.PermView), s.getErrorHistory)

			machine.POST("/emergency", s.require(auth.PermControl), s.raiseEmergency)
			machine.POST("/resolve", s.require(auth.PermControl), s.resolve)
			machine.POST("/home", s.require(auth.PermControl), s.homeAll)
			machine.POST("/lamp", s.require(auth.PermControl), s.setLamp)
			machine.POST("/params/save", s.require(auth.PermControl), s.saveParams)
			machine.POST("/params/load", s.require(auth.PermControl), s.loadParams)
		}

		motors := v1.Group("/motors/:id")
		{
			motors.GET("", s.require(auth.PermView), s.getMotor)
			motors.GET("/is-home", s.require(auth.PermView), s.isHome)

			motors.POST("/move", s.require(auth.PermControl), s.moveAbsolute)
			motors.POST("/move-inc", s.require(auth.PermControl), s.moveIncremental)
			motors.POST("/home", s.require(auth.PermControl), s.homeMotor)
			motors.POST("/stop", s.require(auth.PermControl), s.stopMotor)
			motors.POST("/params", s.require(auth.PermControl), s.setMotorParams)
		}

		sequences := v1.Group("/sequences")
		{
			sequences.POST("/move-set", s.require(auth.PermControl), s.moveSet)
			sequences.POST("/shoot", s.require(auth.PermControl), s.shoot)
		}

		v1.GET("/setpoints", s.require(auth.PermView), s.getSetpoints)
		v1.GET("/runs", s.require(auth.PermView), s.listRuns)
		v1.GET("/runs/history", s.require(auth.PermView), s.getRunHistory)

		v1.GET("/ws/status", s.require(auth.PermView), s.wsStatus)
	}

	// The websocket authenticates with its first message.
	s.router.GET("/api/v1/ws/live", s.wsLiveConnection)
}

func (s *Server) authenticate() gin.HandlerFunc {
	if s.jwt == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return s.jwt.Middleware()
}

func (s *Server) require(p auth.Permission) gin.HandlerFunc {
	if s.jwt == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return auth.RequirePermission(p)
}

// LoggerMiddleware logs one line per request.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		logger.Info("Request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	health := s.lm.Supervisor().Health()
	status := "ok"
	if !health.Running || health.Emergency {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"machine":   health,
		"timestamp": time.Now().Unix(),
	})
}
