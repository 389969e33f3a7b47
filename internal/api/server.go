package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"broker-resilience/config"
	"broker-resilience/internal/auth"
	"broker-resilience/internal/circuit"
	"broker-resilience/internal/database"
	"broker-resilience/internal/degrade"
	"broker-resilience/internal/events"
	"broker-resilience/internal/metrics"
	"broker-resilience/internal/resilience"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Server exposes the resiliency core over HTTP: health and status
// endpoints for operators and probes, guarded broker reads for
// dashboards, and authenticated recovery controls.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	resilience  *resilience.Manager
	guard       *resilience.Guard
	eventBus    *events.EventBus
	authManager *auth.Manager
	history     *database.History
	hub         *WSHub
	config      config.ServerConfig
	metricsCfg  config.MetricsConfig
	logger      zerolog.Logger
}

// NewServer creates the API server and registers all routes
func NewServer(
	cfg config.ServerConfig,
	metricsCfg config.MetricsConfig,
	res *resilience.Manager,
	guard *resilience.Guard,
	authManager *auth.Manager, // pass-through middleware when auth is disabled
	history *database.History, // nil when the database is disabled
	eventBus *events.EventBus, // nil disables websocket event streaming
	logger zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// CORS middleware. gin-contrib/cors refuses credentials together
	// with a wildcard origin, so the wildcard path drops credentials.
	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		resilience:  res,
		guard:       guard,
		eventBus:    eventBus,
		authManager: authManager,
		history:     history,
		hub:         NewWSHub(logger),
		config:      cfg,
		metricsCfg:  metricsCfg,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	server.setupRoutes()

	// Mirror every internal event onto connected websocket clients
	if eventBus != nil {
		eventBus.SubscribeAll(server.hub.BroadcastEvent)
	}

	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", s.handleHealth)

	// Prometheus scrape endpoint
	if s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(metrics.Handler()))
	}

	// Auth status endpoint (always available, returns whether auth is enabled)
	s.router.GET("/api/auth/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"auth_enabled": s.authManager.Enabled(),
		})
	})

	if s.authManager.Enabled() {
		s.router.POST("/api/auth/login", s.handleLogin)
	}

	// Read-only status endpoints stay public so dashboards and probes
	// work without a token.
	api := s.router.Group("/api")
	{
		// Resiliency state
		api.GET("/status", s.handleStatus)
		api.GET("/breakers", s.handleListBreakers)
		api.GET("/breakers/:name", s.handleGetBreaker)

		// Cluster coordination
		api.GET("/cluster/instances", s.handleClusterInstances)
		api.GET("/cluster/decisions", s.handleClusterDecisions)

		// Degradation state
		api.GET("/degradation", s.handleDegradation)
		api.GET("/degradation/events", s.handleDegradationEvents)

		// Durable history (requires the database)
		api.GET("/history/decisions", s.handleDecisionHistory)
		api.GET("/history/degradation", s.handleDegradationHistory)

		// Guarded broker reads
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.GET("/prices", s.handlePrices)
	}

	// Mutations require an admin token when auth is enabled
	admin := s.router.Group("/api")
	admin.Use(auth.Middleware(s.authManager), auth.RequireAdmin(s.authManager))
	{
		admin.POST("/breakers/:name/reset", s.handleResetBreaker)
		admin.POST("/degradation/recover", s.handleManualRecovery)
		admin.POST("/degradation/check", s.handleRecoveryCheck)
		admin.POST("/emergency-close", s.handleEmergencyClose)
	}

	// WebSocket endpoint for real-time event streaming
	s.router.GET("/ws", s.hub.HandleConnection)
}

// Start starts the HTTP server and blocks until shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}

	return nil
}

// Hub returns the websocket hub so the daemon can run its loop
func (s *Server) Hub() *WSHub {
	return s.hub
}

// Router returns the underlying gin engine
func (s *Server) Router() *gin.Engine {
	return s.router
}

// handleHealth reports overall health: degradation level, open
// breakers and database reachability. Emergency mode returns 503 so
// load balancers stop routing traffic here.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	level := s.resilience.Degrade().CurrentLevel()

	openBreakers := 0
	for _, snap := range s.resilience.BreakerSnapshots() {
		if snap.State == circuit.StateOpen {
			openBreakers++
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case level >= degrade.LevelEmergency:
		status = "emergency"
		httpStatus = http.StatusServiceUnavailable
	case level > degrade.LevelNone || openBreakers > 0:
		status = "degraded"
	}

	payload := gin.H{
		"status":            status,
		"degradation_level": level.String(),
		"open_breakers":     openBreakers,
		"timestamp":         time.Now().Format(time.RFC3339),
	}

	if s.history != nil {
		if err := s.history.HealthCheck(ctx); err != nil {
			payload["database"] = "unhealthy"
		} else {
			payload["database"] = "healthy"
		}
	}

	c.JSON(httpStatus, payload)
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
