package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/slipstream-racing/slipstream/internal/config"
	"github.com/slipstream-racing/slipstream/internal/db"
	"github.com/slipstream-racing/slipstream/internal/events"
	"github.com/slipstream-racing/slipstream/internal/health"
	intnet "github.com/slipstream-racing/slipstream/internal/network"
	"github.com/slipstream-racing/slipstream/internal/room"
	"github.com/slipstream-racing/slipstream/internal/server"
	"github.com/slipstream-racing/slipstream/internal/util"
)

// Server is the REST and websocket server for the race host.
type Server struct {
	cfg      *config.Config
	eventBus *events.EventBus
	game     *server.GameServer
	rooms    *room.Manager

	// Optional dependencies, nil when the feature is disabled.
	store   *db.ResultsStore
	monitor *health.Monitor

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eventBus *events.EventBus, game *server.GameServer, rooms *room.Manager) *Server {
	if cfg.GetApplicationData().Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	return &Server{
		cfg:      cfg,
		eventBus: eventBus,
		game:     game,
		rooms:    rooms,
	}
}

// SetDependencies injects the optional backends, called once the rest of
// the process is wired.
func (s *Server) SetDependencies(store *db.ResultsStore, monitor *health.Monitor) {
	s.store = store
	s.monitor = monitor
}

// Start builds the router and serves until ctx is cancelled. Blocking.
func (s *Server) Start(ctx context.Context) error {
	app := s.cfg.GetApplicationData()
	if !app.Security.AuthDisabled && app.Security.AdminToken == "" {
		token, err := util.GenerateToken(24)
		if err != nil {
			return fmt.Errorf("failed to generate admin token: %w", err)
		}
		app.Security.AdminToken = token
		s.cfg.SetApplicationData(app)
		log.Info().Str("token", token).Msg("generated admin API token")
	}

	s.router = s.buildRouter()

	addr := fmt.Sprintf(":%d", app.API.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// SO_REUSEADDR allows immediate rebinding after a restart.
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Msg("REST API server starting")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

// buildRouter creates the Gin router with all routes and middleware.
func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	sec := s.cfg.GetApplicationData().Security
	allowedOrigins := sec.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	rateLimiter := NewRateLimiter(sec.RateLimitRPS)
	router.Use(rateLimiter.Middleware())

	auth := NewAuthMiddleware(s.cfg)

	// ---- Public endpoints ----
	public := router.Group("/api")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
		public.GET("/rooms", s.handleListRooms)
		public.GET("/rooms/:code", s.handleRoomDetail)
		public.GET("/rooms/:code/watch", s.handleSpectate)
		public.GET("/races", s.handleRecentRaces)
		public.GET("/races/:id", s.handleRaceResults)
		public.GET("/leaderboard", s.handleLeaderboard)
	}

	// ---- Admin endpoints ----
	admin := router.Group("/api/admin")
	admin.Use(auth.RequireAdmin())
	{
		admin.POST("/rooms", s.handleCreateRoom)
		admin.POST("/rooms/:code/start", s.handleForceStart)
		admin.POST("/rooms/:code/kick/:player", s.handleKick)
		admin.GET("/health", s.handleHealth)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})

	return router
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
