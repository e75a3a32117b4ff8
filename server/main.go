package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/san-kum/polygon-overlay/server/config"
	"github.com/san-kum/polygon-overlay/server/handlers"
	"github.com/san-kum/polygon-overlay/server/middleware"
	"github.com/san-kum/polygon-overlay/server/processor"
	"github.com/san-kum/polygon-overlay/server/transform"
	"go.uber.org/zap"
)

const serviceName = "overlayd"

type Server struct {
	router      *gin.Engine
	logger      *zap.Logger
	pipeline    *processor.Pipeline
	rateLimiter *middleware.RateLimiter
	config      *config.Config
}

func main() {
	cfg := config.LoadConfig()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatal("Failed to initialize logger:", err)
	}
	defer logger.Sync()

	if err := cfg.ValidateConfig(logger); err != nil {
		logger.Fatal("Configuration validation failed", zap.Error(err))
	}

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	server, err := NewServer(cfg, clock.New(), logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := server.pipeline.Start(); err != nil {
		logger.Fatal("Failed to start pipeline", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("addr", addr),
			zap.String("environment", cfg.Server.Environment),
			zap.String("source", cfg.Source.Address),
			zap.String("mode", cfg.Source.Mode))

		var err error
		if cfg.Security.EnableHTTPS {
			err = srv.ListenAndServeTLS(cfg.Security.CertFile, cfg.Security.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	if err := server.Shutdown(10 * time.Second); err != nil {
		logger.Error("Failed to shut down cleanly", zap.Error(err))
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(serviceName), nil
}

// NewServer wires the pipeline and HTTP surfaces. The pipeline is not
// started.
func NewServer(cfg *config.Config, clk clock.Clock, logger *zap.Logger) (*Server, error) {
	classes, err := cfg.LoadClassTable()
	if err != nil {
		return nil, fmt.Errorf("failed to load class table: %w", err)
	}

	transformer, err := transform.New(classes)
	if err != nil {
		return nil, fmt.Errorf("failed to build transformer: %w", err)
	}

	pipeline := processor.NewPipeline(cfg.PipelineOptions(), transformer, clk, logger)

	rateLimiter := middleware.NewRateLimiter(
		cfg.Security.RateLimitRPS,
		cfg.Security.RateLimitBurst,
		logger,
	)

	router := gin.New()

	router.Use(middleware.RequestLogger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS(cfg.Security.AllowedOrigins))
	router.Use(middleware.RequestSizeLimit(cfg.Security.MaxRequestSize))
	router.Use(middleware.InputValidation())

	origins := cfg.Security.AllowedOrigins
	wsHandler := handlers.NewWebSocketHandler(pipeline, func(origin string) bool {
		return middleware.OriginAllowed(origins, origin)
	}, cfg.Overlay.PushInterval, clk, logger)
	controlHandler := handlers.NewControlHandler(pipeline, logger)

	health := middleware.HealthCheck(serviceName, func() gin.H {
		return gin.H{
			"source": pipeline.Status(),
			"mode":   pipeline.Mode(),
			"viewer": wsHandler.ActiveViewer() != "",
		}
	})

	setupRoutes(router, wsHandler, controlHandler, rateLimiter, health)

	return &Server{
		router:      router,
		logger:      logger,
		pipeline:    pipeline,
		rateLimiter: rateLimiter,
		config:      cfg,
	}, nil
}

func setupRoutes(router *gin.Engine, wsHandler *handlers.WebSocketHandler, controlHandler *handlers.ControlHandler, rateLimiter *middleware.RateLimiter, health gin.HandlerFunc) {
	router.GET("/health", health)

	router.GET("/ws", rateLimiter.RateLimit(), wsHandler.HandleWebSocket)

	api := router.Group("/api/v1")
	{
		api.GET("/health", health)

		limited := api.Group("/")
		limited.Use(rateLimiter.RateLimit())
		{
			limited.GET("/shapes", controlHandler.GetShapes)
			limited.GET("/stats", controlHandler.GetStats)

			limited.POST("/source/connect", controlHandler.Connect)
			limited.POST("/source/disconnect", controlHandler.Disconnect)
			limited.PUT("/source/mode", controlHandler.SetMode)

			limited.PUT("/animation/speed", controlHandler.SetSpeed)
			limited.PUT("/viewport", controlHandler.SetViewport)
		}
	}
}

func (s *Server) Shutdown(timeout time.Duration) error {
	s.rateLimiter.Shutdown()
	return s.pipeline.Shutdown(timeout)
}
