package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/auth"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/bus"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/config"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/health"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/middleware"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/ratelimit"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/relay"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/rooms"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/tracing"
)

func main() {
	// Load .env for local development; running from the repo root and from
	// the package directory both work.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		os.Stderr.WriteString("environment validation failed: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		os.Stderr.WriteString("logger initialization failed: " + err.Error() + "\n")
		os.Exit(1)
	}
	ctx := context.Background()

	if envLoaded {
		logging.Info(ctx, "Loaded environment from .env file")
	}
	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "sync-relay", cfg.OTELCollectorAddr)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Auth ---
	var validator relay.TokenValidator
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		logging.Warn(ctx, "Development mode with no Auth0 credentials, auto-enabling SKIP_AUTH")
		skipAuth = true
	}
	if skipAuth {
		logging.Warn(ctx, "Authentication DISABLED - do not use in production")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		logging.Info(ctx, "Auth0 validator initialized", zap.String("domain", cfg.Auth0Domain))
		validator = v
	}

	// --- Redis bus (optional, cross-instance fan-out) ---
	var busService *bus.Service
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil
		} else {
			logging.Info(ctx, "Redis bus initialized", zap.String("addr", cfg.RedisAddr))
			redisClient = redis.NewClient(&redis.Options{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
			})
			defer redisClient.Close()
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	// --- Room manager and relay hub ---
	manager := rooms.NewManager(cfg.EvictionTimeout, busService)
	hub := relay.NewHub(manager, validator, rateLimiter, cfg.DevelopmentMode)

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware("sync-relay"))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.GET("/rooms/:roomId", hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Sync relay starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if err := manager.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during room manager shutdown", zap.Error(err))
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		}
	}

	logging.Info(ctx, "Server exiting")
}
