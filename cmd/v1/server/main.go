package main

import (
	"context"
	"log/slog"
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

	authpkg "github.com/yurtcord/realtime/internal/v1/auth"
	"github.com/yurtcord/realtime/internal/v1/broadcast"
	"github.com/yurtcord/realtime/internal/v1/config"
	"github.com/yurtcord/realtime/internal/v1/health"
	"github.com/yurtcord/realtime/internal/v1/hubs/chat"
	"github.com/yurtcord/realtime/internal/v1/hubs/content"
	"github.com/yurtcord/realtime/internal/v1/hubs/friends"
	"github.com/yurtcord/realtime/internal/v1/hubs/notify"
	"github.com/yurtcord/realtime/internal/v1/hubs/voice"
	"github.com/yurtcord/realtime/internal/v1/logging"
	"github.com/yurtcord/realtime/internal/v1/middleware"
	"github.com/yurtcord/realtime/internal/v1/ratelimit"
	"github.com/yurtcord/realtime/internal/v1/registry"
	"github.com/yurtcord/realtime/internal/v1/repository"
	"github.com/yurtcord/realtime/internal/v1/router"
	"github.com/yurtcord/realtime/internal/v1/session"
	"github.com/yurtcord/realtime/internal/v1/tracing"
	"github.com/yurtcord/realtime/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Invalid environment", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// Optional tracing
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "realtime", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
		}
	}

	// --- Authentication collaborator ---
	var validator *authpkg.Validator
	if !cfg.SkipAuth {
		if cfg.AuthDomain != "" {
			validator, err = authpkg.NewValidator(context.Background(), cfg.AuthDomain, cfg.AuthAudience)
			if err != nil {
				slog.Error("Failed to create auth validator", "error", err)
				os.Exit(1)
			}
			slog.Info("✅ JWKS validator initialized", "domain", cfg.AuthDomain, "audience", cfg.AuthAudience)
		} else {
			validator = authpkg.NewHMACValidator(cfg.JWTSecret)
			slog.Info("✅ HMAC validator initialized")
		}
	} else {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
	}

	// --- Repository collaborator ---
	var (
		repo repository.Repository
		pg   *repository.Postgres
	)
	if cfg.DatabaseURL != "" {
		pg, err = repository.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		repo = repository.NewBreaker(pg)
		slog.Info("✅ Postgres repository initialized")
	} else {
		repo = repository.NewMemory()
		slog.Warn("⚠️ DATABASE_URL not set - using in-memory repository (development only)")
	}

	// The validator consults the user table so tokens resolve to the stored
	// profile rather than bare claims.
	var authenticator authpkg.Authenticator
	if validator != nil {
		authenticator = authpkg.NewService(validator, repository.NewDirectory(repo))
	} else {
		authenticator = authpkg.NewMockAuthenticator()
	}

	// --- Optional Redis (rate-limit store, health checks) ---
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			cancel()
			os.Exit(1)
		}
		cancel()
		defer redisClient.Close()
		slog.Info("✅ Redis connected", "addr", cfg.RedisAddr)
	}

	// --- Core fabric ---
	reg := registry.New()
	rt := router.New()
	core := session.New(authenticator, reg, rt, cfg, repo)

	// Disconnect hooks run in registration order within each phase. Voice
	// teardown is a pre-unbind hook, so it always runs before the
	// chat/friends offline broadcasts, which are post-unbind hooks.
	voice.New(core, rt, reg, cfg)
	chatHub := chat.New(core, rt, reg, repo, cfg)
	friends.New(core, rt, reg, repo, authenticator)
	notifyHub := notify.New(core, rt, repo)
	contentHub := content.New(core, rt, reg, repo)

	// Cross-hub push API for REST controllers and timers.
	_ = broadcast.New(chatHub, notifyHub, contentHub)

	sweepStop := core.StartIdleSweeper(context.Background())
	defer sweepStop()

	allowedOrigins := authpkg.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	ws := transport.NewServer(core, allowedOrigins, cfg.MaxMessageBytes)

	// --- HTTP surface ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	engine.Use(cors.New(corsConfig))
	engine.Use(gin.Recovery())
	engine.Use(middleware.CorrelationID())

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}
	engine.Use(limiter.GlobalMiddleware())

	wsGroup := engine.Group("/ws")
	wsGroup.Use(limiter.WebSocketMiddleware())
	{
		wsGroup.GET("/:hub", ws.ServeWS)
	}

	// Prometheus metrics endpoint
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	var healthHandler *health.Handler
	if pg != nil {
		healthHandler = health.NewHandler(redisClient, pg.DB())
	} else {
		healthHandler = health.NewHandler(redisClient, nil)
	}
	engine.GET("/health/live", healthHandler.Liveness)
	engine.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: engine,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Realtime server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	slog.Info("Server exiting")
}
