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
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/roomsync/server/internal/v1/advancer"
	"github.com/roomsync/server/internal/v1/auth"
	"github.com/roomsync/server/internal/v1/bus"
	"github.com/roomsync/server/internal/v1/chatlog"
	"github.com/roomsync/server/internal/v1/config"
	"github.com/roomsync/server/internal/v1/health"
	"github.com/roomsync/server/internal/v1/logging"
	"github.com/roomsync/server/internal/v1/middleware"
	"github.com/roomsync/server/internal/v1/presence"
	"github.com/roomsync/server/internal/v1/queue"
	"github.com/roomsync/server/internal/v1/ratelimit"
	"github.com/roomsync/server/internal/v1/session"
	"github.com/roomsync/server/internal/v1/sfutoken"
	"github.com/roomsync/server/internal/v1/store"
	"github.com/roomsync/server/internal/v1/tracing"
)

func main() {
	// Ignored: fine in deployed environments where config comes from the
	// process environment directly, not a .env file.
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingEnabled := false
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "roomsync-server", collectorAddr)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize tracer", zap.Error(err))
		}
		defer func() { _ = tp.Shutdown(context.Background()) }()
		tracingEnabled = true
	}

	gate := buildAuthGate(ctx, cfg)

	var redisClient *redis.Client
	var busSvc *bus.Service
	if cfg.RedisEnabled {
		busSvc, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Fatal(ctx, "failed to connect to redis", zap.Error(err))
		}
		redisClient = busSvc.Client()
	}

	var db *gorm.DB
	if cfg.DurableStoreURL != "" {
		db, err = gorm.Open(postgres.Open(cfg.DurableStoreURL), &gorm.Config{})
		if err != nil {
			logging.Fatal(ctx, "failed to connect to durable store", zap.Error(err))
		}
	}

	st := store.New(redisClient, db)
	q := queue.New(redisClient)
	pres := presence.New(redisClient, busSvc)
	chat := chatlog.New(redisClient, int64(cfg.ChatMaxMessages), time.Duration(cfg.ChatTTLSec)*time.Second)
	var capacity sfutoken.CapacityChecker = sfutoken.NoopCapacityChecker{}
	if cfg.SFUControlPlaneURL != "" {
		capacity = sfutoken.NewHTTPCapacityChecker(cfg.SFUControlPlaneURL)
	}
	sfu := sfutoken.New(cfg.SFUURL, cfg.SFUKey, cfg.SFUSecret, cfg.RoomMaxStage, cfg.RoomMaxTable, capacity, st)
	rl, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		logging.Fatal(ctx, "failed to build rate limiter", zap.Error(err))
	}
	adv := advancer.New(busSvc, q, st)
	defer adv.Stop()

	if _, err := pres.StartBroadcaster(ctx, time.Duration(cfg.PresenceBroadcastEveryMs)*time.Millisecond); err != nil {
		logging.Fatal(ctx, "failed to start presence broadcaster", zap.Error(err))
	}

	hub := session.NewHub(ctx, session.Deps{
		Auth:           gate,
		Store:          st,
		Queue:          q,
		Advancer:       adv,
		Presence:       pres,
		Chat:           chat,
		SFU:            sfu,
		Bus:            busSvc,
		RateLimiter:    rl,
		ExecBufferMs:   cfg.ExecBufferMs,
		SeekBufferMs:   cfg.SeekBufferMs,
		ChatLoadMax:    cfg.ChatMaxMessages,
		AllowedOrigins: auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	})

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if tracingEnabled {
		router.Use(otelgin.Middleware("roomsync-server"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = hub.AllowedOrigins
	router.Use(cors.New(corsCfg))

	healthHandler := health.NewHandler(busSvc, st)
	router.GET("/ws", hub.ServeWS)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", healthHandler.Liveness)
	router.GET("/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	logging.Info(ctx, "server exited")
}

// buildAuthGate wires the local HS256 fast path and, when configured, the
// JWKS-backed external provider as fallback, per spec.md §4.11. In
// development with SKIP_AUTH=true neither is verified.
func buildAuthGate(ctx context.Context, cfg *config.Config) *auth.Gate {
	if cfg.SkipAuth {
		logging.Info(ctx, "auth verification disabled, do not use in production")
		return auth.NewGate(nil, &auth.MockValidator{})
	}

	var local *auth.LocalValidator
	if cfg.AuthSigningKey != "" {
		local = auth.NewLocalValidator(cfg.AuthSigningKey)
	}

	var provider auth.Validator
	if cfg.AuthProviderURL != "" {
		jwks, err := auth.NewJWKSValidator(ctx, cfg.AuthProviderURL, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to initialize external auth provider", zap.Error(err))
		}
		provider = jwks
	}

	return auth.NewGate(local, provider)
}
