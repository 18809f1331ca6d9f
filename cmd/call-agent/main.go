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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"secureconnect-callkit/internal/callstore"
	"secureconnect-callkit/internal/config"
	"secureconnect-callkit/internal/database"
	"secureconnect-callkit/internal/directory"
	"secureconnect-callkit/internal/feed"
	"secureconnect-callkit/internal/media"
	"secureconnect-callkit/internal/middleware"
	"secureconnect-callkit/internal/notify"
	callService "secureconnect-callkit/internal/service/call"
	"secureconnect-callkit/internal/signaling"
	"secureconnect-callkit/pkg/jwt"
	"secureconnect-callkit/pkg/logger"
	"secureconnect-callkit/pkg/metrics"
)

func main() {
	// 1. Load config and logger
	cfg := config.Load()
	logFormat := "text"
	if cfg.Production() {
		logFormat = "json"
	}
	if err := logger.Init(&logger.Config{Level: "info", Format: logFormat}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	userID, err := uuid.Parse(cfg.UserID)
	if err != nil {
		logger.Fatal("CALLKIT_USER_ID must be a valid UUID", zap.Error(err))
	}

	// 2. Connect to CockroachDB with retry
	ctx := context.Background()
	db, err := connectDBWithRetry(ctx, cfg, 5)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Connected to CockroachDB")

	// 3. Connect to Redis
	redisDB, err := database.NewRedisDB(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisDB.Close()
	logger.Info("Connected to Redis")

	// 4. Metrics
	appMetrics := metrics.NewMetrics("call-agent")

	// 5. Feed and call record store
	realtimeFeed := feed.NewRedisFeed(redisDB.Client, appMetrics)
	store := callstore.NewStore(db.Pool, realtimeFeed, appMetrics)

	// 6. Signaling transport
	var transport signaling.Transport
	switch cfg.SignalingTransport {
	case "websocket":
		if cfg.JWTSecret == "" {
			logger.Fatal("JWT_SECRET is required for the websocket signaling transport")
		}
		jwtManager := jwt.NewManager(cfg.JWTSecret, 15*time.Minute)
		transport = signaling.NewWebSocketTransport(cfg.SignalingURL, userID, jwtManager)
	default:
		transport = signaling.NewRedisTransport(redisDB.Client)
	}
	logger.Info("Signaling transport ready", zap.String("transport", cfg.SignalingTransport))

	// 7. Media stack
	capturer, err := media.NewDeviceCapturer()
	if err != nil {
		logger.Fatal("Failed to set up media capture", zap.Error(err))
	}
	peerFactory, err := media.NewPionFactory(capturer.PopulateMediaEngine, nil)
	if err != nil {
		logger.Fatal("Failed to set up peer connection factory", zap.Error(err))
	}

	// 8. Orchestrator and notification service
	orchestrator := callService.NewService(userID, store, realtimeFeed, transport, capturer, peerFactory, appMetrics)
	names := directory.NewCachedResolver(directory.NewRedisDirectory(redisDB.Client), 5*time.Minute, 1000)
	notifier := notify.NewService(userID, realtimeFeed, store, names, orchestrator, notify.NopRinger{})
	if err := notifier.Start(ctx); err != nil {
		logger.Fatal("Failed to start call notification service", zap.Error(err))
	}
	defer notifier.Stop()

	go drainEvents(orchestrator)

	// 9. Local HTTP surface: health + metrics
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-agent",
			"state":   string(orchestrator.State()),
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler: router,
	}

	go func() {
		logger.Info("Call agent listening", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down call agent")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Leave any call in progress before the process goes away
	if err := orchestrator.End(shutdownCtx); err != nil {
		logger.Warn("Failed to leave call during shutdown", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	logger.Info("Call agent stopped")
}

// connectDBWithRetry connects to CockroachDB with exponential backoff
func connectDBWithRetry(ctx context.Context, cfg *config.Config, attempts int) (*database.CockroachDB, error) {
	var lastErr error
	backoff := time.Second
	for i := 0; i < attempts; i++ {
		db, err := database.NewCockroachDB(ctx, cfg)
		if err == nil {
			return db, nil
		}
		lastErr = err
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}
	return nil, lastErr
}

// drainEvents logs lifecycle events; an embedding UI would consume
// these instead
func drainEvents(orchestrator *callService.Service) {
	for ev := range orchestrator.Events() {
		fields := []zap.Field{
			zap.String("type", string(ev.Type)),
			zap.String("call_id", ev.CallID.String()),
		}
		if ev.ParticipantID != uuid.Nil {
			fields = append(fields, zap.String("participant_id", ev.ParticipantID.String()))
		}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		logger.Info("Call event", fields...)
	}
}
