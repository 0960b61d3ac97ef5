package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"aprilgo/internal/api"
	"aprilgo/internal/auth"
	"aprilgo/internal/config"
	"aprilgo/internal/redis"
	"aprilgo/internal/service/ai"
	"aprilgo/internal/service/assistant"
	"aprilgo/internal/storage"
	"aprilgo/internal/worker"
)

func main() {
	_ = godotenv.Load()

	var (
		configPath = flag.String("config", envOr("APRIL_CONFIG", "config.json"), "path to config file")
		dbDriver   = flag.String("db", envOr("APRIL_DB", "sqlite3"), "database driver (sqlite3 or mysql)")
		provider   = flag.String("provider", envOr("APRIL_PROVIDER", "openai"), "chat model provider")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	db, err := storage.Open(*dbDriver, cfg)
	if err != nil {
		logger.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if err := storage.Migrate(db, *dbDriver); err != nil {
		logger.Fatal("migrate database", zap.Error(err))
	}

	cache, err := redis.NewRedisClient(cfg)
	if err != nil {
		logger.Warn("redis unavailable, caching disabled", zap.Error(err))
		cache = nil
	} else {
		defer cache.Close()
	}

	secret := os.Getenv("APRIL_SIGNING_SECRET")
	if secret == "" {
		logger.Fatal("APRIL_SIGNING_SECRET must be set")
	}
	signingKey := sha256.Sum256([]byte(secret))

	svc, err := assistant.NewService(db, cache, cfg, signingKey[:], logger)
	if err != nil {
		logger.Fatal("init assistant service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	completer, err := ai.NewService(ctx, cfg, *provider, logger)
	if err != nil {
		logger.Fatal("init chat model", zap.Error(err))
	}

	dispatcher := worker.NewDispatcher(cfg.BasicConfig, logger)
	manager := worker.NewManager(svc, completer, dispatcher, cache, cfg, logger)
	authSvc := auth.NewService(db, cache, 24*time.Hour)

	go svc.StartCleaner(ctx)
	go evictIdleConversations(ctx, manager, logger)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	api.NewServer(svc, manager, authSvc, cfg, logger).Routes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	logger.Info("server starting", zap.String("addr", addr), zap.String("provider", *provider))

	srv := &http.Server{Addr: addr, Handler: router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		logger.Fatal("server stopped", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Stop accepting requests before the pool stops accepting jobs, so
		// in-flight handlers finish their sends instead of being refused.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dispatcher shutdown", zap.Error(err))
		}
	}
}

func evictIdleConversations(ctx context.Context, manager *worker.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := manager.EvictIdle(30 * time.Minute); n > 0 {
				logger.Info("evicted idle conversations", zap.Int("count", n))
			}
		}
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
