package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zoxknez/efaktura-core/internal/api"
	"github.com/zoxknez/efaktura-core/internal/config"
	"github.com/zoxknez/efaktura-core/internal/dispatch"
	"github.com/zoxknez/efaktura-core/internal/queue"
	"github.com/zoxknez/efaktura-core/internal/quiethours"
	"github.com/zoxknez/efaktura-core/internal/ratelimit"
	"github.com/zoxknez/efaktura-core/internal/recurring"
	"github.com/zoxknez/efaktura-core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if cfg.Env == "dev" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", zap.Error(err))
	}

	window, err := quiethours.Parse(cfg.QuietHoursStart, cfg.QuietHoursEnd)
	if err != nil {
		logger.Fatal("quiet hours", zap.Error(err))
	}

	q := queue.New(queue.Options{
		Addr:              cfg.RedisAddr,
		Password:          cfg.RedisPassword,
		DB:                cfg.RedisDB,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	dispatcher := dispatch.New(st, q, window, logger)

	redisLimiter := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisLimiter, cfg.WebhookRateCapacity, cfg.WebhookRateRefill, time.Hour)

	generator := recurring.New(st, cfg.RecurringBatch, logger)

	server := api.New(st, dispatcher, generator, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
