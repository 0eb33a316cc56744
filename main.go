package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"iot-threat-engine/cache"
	"iot-threat-engine/config"
	"iot-threat-engine/handlers"
	"iot-threat-engine/logging"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	rules, err := config.LoadRuleSet(cfg.Rules)
	if err != nil {
		logger.Fatal("failed to load rule set", zap.Error(err))
	}
	logger.Info("rule set loaded",
		zap.String("name", rules.Name),
		zap.String("key_by", string(rules.Profiles.KeyBy)),
		zap.Int("profiles", len(rules.Profiles.Profiles)))

	ctx := context.Background()
	redisClient, err := cache.NewRedisClient(ctx, cache.Options{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		ModelKey:   cfg.Redis.ModelKey,
		VerdictTTL: cfg.Redis.VerdictTTL,
	})
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))

	threatHandler := handlers.NewThreatHandler(redisClient, handlers.Options{
		Rules:        rules,
		FitOptions:   cfg.FitOptions(),
		Workers:      cfg.Engine.Workers,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       logger,
	})

	model, err := redisClient.LoadModel(ctx)
	switch {
	case errors.Is(err, cache.ErrModelNotFound):
		logger.Warn("no trained model stored, POST /train before sending batches")
	case err != nil:
		logger.Fatal("failed to load model", zap.Error(err))
	default:
		threatHandler.SetModel(model)
		logger.Info("model loaded",
			zap.Int("trees", len(model.Trees)),
			zap.Float64("threshold", model.Threshold))
	}

	srv := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        handlers.NewRouter(threatHandler),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
