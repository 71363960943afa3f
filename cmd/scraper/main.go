package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lucasdmn/instagram-scraper/internal/agent"
	"github.com/lucasdmn/instagram-scraper/internal/api"
	"github.com/lucasdmn/instagram-scraper/internal/browserless"
	"github.com/lucasdmn/instagram-scraper/internal/config"
	"github.com/lucasdmn/instagram-scraper/internal/database"
	"github.com/lucasdmn/instagram-scraper/internal/events"
	"github.com/lucasdmn/instagram-scraper/internal/jobs"
	"github.com/lucasdmn/instagram-scraper/internal/oracle"
	"github.com/lucasdmn/instagram-scraper/internal/ratelimit"
	"github.com/lucasdmn/instagram-scraper/internal/scraper"
	"github.com/lucasdmn/instagram-scraper/internal/session"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(ctx, database.Config{
		URL:      cfg.NormalizedDatabaseURL(),
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Bootstrap(ctx); err != nil {
		logger.Error("failed to bootstrap schema", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	renderer := browserless.New(cfg.Browserless.Host, cfg.Browserless.Token, cfg.Browserless.Timeout, logger)

	runner, err := agent.NewClient(agent.ClientConfig{
		RunnerURL:        cfg.Agent.RunnerURL,
		Token:            cfg.Agent.Token,
		BrowserlessHost:  cfg.Browserless.Host,
		BrowserlessToken: cfg.Browserless.Token,
		BrowserlessWSURL: cfg.Browserless.WSURL,
		Timeout:          cfg.Agent.Timeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize agent client", "error", err)
		os.Exit(1)
	}

	extractor := oracle.NewClient(oracle.Config{
		Endpoint:            cfg.Oracle.Endpoint,
		APIKey:              cfg.Oracle.APIKey,
		TextModel:           cfg.Oracle.TextModel,
		VisionModel:         cfg.Oracle.VisionModel,
		FallbackTextModel:   cfg.Oracle.FallbackTextModel,
		FallbackVisionModel: cfg.Oracle.FallbackVisionModel,
		Temperature:         cfg.Oracle.Temperature,
		Timeout:             cfg.Oracle.Timeout,
	}, logger)

	sessions := session.NewManager(db, runner, renderer, session.Options{
		Username:       cfg.Instagram.Username,
		Password:       cfg.Instagram.Password,
		ValidationMode: cfg.Scraper.SessionValidation,
		MaxRetries:     cfg.Scraper.MaxRetries,
		RetryBackoff:   cfg.Scraper.RetryBackoff,
	}, logger)

	limiter := ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.JitterMin, cfg.Scraper.JitterMax)

	pipeline := scraper.NewPipeline(runner, extractor, renderer, limiter, scraper.Options{
		MaxPosts:     cfg.Scraper.MaxPosts,
		MaxRetries:   cfg.Scraper.MaxRetries,
		RetryBackoff: cfg.Scraper.RetryBackoff,
	}, logger)

	collector := scraper.NewCollector(runner, limiter, scraper.CollectorOptions{
		WindowDays:      cfg.Scraper.RecentDays,
		MaxUsersPerPost: cfg.Scraper.MaxLikeUsers,
		MaxRetries:      cfg.Scraper.MaxRetries,
		RetryBackoff:    cfg.Scraper.RetryBackoff,
	}, logger)

	publisher := events.NewPublisher(db, logger)
	manager := jobs.NewManager(db, sessions, pipeline, collector, publisher, logger)

	worker := jobs.NewWorker(db, manager, 5*time.Second, logger)
	go func() {
		if err := worker.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("worker stopped with error", "error", err)
		}
	}()

	handlers := api.NewHandlers(db, renderer, logger)
	router := api.NewRouter(handlers)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
