package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hfmsio/querystream/internal/api"
	"github.com/hfmsio/querystream/internal/auth"
	"github.com/hfmsio/querystream/internal/chunkcache"
	"github.com/hfmsio/querystream/internal/config"
	duckdbconn "github.com/hfmsio/querystream/internal/connector/duckdb"
	lakeconn "github.com/hfmsio/querystream/internal/connector/lake"
	postgresconn "github.com/hfmsio/querystream/internal/connector/postgres"
	"github.com/hfmsio/querystream/internal/dialect"
	"github.com/hfmsio/querystream/internal/engine"
	"github.com/hfmsio/querystream/internal/observability"
	"github.com/hfmsio/querystream/internal/router"
	"github.com/hfmsio/querystream/internal/rowcount"
	s3store "github.com/hfmsio/querystream/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("querystream-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	registry := engine.NewRegistry()
	var readiness []api.ReadinessCheck

	duckdb, err := duckdbconn.Open(cfg.Connectors.DuckDBPath)
	if err != nil {
		logger.Error("failed to open duckdb connector", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = duckdb.Close() }()
	if err := registry.Register(duckdb); err != nil {
		logger.Error("failed to register duckdb connector", slog.Any("error", err))
		os.Exit(1)
	}
	readiness = append(readiness, duckdb.Ping)

	if cfg.Connectors.PostgresDSN != "" {
		postgres, err := postgresconn.Open(cfg.Connectors.PostgresDSN)
		if err != nil {
			logger.Error("failed to open postgres connector", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = postgres.Close() }()
		if err := registry.Register(postgres); err != nil {
			logger.Error("failed to register postgres connector", slog.Any("error", err))
			os.Exit(1)
		}
		readiness = append(readiness, postgres.Ping)
	}

	if cfg.Connectors.LakeEnabled {
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:        cfg.ObjectStore.Endpoint,
			Region:          cfg.ObjectStore.Region,
			Bucket:          cfg.ObjectStore.Bucket,
			AccessKeyID:     cfg.ObjectStore.AccessKeyID,
			SecretAccessKey: cfg.ObjectStore.SecretAccessKey,
			UseSSL:          cfg.ObjectStore.UseSSL,
			Prefix:          cfg.ObjectStore.Prefix,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			os.Exit(1)
		}
		tables, err := lakeconn.ParseTables(cfg.Connectors.LakeTables)
		if err != nil {
			logger.Error("failed to parse lake table mapping", slog.Any("error", err))
			os.Exit(1)
		}
		lake, err := lakeconn.New(objectStore, tables)
		if err != nil {
			logger.Error("failed to build lake connector", slog.Any("error", err))
			os.Exit(1)
		}
		if err := registry.Register(lake); err != nil {
			logger.Error("failed to register lake connector", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var cache *chunkcache.Store
	if cfg.ChunkCache.Enabled && cfg.ChunkCache.Path != "" {
		cache, err = chunkcache.Open(context.Background(), cfg.ChunkCache.Path, cfg.ChunkCache.RetentionWindow)
		if err != nil {
			logger.Error("failed to open chunk cache", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = cache.Close() }()
		readiness = append(readiness, cache.HealthCheck)
	}

	estimator := rowcount.New(cfg.Engine.CountCacheTTL, cfg.Engine.EstimationTimeout, logger)
	queryRouter := router.New(registry, dialect.DefaultRegistry(), estimator, cache, cfg.Engine, logger)

	deps := api.Dependencies{
		Logger:            logger,
		Engine:            queryRouter,
		Registry:          registry,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cache != nil {
		janitor := &chunkcache.Janitor{
			Store:    cache,
			Interval: cfg.ChunkCache.RetentionInterval,
			Logger:   logger,
		}
		go func() {
			if err := janitor.Run(ctx); err != nil {
				logger.Error("chunk cache janitor failed", slog.Any("error", err))
			}
		}()
	}

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	queryRouter.CancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
