package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/app"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/config"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/filestore"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/logger"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/ratelimit"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/search"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/session"
	"github.com/JorgenBangBang/opinion-docs-backend-v2/internal/store"
	"go.uber.org/zap"
)

const revokedTokenPruneInterval = time.Hour

func main() {
	cfg := config.Load()
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	var probes []namedCheck
	var files filestore.Store
	switch cfg.FileStore {
	case config.FileStoreMinio:
		bucket, err := filestore.NewMinio(ctx, filestore.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, cfg.MaxUploadBytes)
		if err != nil {
			log.Fatal("object storage unavailable", zap.Error(err))
		}
		files = bucket
		probes = append(probes, namedCheck{"file_store", bucket.Ping})
		log.Info("using object storage", zap.String("endpoint", cfg.MinioEndpoint), zap.String("bucket", cfg.MinioBucket))
	default:
		local, err := filestore.NewLocal(cfg.UploadDir, cfg.MaxUploadBytes)
		if err != nil {
			log.Fatal("upload directory unavailable", zap.Error(err))
		}
		files = local
		log.Info("using local file storage", zap.String("dir", cfg.UploadDir))
	}

	pgfts := search.NewPgFTS(db)
	var primary search.Backend
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		primary = meiliClient
	}
	searchService := search.NewService(primary, pgfts, log)
	go searchService.ReindexAllFromPG(ctx, pgfts)

	var service *app.Service
	var limiter ratelimit.Limiter
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Info("using Redis for token revocation and rate limiting")
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		service = app.NewWithSessionStore(cfg, dataStore, redisStore, files, searchService, log)
		limiter = ratelimit.NewRedis(redisStore.Client(), cfg.RateLimit, cfg.RateLimitWindow)
		probes = append(probes, namedCheck{"redis", redisStore.Ping})
	} else {
		log.Info("using PostgreSQL for token revocation and in-process rate limiting")
		service = app.New(cfg, dataStore, files, searchService, log)
		memory := ratelimit.NewMemory(cfg.RateLimit, cfg.RateLimitWindow)
		go memory.RunSweeper(ctx)
		go pruneRevokedTokens(ctx, dataStore, log)
		limiter = memory
	}

	if err := service.Bootstrap(ctx); err != nil {
		log.Warn("bootstrap failed, will retry on next restart", zap.Error(err))
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).WithRateLimiter(limiter)
	for _, probe := range probes {
		httpServer.WithReadyCheck(probe.name, probe.check)
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("document API listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown error", zap.Error(err))
	}
	searchService.Wait()
}

type namedCheck struct {
	name  string
	check func(context.Context) error
}

// pruneRevokedTokens drops expired revocation rows from Postgres.
func pruneRevokedTokens(ctx context.Context, repo *store.PostgresStore, log *zap.Logger) {
	ticker := time.NewTicker(revokedTokenPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := repo.PruneRevokedTokens(ctx)
			if err != nil {
				log.Warn("prune revoked tokens failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				log.Debug("pruned revoked tokens", zap.Int64("count", removed))
			}
		}
	}
}
