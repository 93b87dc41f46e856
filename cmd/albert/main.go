package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"albert/internal/api"
	"albert/internal/config"
	"albert/internal/crypto"
	"albert/internal/embeddings"
	"albert/internal/gateway"
	"albert/internal/history"
	"albert/internal/metrics"
	"albert/internal/providers/openai_compat"
	"albert/internal/providers/registry"
	"albert/internal/queue"
	"albert/internal/storage"
	"albert/internal/tools"
	"albert/internal/vectors"
	"albert/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("history_backend", cfg.History.Backend).
		Str("models_config", cfg.ModelsConfig).
		Msg("starting albert")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, storage.Config{
		Driver:      cfg.DB.Driver,
		DSN:         cfg.DB.DSN,
		AutoMigrate: cfg.DB.AutoMigrate,
		MaxConns:    cfg.DB.MaxConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	usageQueue := queue.NewStreamQueue(rdb, queue.Config{
		Stream:   cfg.Redis.UsageStream,
		Group:    cfg.Redis.UsageGroup,
		Consumer: cfg.Worker.ConsumerName,
		Block:    cfg.Redis.QueueBlock,
		MaxLen:   cfg.Redis.UsageMaxLen,
	})
	errCh := make(chan error, 2)

	var httpServer *http.Server
	if cfg.AppMode == config.ModeAPI || cfg.AppMode == config.ModeAll {
		handler, err := buildAPI(cfg, rdb, store, usageQueue, m)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build api")
		}
		httpServer = &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       120 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Sink:          store,
			Queue:         usageQueue,
			MaxJobRetries: cfg.Worker.MaxRetries,
			ReclaimIdle:   cfg.Worker.ReclaimIdle,
			Logger:        log.Logger,
			Metrics:       m,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("usage worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to stop http server")
		}
	}

	log.Info().Msg("stopped")
}

func buildAPI(cfg *config.Config, rdb *redis.Client, store *storage.Store, usage *queue.StreamQueue, m *metrics.Metrics) (http.Handler, error) {
	var dec config.Decrypter
	if cfg.Crypto.Enabled() {
		ring, err := crypto.NewKeyRing(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
		if err != nil {
			return nil, fmt.Errorf("init key ring: %w", err)
		}
		dec = ring
	}
	specs, err := config.LoadModels(cfg.ModelsConfig, dec)
	if err != nil {
		return nil, err
	}

	httpClient := openai_compat.NewHTTPClient(cfg.Upstream.ConnectTimeout, cfg.Upstream.Timeout)
	reg, err := registry.Build(specs, registry.BuildOptions{
		HTTPClient:  httpClient,
		Timeout:     cfg.Upstream.Timeout,
		MaxRetries:  cfg.Upstream.MaxRetries,
		BackoffBase: cfg.Upstream.BackoffBase,
	})
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	log.Info().Int("models", len(reg.List())).Msg("model registry ready")

	var hist history.Store = history.NewRedisStore(rdb, cfg.History.Prefix)
	if cfg.History.Backend == config.HistoryMemory {
		hist = history.NewMemoryStore()
	}

	vs := vectors.New(store)
	emb := embeddings.New(embeddings.Config{Registry: reg, HTTPClient: httpClient, Timeout: cfg.Upstream.Timeout})
	svc := gateway.New(gateway.Config{
		Registry:    reg,
		Tools:       tools.Default(emb, vs),
		History:     hist,
		Collections: vs,
		Usage:       usage,
		Logger:      log.Logger,
		Metrics:     m,
	})

	return api.NewRouter(api.Config{
		Gateway:        svc,
		Logger:         log.Logger,
		HealthPath:     cfg.Server.HealthPath,
		MetricsPath:    cfg.Server.MetricsPath,
		MetricsHandler: promhttp.Handler(),
	}), nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
