package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"nyyu-stream/internal/cache"
	"nyyu-stream/internal/config"
	"nyyu-stream/internal/connection"
	grpcServer "nyyu-stream/internal/grpc"
	"nyyu-stream/internal/httpapi"
	"nyyu-stream/internal/metrics"
	"nyyu-stream/internal/models"
	"nyyu-stream/internal/pubsub"
	"nyyu-stream/internal/repository"
	"nyyu-stream/internal/services/history"
	"nyyu-stream/internal/services/recorder"
	"nyyu-stream/internal/services/stream"
	"nyyu-stream/internal/services/subscription"
	"nyyu-stream/internal/services/watchlist"
)

var version = "1.0.0"

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	logger.Info("Starting Nyyu Stream Service...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: ", err)
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid config: ", err)
	}

	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	zl, err := grpcServer.SetupLogging(cfg.Server.Environment)
	if err != nil {
		logger.Fatal("Failed to setup gRPC logging: ", err)
	}
	defer func() { _ = zl.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	logger.Info("Connecting to Redis...")
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis: ", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected successfully")

	// ClickHouse is optional; without it there is no recorder and history
	// must come from REST.
	var candleRepo *repository.CandleRepository
	if cfg.ClickHouse.Enabled {
		logger.Info("Connecting to ClickHouse...")
		conn, err := repository.Open(ctx, cfg.ClickHouse, "")
		if err != nil {
			logger.Fatal("Failed to connect to ClickHouse: ", err)
		}
		defer conn.Close()
		candleRepo = repository.NewCandleRepository(conn, logger)
		logger.Info("ClickHouse connected successfully")
	}

	// History chain
	var provider history.Provider
	switch {
	case cfg.History.Source == "clickhouse" && candleRepo != nil:
		provider = history.NewStoreProvider(candleRepo, logger)
	case cfg.History.Source == "clickhouse":
		logger.Fatal("HISTORY_SOURCE=clickhouse requires CLICKHOUSE_ENABLED")
	default:
		provider = history.NewRESTProvider(cfg.History.BaseURL, cfg.Upstream.APIKey, cfg.History.Timeout, logger,
			history.WithRateLimit(cfg.History.RequestsPerSec, cfg.History.Burst))
	}
	if cfg.Cache.HistoryTTL > 0 {
		seriesCache := cache.NewSeriesCache(redisClient, cfg.Redis.ChannelPrefix, logger)
		provider = history.NewCachedProvider(provider, seriesCache, cfg.Cache.HistoryTTL, logger)
	}

	// Stream core
	upstream := connection.NewManager(cfg.Upstream, logger)
	svc := stream.NewService(upstream, provider, cfg.Upstream.MaxSymbolsPerFrame, logger)

	svc.OnConnectionChange(func(ev models.ConnectionEvent) {
		entry := logger.WithField("state", ev.State.String())
		if ev.Err != nil {
			entry = entry.WithError(ev.Err)
		}
		if ev.Terminal {
			entry.Error("Upstream connection gave up")
			return
		}
		entry.Info("Upstream connection state changed")
	})

	// Redis fan-out
	quoteCache := cache.NewQuoteCache(redisClient, cfg.Redis.ChannelPrefix, cfg.Cache.QuoteTTL, logger)
	relay := pubsub.NewRelay(pubsub.NewPublisher(redisClient, cfg.Redis.ChannelPrefix, logger), quoteCache, 1024, logger)
	relay.Start(ctx)
	svc.OnQuote(relay.OnQuote)
	svc.OnConnectionChange(relay.OnConnectionChange)

	consumers := []subscription.Consumer{relay}

	var rec *recorder.Recorder
	if candleRepo != nil {
		rec = recorder.NewRecorder(candleRepo, cfg.Stream.BatchWriteSize, cfg.Stream.BatchWriteInterval, logger)
		rec.Start(ctx)
		consumers = append(consumers, rec)
	}

	wl := watchlist.NewManager(svc, consumers, cfg.Stream.WatchlistFile,
		cfg.Stream.DefaultSymbols, cfg.Stream.Intervals, logger)
	if err := wl.Start(cfg.Stream.WatchlistRefresh); err != nil {
		logger.WithError(err).Fatal("Failed to start watchlist")
	}

	// Initialize gRPC server
	grpcSrv := grpcServer.NewServer(cfg.Server, logger)
	svc.OnConnectionChange(grpcSrv.OnConnectionChange)

	grpcErrChan := make(chan error, 1)
	go func() {
		logger.Infof("Starting gRPC server on :%d", cfg.Server.GRPCPort)
		if err := grpcSrv.Start(); err != nil {
			grpcErrChan <- err
		}
	}()

	// HTTP API
	api := httpapi.NewHandler(svc, quoteCache, version, logger)
	api.AddStatus("upstream", func() interface{} { return upstream.Stats() })
	api.AddStatus("watchlist", func() interface{} {
		keys := wl.Keys()
		out := make([]string, 0, len(keys))
		for _, k := range keys {
			out = append(out, k.String())
		}
		return out
	})
	if rec != nil {
		api.AddStatus("recorder", func() interface{} { return rec.GetStats() })
	}
	if candleRepo != nil {
		api.AddStatus("storage", func() interface{} {
			qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer qcancel()
			stats, err := candleRepo.GetStats(qctx)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return stats
		})
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Infof("HTTP server starting on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed: ", err)
		}
	}()

	go sampleRuntime(ctx, 15*time.Second)

	// Connect upstream last so the watchlist replay goes out in the first session.
	startUpstream(ctx, svc, logger)

	logger.Infof("Nyyu Stream Service v%s started successfully", version)

	// Wait for shutdown signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("Received shutdown signal")
	case err := <-grpcErrChan:
		logger.WithError(err).Error("gRPC server error")
	}

	logger.Info("Shutting down gracefully...")

	wl.Stop()
	svc.Close()
	relay.Stop()
	if rec != nil {
		rec.Stop()
	}
	grpcSrv.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown incomplete")
	}

	cancel()
	logger.Info("Shutdown complete")
}

type connector interface {
	Connect(ctx context.Context) error
}

// startUpstream opens the upstream link. A failed first attempt is not fatal:
// the manager keeps retrying and reports through connection events.
func startUpstream(ctx context.Context, c connector, logger *logrus.Logger) {
	if err := c.Connect(ctx); err != nil {
		logger.WithError(err).Warn("Upstream not reachable yet, retrying in background")
	}
}

func sampleRuntime(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		metrics.SampleRuntime()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
