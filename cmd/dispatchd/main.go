package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cleandispatch/internal/api"
	"cleandispatch/internal/config"
	"cleandispatch/internal/database"
	"cleandispatch/internal/docstore"
	"cleandispatch/internal/domain"
	"cleandispatch/internal/events"
	"cleandispatch/internal/lifecycle"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/metrics"
	"cleandispatch/internal/notify"
	"cleandispatch/internal/presence"
	"cleandispatch/internal/rating"
	"cleandispatch/internal/records"
	"cleandispatch/internal/repository"
	"cleandispatch/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/config.yaml"
	}
	configPath := pflag.String("config", defaultConfig, "path to the YAML config")
	pflag.Parse()

	cfg, logger, closer, err := loadConfigAndLogger(*configPath)
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	redisClient, ephemeral := initEphemeralStore(ctx, cfg, &logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	store, err := initRecordStore(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := events.NewEventBus()
	subscribeBackoff := worker.RetryPolicy{
		InitialDelay:  cfg.Dispatch.SubscribeBackoff,
		MaxDelay:      cfg.Dispatch.SubscribeMaxBackoff,
		BackoffFactor: 2,
	}.NextDelay

	mb := mailbox.New(ephemeral, mailbox.Options{
		Exclusive:  cfg.Dispatch.ExclusiveProposals,
		CASRetries: cfg.Dispatch.CASRetries,
		Backoff:    subscribeBackoff,
	}, &logger)

	synchronizer := records.New(store, mb, rating.NewAggregator(store, &logger), records.Options{
		DefaultPrice: cfg.Dispatch.DefaultPrice,
		Events:       bus,
	}, &logger)

	reconciler := worker.NewReconciler(store, synchronizer, redisClient, worker.Options{
		Retry: worker.RetryPolicy{
			MaxRetries:    cfg.Worker.MaxRetries,
			InitialDelay:  cfg.Worker.InitialDelay,
			MaxDelay:      cfg.Worker.MaxDelay,
			BackoffFactor: cfg.Worker.BackoffFactor,
		},
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
		Events:       bus,
	}, &logger)
	synchronizer.SetRepairQueue(reconciler)
	go reconciler.Start(ctx)

	if cfg.Dispatch.ProposalTTL > 0 {
		sweeper := worker.NewProposalSweeper(mb, cfg.Dispatch.ProposalTTL, cfg.Dispatch.SweepInterval, &logger)
		go sweeper.Start(ctx)
	}

	if err := initNotifier(cfg, bus, &logger); err != nil {
		return err
	}

	if cfg.Backup.Enabled {
		if cfg.Database.Driver == "sqlite" {
			backupService := database.NewBackupService(cfg.Database.Path, cfg.Backup, &logger)
			go backupService.Start(ctx)
		} else {
			logger.Warn().Str("driver", cfg.Database.Driver).Msg("backups only cover the sqlite driver, skipping")
		}
	}

	startMetrics(ctx, cfg, &logger)

	sessions := api.NewRegistry(lifecycle.Deps{
		Presence: presence.NewClient(ephemeral, subscribeBackoff, &logger),
		Mailbox:  mb,
		Records:  synchronizer,
		Events:   bus,
		Logger:   &logger,
	})

	checks := map[string]api.Pinger{"ephemeral": ephemeral, "records": store}
	return startServers(ctx, cfg, sessions, store, checks, &logger)
}

func loadConfigAndLogger(configPath string) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "dispatchd").Logger()

	return cfg, logger, closer, nil
}

// initEphemeralStore connects Redis and, when memory_fallback is set, fronts
// it with an in-process store that takes over while Redis is unreachable.
func initEphemeralStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, domain.EphemeralStore) {
	var redisClient *redis.Client
	if cfg.Redis.Address != "" {
		redisClient = repository.NewRedisClient(cfg.Redis)
		if err := repository.Ping(ctx, redisClient); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.Redis.Address).Msg("redis unavailable")
		} else {
			logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
		}
	}

	if redisClient == nil {
		logger.Warn().Msg("no redis address configured, presence and mailbox stay in process memory")
		return nil, repository.NewMemoryStore()
	}

	primary := repository.NewRedisStore(redisClient)
	if !cfg.Redis.MemoryFallback {
		return redisClient, primary
	}
	return redisClient, repository.NewFailoverStore(primary, repository.NewMemoryStore(), logger)
}

func initRecordStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.RecordStore, error) {
	switch cfg.Database.Driver {
	case "mongo":
		store, err := docstore.Open(ctx, cfg.Database.Mongo, logger)
		if err != nil {
			logger.Error().Err(err).Str("database", cfg.Database.Mongo.Database).Msg("init mongo record store")
			return nil, err
		}
		return store, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("create database directory")
			return nil, err
		}
		db, err := database.NewDB(cfg.Database.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
			return nil, err
		}
		return db, nil
	}
}

func initNotifier(cfg *config.Config, bus *events.EventBus, logger *zerolog.Logger) error {
	if !cfg.Notify.Telegram.Enabled {
		return nil
	}
	sender, err := notify.NewTelegramSender(cfg.Notify.Telegram)
	if err != nil {
		logger.Error().Err(err).Msg("create telegram sender")
		return err
	}
	notify.NewTelegramNotifier(sender, cfg.Notify.Telegram.ChatID, logger).Attach(bus)
	logger.Info().Int64("chat_id", cfg.Notify.Telegram.ChatID).Msg("telegram notifications enabled")
	return nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	cfg *config.Config,
	sessions *api.Registry,
	store domain.RecordStore,
	checks map[string]api.Pinger,
	logger *zerolog.Logger,
) error {
	httpServer := api.NewHTTPServer(cfg.API, sessions, store, checks, logger)
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
		}
	}()

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		var err error
		grpcServer, err = api.NewGRPCServer(cfg.API, checks, logger)
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			_ = httpServer.Shutdown(context.Background())
			return err
		}
		go grpcServer.WatchHealth(ctx, 15*time.Second)
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
	}

	logger.Info().Int("http_port", cfg.API.HTTP.Port).Bool("grpc", grpcServer != nil).Msg("dispatcher started")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions.CloseAll(shutdownCtx)
	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	_ = httpServer.Shutdown(shutdownCtx)

	logger.Info().Msg("dispatcher stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
