package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dangoth/posttrade-poc-sub000/libs/db"
	"github.com/dangoth/posttrade-poc-sub000/libs/httpx"
	"github.com/dangoth/posttrade-poc-sub000/libs/kafkax"
	otelx "github.com/dangoth/posttrade-poc-sub000/libs/otel"
	"github.com/dangoth/posttrade-poc-sub000/libs/runtime"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/contracts/trade"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/eventstore"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/handlers"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/idemcache"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/maintenance"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/outbox"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/serializer"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage/memory"
	"github.com/dangoth/posttrade-poc-sub000/services/posttrade-service/internal/storage/postgres"
)

func main() {
	cfg, err := loadSettings()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	logger := runtime.NewLogger(cfg.Service, cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("posttrade service stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg settings, logger *slog.Logger) error {
	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(cfg.Service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	checks := []runtime.ReadyCheck{{Name: "kafka", Check: kafkax.ReadyCheck(cfg.KafkaBrokers)}}

	var repo storage.Repository
	switch cfg.StorageDriver {
	case driverMemory:
		logger.Warn("using in-memory storage; events are lost on restart")
		repo = memory.New()
	default:
		pool, err := db.Open(ctx, cfg.DatabaseURL, db.PoolConfig{MaxConns: int32(cfg.DBMaxConns)})
		if err != nil {
			return fmt.Errorf("db connection: %w", err)
		}
		defer pool.Close()
		pg := postgres.NewRepository(pool)
		if cfg.ApplySchema {
			if err := pg.ApplySchema(ctx); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			logger.Info("event store schema applied")
		}
		repo = pg
		checks = append(checks, runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)})
	}

	reg := contracts.NewRegistry()
	if err := trade.Register(reg, trade.Options{Logger: logger}); err != nil {
		return fmt.Errorf("register trade contracts: %w", err)
	}
	if err := reg.Seal(); err != nil {
		return fmt.Errorf("seal contract registry: %w", err)
	}
	for _, et := range reg.EventTypes() {
		latest, _ := reg.LatestVersion(et)
		logger.Debug("contract registered", "event_type", et, "latest_version", latest)
	}

	ser := serializer.New(reg, serializer.NewFieldValidator(trade.RequiredFields()), serializer.Config{
		EventSource:   cfg.Service,
		CreatedBy:     cfg.Service,
		LegacyCutover: cfg.LegacyCutover,
	}, logger)

	var cache eventstore.IdempotencyCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		cache = idemcache.New(rdb, cfg.Service+":idem")
		checks = append(checks, runtime.ReadyCheck{Name: "redis", Check: idemcache.ReadyCheck(rdb)})
	}

	store := eventstore.New(repo, ser, outbox.NewWriter(outbox.TopicPerEventType(cfg.KafkaTopicPrefix)), cache, logger, eventstore.Config{
		IdempotencyTTL: cfg.IdempotencyTTL,
	})

	producer, err := kafkax.NewProducer(kafkax.ProducerConfig{
		Brokers:      cfg.KafkaBrokers,
		WriteTimeout: cfg.PublishTimeout,
	})
	if err != nil {
		return fmt.Errorf("kafka producer: %w", err)
	}
	defer func() { _ = producer.Close() }()

	dlq := outbox.NewDeadLetterManager(repo, logger)
	dispatcher := outbox.NewDispatcher(repo, producer, dlq, store, logger, outbox.DispatcherConfig{
		PollInterval:  cfg.PollInterval,
		RetryInterval: cfg.RetryInterval,
		BatchSize:     cfg.BatchSize,
		RetryDelay:    cfg.RetryDelay,
		MaxRetryCount: cfg.MaxRetryCount,
	})
	purger := maintenance.NewPurgeScheduler(store, logger, cfg.PurgeInterval)

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.New(store, dlq, dispatcher, ser, logger).Register(mux)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithAdminLimits(int64(cfg.AdminBodyLimitKB)<<10, cfg.AdminTimeout),
	)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(handler, "posttrade-admin"),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.RunPending(gctx) })
	g.Go(func() error { return dispatcher.RunRetrySweep(gctx) })
	g.Go(func() error { return purger.Run(gctx) })
	g.Go(func() error {
		logger.Info("http server listening", "addr", srv.Addr, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
