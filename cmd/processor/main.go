package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stackwatch/vigil/internal/actions"
	"github.com/stackwatch/vigil/internal/aggregation"
	"github.com/stackwatch/vigil/internal/anomaly"
	"github.com/stackwatch/vigil/internal/api"
	"github.com/stackwatch/vigil/internal/config"
	"github.com/stackwatch/vigil/internal/counters"
	"github.com/stackwatch/vigil/internal/database"
	"github.com/stackwatch/vigil/internal/incidents"
	"github.com/stackwatch/vigil/internal/ingest"
	"github.com/stackwatch/vigil/internal/notify"
	"github.com/stackwatch/vigil/internal/processor"
	"github.com/stackwatch/vigil/internal/rules"
	"github.com/stackwatch/vigil/internal/subscriptions"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	logger := config.NewLogger(cfg.Environment)
	slog.SetDefault(logger)

	logger.Info("starting Vigil processor",
		slog.String("environment", cfg.Environment),
		slog.Int("ops_port", cfg.OpsPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	pool, err := database.NewPool(ctx, database.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer pool.Close()

	// Counter store
	counterStore, err := counters.NewRedisStore(counters.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("counter store init: %w", err)
	}
	defer counterStore.Close()

	// External services
	backend := subscriptions.NewClient(subscriptions.ClientConfig{
		BaseURL: cfg.QueryBackendURL,
		Timeout: 15 * time.Second,
	})
	detector := anomaly.NewClient(anomaly.Config{
		BaseURL: cfg.AnomalyDetectorURL,
		Timeout: 10 * time.Second,
	})

	// Evaluation pipeline
	ruleRepo := rules.NewRepository(pool)
	resolver := aggregation.NewResolver(backend, aggregation.Config{
		MinSessionCount:        cfg.MinSessionCount,
		EnforceMinSessionCount: cfg.EnforceMinSessionCount,
	}, logger)
	manager := incidents.NewManager(incidents.NewRepository(), logger, cfg.ReopenRateLimit())
	dispatcher := actions.NewDispatcher(logger)
	lifecycle := subscriptions.NewLifecycle(pool, backend, logger)

	scheduler, err := actions.NewScheduler(actions.QueueConfig{
		URL:     cfg.NATSURL,
		Stream:  cfg.ActionStream,
		Subject: cfg.ActionSubject,
	})
	if err != nil {
		return fmt.Errorf("action scheduler init: %w", err)
	}
	defer scheduler.Close()

	proc := processor.New(
		pool,
		ruleRepo,
		counterStore,
		resolver,
		manager,
		dispatcher,
		scheduler,
		lifecycle,
		detector,
		processor.Config{
			AnomalyDetectionEnabled: cfg.AnomalyDetectionEnabled,
			CrashRateAlertsEnabled:  cfg.CrashRateAlertsEnabled,
		},
		logger,
	)

	// Update stream consumer
	consumer, err := ingest.NewConsumer(ingest.Config{
		URL:           cfg.NATSURL,
		Stream:        cfg.UpdateStream,
		Subject:       cfg.UpdateSubject,
		ConsumerName:  cfg.UpdateConsumerName,
		DeliverGroup:  cfg.UpdateDeliverGroup,
		MaxDeliver:    cfg.UpdateMaxDeliver,
		MaxAckPending: cfg.UpdateMaxAckPending,
		AckWait:       time.Duration(cfg.UpdateAckWait) * time.Second,
		NackDelay:     time.Duration(cfg.UpdateNackDelayMS) * time.Millisecond,
	}, proc.ProcessUpdate, logger)
	if err != nil {
		return fmt.Errorf("update consumer init: %w", err)
	}
	defer consumer.Close()

	// Action delivery worker
	deliverer := notify.NewDeliverer(pool, cfg.WebhookSecret, logger)
	worker, err := actions.NewWorker(actions.QueueConfig{
		URL:           cfg.NATSURL,
		Stream:        cfg.ActionStream,
		Subject:       cfg.ActionSubject,
		ConsumerName:  cfg.ActionConsumerName,
		DeliverGroup:  cfg.ActionDeliverGroup,
		MaxDeliver:    cfg.UpdateMaxDeliver,
		MaxAckPending: cfg.UpdateMaxAckPending,
		AckWait:       time.Duration(cfg.UpdateAckWait) * time.Second,
		NackDelay:     time.Duration(cfg.UpdateNackDelayMS) * time.Millisecond,
	}, logger, deliverer.Deliver)
	if err != nil {
		return fmt.Errorf("action worker init: %w", err)
	}
	defer worker.Close()

	// Ops server
	router := api.NewRouter(logger, pool, api.Checks{
		Postgres: pool.Ping,
		Redis:    counterStore.Ping,
		NATS:     func(context.Context) error { return consumer.Healthy() },
	})
	router.Setup()

	errChan := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.OpsPort)
		logger.Info("ops server listening", slog.String("addr", addr))
		if err := router.Listen(addr); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errChan:
		return fmt.Errorf("ops server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down...")
	if err := consumer.Close(); err != nil {
		logger.Error("consumer shutdown error", slog.Any("error", err))
	}
	if err := worker.Close(); err != nil {
		logger.Error("worker shutdown error", slog.Any("error", err))
	}
	if err := router.Shutdown(); err != nil {
		logger.Error("ops server shutdown error", slog.Any("error", err))
	}

	<-shutdownCtx.Done()
	logger.Info("processor stopped")

	return nil
}
