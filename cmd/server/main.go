package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
	"github.com/aegis-shield/regulatory-engine/internal/database"
	"github.com/aegis-shield/regulatory-engine/internal/dedup"
	"github.com/aegis-shield/regulatory-engine/internal/event"
	"github.com/aegis-shield/regulatory-engine/internal/handlers"
	"github.com/aegis-shield/regulatory-engine/internal/kafka"
	"github.com/aegis-shield/regulatory-engine/internal/metrics"
	"github.com/aegis-shield/regulatory-engine/internal/regulatory"
	"github.com/aegis-shield/regulatory-engine/internal/report"
	"github.com/aegis-shield/regulatory-engine/internal/scheduler"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "regulatory-engine",
		Short: "Regulatory event and compliance reporting engine",
		Long: "Consumes regulatory rule change events, maintains a tamper-evident " +
			"audit trail, and generates compliance reports for supported jurisdictions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	}
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrations() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := cfg.InitLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	db, err := database.Connect(cfg.DatabaseDSN(), cfg.Database.PoolSize)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	return database.RunMigrations(db, cfg.Database.MigrationsPath, logger)
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := cfg.InitLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting regulatory engine",
		zap.String("environment", cfg.Environment),
	)

	db, err := database.Connect(cfg.DatabaseDSN(), cfg.Database.PoolSize)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db, cfg.Database.MigrationsPath, logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	dedupStore := dedup.NewRedisStore(cfg.Redis, cfg.Dedup, cfg.RedisAddr(), logger)
	defer dedupStore.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := dedupStore.Ping(pingCtx); err != nil {
		cancelPing()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	cancelPing()

	collector := metrics.NewCollector(prometheus.DefaultRegisterer)

	auditRepo := database.NewAuditRepository(db, logger)
	reportRepo := database.NewReportRepository(db, logger)
	ruleStateRepo := database.NewRuleStateRepository(db, logger)

	registry := regulatory.NewRegistry(cfg.Regulations, logger)

	eventProducer := kafka.NewEventProducer(cfg.Kafka, logger)
	defer eventProducer.Close()

	deadLetterProducer := kafka.NewDeadLetterProducer(cfg.Kafka, logger)
	defer deadLetterProducer.Close()

	notificationProducer := kafka.NewNotificationProducer(cfg.Kafka, logger)
	defer notificationProducer.Close()

	emitter := event.NewEmitter(logger, eventProducer)

	dataSource := report.NewComplianceDataSource(registry, auditRepo, logger)
	generator := report.NewGenerator(cfg.Reporting, logger, reportRepo, auditRepo, dataSource, notificationProducer, registry, collector)

	processor := event.NewProcessor(logger, dedupStore, auditRepo, ruleStateRepo, reportRepo, registry, collector)
	consumer := kafka.NewConsumer(cfg.Kafka, logger, processor, deadLetterProducer, auditRepo, collector)

	reportScheduler := scheduler.New(cfg.Scheduling, logger, generator)
	if err := reportScheduler.Start(); err != nil {
		return fmt.Errorf("failed to start report scheduler: %w", err)
	}
	defer reportScheduler.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumerErrChan := make(chan error, 1)
	go func() {
		consumerErrChan <- consumer.Start(ctx)
	}()

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := handlers.New(logger, generator, emitter, reportRepo, ruleStateRepo, auditRepo, registry, collector)
	handler.RegisterRoutes(router)

	if cfg.Monitoring.EnableMetrics {
		router.GET(cfg.Monitoring.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", zap.Error(err))
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	consumerDone := false
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-consumerErrChan:
		consumerDone = true
		if err != nil {
			logger.Error("Consumer stopped with error", zap.Error(err))
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	if !consumerDone {
		select {
		case <-consumerErrChan:
		case <-shutdownCtx.Done():
			logger.Warn("Consumer did not stop before shutdown deadline")
		}
	}

	logger.Info("Shutdown complete")
	return nil
}
