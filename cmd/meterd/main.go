package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Mawilis/legal-doc-system-sub003/internal/billing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/config"
	"github.com/Mawilis/legal-doc-system-sub003/internal/export"
	"github.com/Mawilis/legal-doc-system-sub003/internal/forecast"
	"github.com/Mawilis/legal-doc-system-sub003/internal/httpapi"
	"github.com/Mawilis/legal-doc-system-sub003/internal/integrity"
	"github.com/Mawilis/legal-doc-system-sub003/internal/metering"
	"github.com/Mawilis/legal-doc-system-sub003/internal/metrics"
	"github.com/Mawilis/legal-doc-system-sub003/internal/models"
	"github.com/Mawilis/legal-doc-system-sub003/internal/pricing"
	"github.com/Mawilis/legal-doc-system-sub003/internal/queue"
	"github.com/Mawilis/legal-doc-system-sub003/internal/storage"
	"github.com/Mawilis/legal-doc-system-sub003/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := utils.NewLogger("meterd")
	ctx := context.Background()

	db, err := storage.NewDB(storage.DBConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		Database:        cfg.Database.Database,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer redisClient.Close()

	usageRepo := storage.NewUsageRepository(db)
	tenantRepo := storage.NewTenantRepository(db)
	billingStore := storage.NewBillingStore(db)

	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		log.Fatalf("Invalid TAX_RATE %q: %v", cfg.TaxRate, err)
	}
	calculator := pricing.NewCalculator(pricing.DefaultCatalog(), taxRate)

	sealer, err := integrity.NewSealer(cfg.SigningKey, cfg.SigningKeyID)
	if err != nil {
		log.Fatalf("Failed to build sealer: %v", err)
	}
	if err := seedChainHeads(ctx, sealer, tenantRepo, usageRepo); err != nil {
		log.Fatalf("Failed to seed chain heads: %v", err)
	}
	verifier := integrity.NewVerifier(usageRepo, cfg.SigningKey)

	queueCfg := &queue.Config{
		FlushThreshold:  cfg.Batch.FlushThreshold,
		FlushInterval:   cfg.Batch.FlushInterval,
		RetryBackoff:    cfg.Batch.RetryBackoff,
		MaxRetryBackoff: cfg.Batch.MaxRetryBackoff,
		UseRedis:        cfg.Batch.UseRedisQueue,
		RedisAddr:       cfg.Redis.Address,
		RedisPassword:   cfg.Redis.Password,
		RedisDB:         cfg.Redis.DB,
		QueueName:       cfg.Batch.QueueName,
	}
	var recordQueue queue.Queue
	if queueCfg.UseRedis {
		recordQueue = queue.NewRedisQueueWithClient(redisClient, queueCfg)
	} else {
		recordQueue = queue.NewMemoryQueue(queueCfg)
	}
	writer := storage.NewBatchWriter(recordQueue, usageRepo, queueCfg)
	writer.Start(ctx)

	metricsCache := metrics.NewCache(redisClient)

	directory := metering.NewCachedDirectory(
		metering.NewStoreDirectory(tenantRepo),
		cfg.Directory.Size,
		cfg.Directory.TTL,
	)
	var auditSink *export.S3Sink
	if cfg.Export.Enabled {
		auditSink, err = export.NewS3Sink(ctx, export.S3SinkConfig{
			Bucket:    cfg.Export.S3Bucket,
			Region:    cfg.Export.S3Region,
			Prefix:    cfg.Export.S3Prefix,
			NodeName:  cfg.Export.NodeName,
			BatchSize: cfg.Export.BatchSize,
			Interval:  cfg.Export.Interval,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to build audit export sink: %v", err)
		}
		auditSink.Start()
	}

	meteringService := metering.NewService(directory, calculator, sealer, verifier, writer, metricsCache, logger)
	if auditSink != nil {
		meteringService.WithExporter(auditSink)
	}
	forecaster := forecast.NewForecaster(usageRepo)

	generator, err := billing.NewInvoiceGenerator(cfg.SigningKey, cfg.SigningKeyID)
	if err != nil {
		log.Fatalf("Failed to build invoice generator: %v", err)
	}
	aggregator := billing.NewCycleAggregator(billingStore, generator, logger)

	cycleType := models.CycleType(cfg.Billing.CycleType)
	if !cycleType.IsValid() {
		log.Fatalf("Invalid BILLING_CYCLE_TYPE %q", cfg.Billing.CycleType)
	}
	scheduler := billing.NewScheduler(aggregator, tenantRepo, cycleType, cfg.Billing.SweepInterval, logger)
	scheduler.Start()

	mux := httpapi.NewRouter(&httpapi.Dependencies{
		Metering:   meteringService,
		Billing:    aggregator,
		Forecaster: forecaster,
		Store:      db,
		Logger:     logger,
	})
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("metering service listening",
			"addr", addr,
			"billing_cycle", cycleType,
			"flush_interval", cfg.Batch.FlushInterval,
			"redis_queue", cfg.Batch.UseRedisQueue)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	scheduler.Stop()

	// Drain the queue so no sealed record is lost on shutdown.
	if err := writer.Stop(shutdownCtx); err != nil {
		logger.Error("final flush failed, records remain queued", "error", err)
	}

	if auditSink != nil {
		if err := auditSink.Stop(shutdownCtx); err != nil {
			logger.Error("audit export drain failed", "error", err)
		}
	}

	logger.Info("metering service exited")
}

// seedChainHeads primes the sealer with each tenant's last persisted hash so
// restarts extend the existing chains instead of starting new ones.
func seedChainHeads(ctx context.Context, sealer *integrity.Sealer, tenants *storage.TenantRepository, usage *storage.UsageRepository) error {
	tenantIDs, err := tenants.ActiveTenants(ctx)
	if err != nil {
		return err
	}
	for _, tenantID := range tenantIDs {
		head, seq, err := usage.ChainHead(ctx, tenantID)
		if err != nil {
			return err
		}
		if head != "" {
			sealer.SeedHead(tenantID, head, seq)
		}
	}
	return nil
}
