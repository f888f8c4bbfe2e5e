package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-svc/cache"
	"checkout-svc/catalog"
	"checkout-svc/config"
	"checkout-svc/fulfillment"
	"checkout-svc/handlers"
	"checkout-svc/kafka"
	"checkout-svc/middleware"
	"checkout-svc/payment"
	"checkout-svc/storage"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(getEnv("CONFIG_FILE", "configs/default.yaml"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	packs, err := catalog.Load(cfg.CatalogFile)
	if err != nil {
		logger.Fatal("Failed to load catalog", zap.Error(err))
	}

	store, downloads, err := initObjectStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize object store", zap.Error(err))
	}

	gateway := payment.NewStripeGateway(cfg.StripeSecretKey, cfg.Currency, nil, logger)

	opts := fulfillment.Options{
		DownloadExpiry:     cfg.DownloadExpiry,
		GatewayTimeout:     cfg.GatewayTimeout,
		VerifyObjectExists: cfg.VerifyObjectExists,
		WebhookSecret:      cfg.StripeWebhookSecret,
	}

	// Redis and Kafka only feed the webhook side channel; the service runs
	// without them.
	if cfg.RedisAddr != "" {
		rdb, err := cache.InitRedis(cfg.RedisAddr, cfg.RedisPassword, logger)
		if err != nil {
			logger.Warn("Webhook de-duplication disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			opts.Deduper = cache.NewWebhookDeduper(rdb, cfg.WebhookDedupTTL)
		}
	}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := kafka.InitProducer(cfg.KafkaBrokers, logger)
		if err != nil {
			logger.Warn("Purchase event publishing disabled", zap.Error(err))
		} else {
			defer producer.Close()
			opts.Publisher = kafka.NewPublisher(producer, cfg.KafkaTopic, logger)
		}
	}

	svc := fulfillment.NewService(packs, store, gateway, opts, logger)

	// Setup Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.CORSAllowOrigin))

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	checkoutHandler := handlers.NewCheckoutHandler(svc, packs, cfg.PublicBaseURL, logger)
	handlers.RegisterRoutes(router, checkoutHandler, downloads)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Checkout Service started",
		zap.String("addr", addr),
		zap.String("storage_driver", cfg.StorageDriver),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initObjectStore(cfg config.Config, logger *zap.Logger) (storage.ObjectStore, *handlers.DownloadHandler, error) {
	if cfg.StorageDriver == config.StorageDriverLocal {
		local, err := storage.NewLocalStore(cfg.LocalStorageDir, cfg.PublicBaseURL, cfg.DownloadSigningKey, logger)
		if err != nil {
			return nil, nil, err
		}
		return local, handlers.NewDownloadHandler(local, logger), nil
	}

	s3Store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:        cfg.StorageEndpoint,
		Region:          cfg.StorageRegion,
		AccessKeyID:     cfg.StorageAccessKeyID,
		SecretAccessKey: cfg.StorageSecretAccessKey,
		Bucket:          cfg.StorageBucket,
		MaxAttempts:     2,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return s3Store, nil, nil
}

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
