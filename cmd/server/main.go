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

	"storefront/config"
	"storefront/internal/api"
	"storefront/internal/broker"
	"storefront/internal/payment"
	"storefront/internal/pricing"
	"storefront/internal/redisclient"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"
	"storefront/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(util.LoggerConfig{
		Env:     cfg.Server.Env,
		Level:   cfg.Observ.LogLevel,
		Service: cfg.Observ.ServiceName,
		Version: cfg.Observ.ServiceVersion,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting storefront")

	tp, err := util.InitTracer(util.TracerConfig{
		Service:     cfg.Observ.ServiceName,
		Version:     cfg.Observ.ServiceVersion,
		Environment: cfg.Server.Env,
		Endpoint:    cfg.Observ.JaegerEndpoint,
		SampleRatio: cfg.Observ.TraceSampleRatio,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := openStore(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer db.Close()

	// Redis only accelerates reads and serializes checkouts; the store stays authoritative.
	var (
		cache  service.StockCache
		locker service.Locker
	)
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, running without stock cache", zap.Error(err))
	} else {
		defer redisClient.Close()
		cache = redisClient
		locker = redisClient
		logger.Info("Redis connected")
	}

	engine, err := pricing.NewEngine(cfg.Pricing.FlatShippingFee, cfg.Pricing.FreeShippingThreshold, cfg.Pricing.TaxRate)
	if err != nil {
		logger.Fatal("Invalid pricing configuration", zap.Error(err))
	}

	gateway, err := payment.NewGateway(payment.Config{
		MerchantID:  cfg.Payment.MerchantID,
		MerchantKey: cfg.Payment.MerchantKey,
		Secret:      cfg.Payment.Secret,
		Scheme:      cfg.Payment.SignatureScheme,
		ProcessURL:  cfg.Payment.ProcessURL,
		InitiateURL: cfg.Payment.InitiateURL,
		ReturnURL:   cfg.Payment.ReturnURL,
		CancelURL:   cfg.Payment.CancelURL,
		NotifyURL:   cfg.Payment.NotifyURL,
		Timeout:     cfg.PaymentTimeout(),
	})
	if err != nil {
		logger.Fatal("Invalid payment configuration", zap.Error(err))
	}

	guard := service.NewInventoryGuard(cache)
	cartService := service.NewCartService(db, guard, engine)
	orderService := service.NewOrderService(db, engine, guard, locker, cfg.Business.CheckoutLockTTL)
	paymentService := service.NewPaymentService(orderService, gateway)
	reconciler := service.NewReconciler(orderService, gateway,
		cfg.Business.ReconcileMaxAttempts, cfg.Business.ReconcileBaseBackoff)
	fulfillment := service.NewFulfillmentService(db, service.NewLogMailer())

	ctx := context.Background()
	if err := guard.SyncInventoryToCache(ctx, db); err != nil {
		logger.Warn("Failed to sync inventory to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()

	relay := worker.NewOutboxRelay(db, producer, cfg.Business.OutboxPollInterval, 100)
	go func() {
		if err := relay.Start(workerCtx); err != nil {
			logger.Error("Outbox relay stopped", zap.Error(err))
		}
	}()

	orderConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder, cfg.Kafka.ConsumerGroup)
	orderWorker := worker.NewOrderWorker(orderConsumer, fulfillment)
	go func() {
		if err := orderWorker.Start(workerCtx); err != nil {
			logger.Error("Order worker stopped", zap.Error(err))
		}
	}()

	expirer := worker.NewExpirer(orderService,
		time.Duration(cfg.Business.OrderTimeoutSeconds)*time.Second,
		cfg.Business.ExpiryScanInterval, 50)
	go func() {
		if err := expirer.Start(workerCtx); err != nil {
			logger.Error("Order expirer stopped", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(cartService, orderService, paymentService, reconciler, db, api.Options{
		JWTSecret:     cfg.Auth.JWTSecret,
		AckToken:      cfg.Payment.AckToken,
		SecureCookies: cfg.Server.Env == "production",
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := orderWorker.Stop(); err != nil {
		logger.Warn("Error closing consumer", zap.Error(err))
	}

	logger.Info("Server exited")
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		util.GetLogger().Warn("Using in-memory store; data is lost on restart")
		return store.NewMemoryStore(), nil
	case "postgres", "":
		pg, err := store.NewPostgresStore(cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
