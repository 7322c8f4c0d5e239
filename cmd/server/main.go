package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/studyforge/studyforge/internal/billing"
	"github.com/studyforge/studyforge/internal/config"
	"github.com/studyforge/studyforge/internal/gateway"
	"github.com/studyforge/studyforge/internal/generate"
	"github.com/studyforge/studyforge/internal/guard"
	"github.com/studyforge/studyforge/internal/usage"
	"github.com/studyforge/studyforge/pkg/cache"
	"github.com/studyforge/studyforge/pkg/database"
	"github.com/studyforge/studyforge/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting StudyForge server")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		migrateCancel()
		logger.Fatal("failed to apply schema", zap.Error(err))
	}
	migrateCancel()
	logger.Info("schema up to date")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	registerEventHandlers(eventBus, logger)

	// Initialize usage store
	usageStore := usage.NewStore(db, logger, cfg.Guard.FreePlanCredits)
	logger.Info("initialized usage store")

	// Initialize generation client
	generator := generate.NewClient(cfg.OpenAI, logger)
	logger.Info("initialized generation client",
		zap.String("model", cfg.OpenAI.Model),
	)

	// Initialize the usage guard
	usageGuard := guard.NewGuard(usageStore, generator, eventBus, logger, cfg.Guard)
	logger.Info("initialized usage guard",
		zap.Duration("cache_ttl", cfg.Guard.CacheTTL),
		zap.Duration("generation_timeout", cfg.Guard.GenerationTimeout),
	)

	// Initialize webhook handler with event bus
	webhookHandler := billing.NewWebhookHandler(
		cfg.Billing.StripeWebhookSecret,
		usageStore,
		db,
		redisCache,
		logger,
		eventBus,
		cfg.Billing.CreditPackSize,
	)
	logger.Info("initialized webhook handler")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger, usageGuard, usageStore, webhookHandler, eventBus, cfg.Guard)
	gw.StartHealthMetricsLoop(ctx)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// registerEventHandlers wires the observability subscribers. Business
// state never depends on these; they log and count.
func registerEventHandlers(bus *events.Bus, logger *zap.Logger) {
	bus.Subscribe(events.EventQuotaExhausted, func(ctx context.Context, event events.Event) error {
		logger.Info("user hit quota",
			zap.String("user_id", event.UserID),
		)
		return nil
	})

	bus.Subscribe(events.EventPaymentFailed, func(ctx context.Context, event events.Event) error {
		logger.Warn("payment failure reported",
			zap.Any("payload", event.Payload),
		)
		return nil
	})

	bus.Subscribe(events.EventPlanChanged, func(ctx context.Context, event events.Event) error {
		logger.Info("plan changed",
			zap.String("user_id", event.UserID),
			zap.Any("payload", event.Payload),
		)
		return nil
	})
}
