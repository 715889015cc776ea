package main

import (
	"context"
	"os"
	"time"

	"github.com/Jerson-masa/ETER/internal/handlers"
	"github.com/Jerson-masa/ETER/internal/ledger"
	"github.com/Jerson-masa/ETER/internal/notify"
	"github.com/Jerson-masa/ETER/internal/oracle"
	"github.com/Jerson-masa/ETER/internal/stripeclient"
	"github.com/Jerson-masa/ETER/pkg/config"
	"github.com/Jerson-masa/ETER/pkg/database"
	dbsql "github.com/Jerson-masa/ETER/pkg/database/sql"
	"github.com/Jerson-masa/ETER/pkg/llm"
	"github.com/Jerson-masa/ETER/pkg/logging"
	"github.com/Jerson-masa/ETER/pkg/monitoring"
	"github.com/Jerson-masa/ETER/pkg/redis"
	"github.com/Jerson-masa/ETER/pkg/server"
	"github.com/Jerson-masa/ETER/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("eter")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting ETER (Oracle API)")

	dbURL := config.RequireEnv("DATABASE_URL")

	// Connect to database and apply schema
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.ApplySchema(db, dbsql.Content, "schema", logger); err != nil {
		logger.WithError(err).Fatal("Failed to apply database schema")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("eter", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("eter", version.Version, version.GitCommit)

	llmConfig := llm.LoadConfig()

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"STRIPE_SECRET_KEY":     os.Getenv("STRIPE_SECRET_KEY"),
		"STRIPE_WEBHOOK_SECRET": os.Getenv("STRIPE_WEBHOOK_SECRET"),
		"LLM_API_KEY":           llmConfig.APIKey,
	}))

	// Custom metrics
	metrics := &handlers.EterMetrics{
		Consultations:            metricsCollector.NewCounter("consultations_total", "Consultations by outcome", []string{"status"}),
		WebhookEvents:            metricsCollector.NewCounter("webhook_events_total", "Payment webhook events", []string{"event_type", "outcome"}),
		WebhookSignatureFailures: metricsCollector.NewCounter("webhook_signature_failures_total", "Webhook signature verification failures", []string{}).WithLabelValues(),
		CheckoutSessions:         metricsCollector.NewCounter("checkout_sessions_total", "Checkout sessions by plan and outcome", []string{"plan_id", "status"}),
	}

	store := ledger.NewStore(db, logger)

	// Optional Redis for balance fan-out
	var publisher *notify.Publisher
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redis.NewClientFromURL(ctx, redisURL)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, balance notifications disabled")
		} else {
			defer client.Close()
			publisher = notify.NewPublisher(client, logger)
			logger.Info("Balance notifications enabled")
		}
	}

	// LLM provider; the service degrades to 503s on /consultations when
	// the provider is not configured.
	var provider llm.Provider
	if llmConfig.Configured() {
		p, err := llm.NewProvider(llmConfig)
		if err != nil {
			logger.WithError(err).Warn("LLM provider misconfigured, consultations disabled")
		} else {
			provider = p
			logger.WithFields(logging.Fields{
				"provider": llmConfig.Provider,
				"model":    llmConfig.Model,
			}).Info("LLM provider ready")
		}
	} else {
		logger.Warn("No LLM provider configured, consultations disabled")
	}

	oracleSvc := oracle.NewService(oracle.Config{
		Store:     store,
		Provider:  provider,
		Publisher: publisher,
		Logger:    logger,
		Model:     llmConfig.Model,
		Timeout:   time.Duration(config.GetEnvInt("LLM_TIMEOUT_SECONDS", 30)) * time.Second,
	})

	checkoutClient := stripeclient.NewClient(stripeclient.Config{
		SecretKey: config.GetEnv("STRIPE_SECRET_KEY", ""),
		Logger:    logger,
	})

	// Initialize handlers
	handlers.Init(db, logger, metrics, store, oracleSvc, checkoutClient, publisher)

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "eter", healthChecker, metricsCollector)

	router.POST("/accounts", handlers.CreateAccount)
	router.GET("/accounts/:id", handlers.GetAccount)
	router.GET("/plans", handlers.ListPlans)
	router.POST("/consultations", handlers.CreateConsultation)
	router.POST("/checkout-sessions", handlers.CreateCheckoutSession)
	router.POST("/billing-portal-sessions", handlers.CreateBillingPortalSession)
	router.POST("/payment-events", handlers.HandlePaymentEvent)

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("eter", "18080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
