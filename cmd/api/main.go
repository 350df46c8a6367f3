package main

import (
	"context"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pagevault/pagevault-backend/api/routes"
	"github.com/pagevault/pagevault-backend/internal/catalog"
	"github.com/pagevault/pagevault-backend/internal/entitlements"
	"github.com/pagevault/pagevault-backend/internal/payments"
	"github.com/pagevault/pagevault-backend/internal/reconcile"
	"github.com/pagevault/pagevault-backend/internal/refunds"
	gatewaywebhook "github.com/pagevault/pagevault-backend/internal/webhooks/gateway"
	"github.com/pagevault/pagevault-backend/pkg/config"
	"github.com/pagevault/pagevault-backend/pkg/db"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/metrics"
	"github.com/pagevault/pagevault-backend/pkg/migrate"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
	"github.com/pagevault/pagevault-backend/pkg/phonepe"
	"github.com/pagevault/pagevault-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	gatewayClient, err := phonepe.NewClient(context.Background(), cfg.PhonePe, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create gateway client", err)
		os.Exit(1)
	}

	paymentMetrics := metrics.NewPaymentMetrics(prometheus.DefaultRegisterer)
	outboxService := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	engine, err := reconcile.NewEngine(reconcile.EngineParams{
		DB:           dbClient,
		Repo:         reconcile.NewRepository(dbClient.DB()),
		Outbox:       outboxService,
		Metrics:      paymentMetrics,
		Logger:       logg,
		Entitlements: cfg.Entitlements,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile engine", err)
		os.Exit(1)
	}

	catalogService, err := catalog.NewService(catalog.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create catalog service", err)
		os.Exit(1)
	}

	paymentsRepo := payments.NewRepository(dbClient.DB())

	paymentsService, err := payments.NewService(payments.ServiceParams{
		Repo:    paymentsRepo,
		Catalog: catalogService,
		Gateway: gatewayClient,
		Engine:  engine,
		Logger:  logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payments service", err)
		os.Exit(1)
	}

	refundsService, err := refunds.NewService(refunds.ServiceParams{
		Repo:    paymentsRepo,
		Gateway: gatewayClient,
		Engine:  engine,
		Logger:  logg,
		Window:  cfg.Refunds.Window,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create refunds service", err)
		os.Exit(1)
	}

	entitlementsService, err := entitlements.NewService(entitlements.ServiceParams{
		Repo:   entitlements.NewRepository(dbClient.DB()),
		Books:  catalog.NewRepository(dbClient.DB()),
		Logger: logg,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create entitlements service", err)
		os.Exit(1)
	}

	webhookService, err := gatewaywebhook.NewService(gatewaywebhook.ServiceParams{
		Engine:         engine,
		Payments:       paymentsRepo,
		DB:             dbClient,
		Outbox:         outboxService,
		Idempotency:    redisClient,
		Logger:         logg,
		IdempotencyTTL: cfg.Outbox.IdempotencyTTL,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook service", err)
		os.Exit(1)
	}

	webhookVerifier, err := gatewaywebhook.NewVerifier(cfg.PhonePe.WebhookUsername, cfg.PhonePe.WebhookPassword)
	if err != nil {
		logg.Error(context.Background(), "failed to create webhook verifier", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	ctx := logg.WithFields(context.Background(), map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(routes.RouterParams{
			Config:          cfg,
			Logger:          logg,
			DB:              dbClient,
			Redis:           redisClient,
			Payments:        paymentsService,
			Refunds:         refundsService,
			Entitlements:    entitlementsService,
			WebhookService:  webhookService,
			WebhookVerifier: webhookVerifier,
		}),
	}

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}
