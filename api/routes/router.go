package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pagevault/pagevault-backend/api/controllers"
	webhookcontrollers "github.com/pagevault/pagevault-backend/api/controllers/webhooks"
	"github.com/pagevault/pagevault-backend/api/middleware"
	"github.com/pagevault/pagevault-backend/internal/entitlements"
	"github.com/pagevault/pagevault-backend/internal/payments"
	"github.com/pagevault/pagevault-backend/internal/refunds"
	gatewaywebhook "github.com/pagevault/pagevault-backend/internal/webhooks/gateway"
	"github.com/pagevault/pagevault-backend/pkg/config"
	"github.com/pagevault/pagevault-backend/pkg/db"
	"github.com/pagevault/pagevault-backend/pkg/logger"
	"github.com/pagevault/pagevault-backend/pkg/redis"
)

// RouterParams carries everything the HTTP surface depends on.
type RouterParams struct {
	Config          *config.Config
	Logger          *logger.Logger
	DB              db.Pinger
	Redis           *redis.Client
	Payments        payments.Service
	Refunds         refunds.Service
	Entitlements    entitlements.Service
	WebhookService  *gatewaywebhook.Service
	WebhookVerifier *gatewaywebhook.Verifier
}

func NewRouter(p RouterParams) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readinessDeps(p)))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/phonepe", webhookcontrollers.PhonePeWebhook(p.WebhookService, p.WebhookVerifier, logg))
	})

	// Token-bearing download links work without a login session.
	r.Get("/api/v1/downloads/{token}", controllers.Download(p.Entitlements, logg))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, logg))

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", controllers.PaymentCreate(p.Payments, logg))
			r.Get("/{merchantOrderId}", controllers.PaymentDetail(p.Payments, logg))
			r.Post("/{merchantOrderId}/refund", controllers.PaymentRefund(p.Refunds, logg))
		})
	})

	return r
}

func readinessDeps(p RouterParams) map[string]controllers.Pinger {
	deps := map[string]controllers.Pinger{}
	if p.DB != nil {
		deps["database"] = p.DB
	}
	if p.Redis != nil {
		deps["redis"] = p.Redis
	}
	return deps
}
