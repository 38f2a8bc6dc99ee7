package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/billsplit-backend/api/controllers"
	receiptcontrollers "github.com/angelmondragon/billsplit-backend/api/controllers/receipts"
	roomcontrollers "github.com/angelmondragon/billsplit-backend/api/controllers/rooms"
	"github.com/angelmondragon/billsplit-backend/api/middleware"
	"github.com/angelmondragon/billsplit-backend/internal/payments"
	"github.com/angelmondragon/billsplit-backend/internal/realtime"
	"github.com/angelmondragon/billsplit-backend/internal/receipts"
	"github.com/angelmondragon/billsplit-backend/pkg/config"
	"github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
	"github.com/angelmondragon/billsplit-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisClient *redis.Client,
	receiptsService receipts.Service,
	paymentsService payments.Service,
	hub *realtime.Hub,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.App.AllowedOrigins()),
	)

	// A nil *redis.Client must not reach the middleware as a non-nil interface.
	var (
		idempotencyStore redis.IdempotencyStore
		limiterStore     middleware.RateLimitStore
		redisPinger      controllers.Pinger
	)
	if redisClient != nil {
		idempotencyStore = redisClient
		limiterStore = redisClient
		redisPinger = redisClient
	}
	var dbPinger controllers.Pinger
	if dbP != nil {
		dbPinger = dbP
	}

	idempotency := middleware.Idempotency(idempotencyStore, cfg.Eventing.IdempotencyTTL, logg)
	paymentPolicy := middleware.NewRateLimitPolicy(
		"payments",
		cfg.RateLimit.PaymentWindow,
		cfg.RateLimit.PaymentIPLimit,
		cfg.RateLimit.PaymentRoomLimit,
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg,
			controllers.Dependency{Name: "db", Pinger: dbPinger},
			controllers.Dependency{Name: "redis", Pinger: redisPinger},
		))
	})

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/receipts", func(r chi.Router) {
		r.Post("/", receiptcontrollers.Create(receiptsService, logg))
		r.Route("/{receiptId}", func(r chi.Router) {
			r.Get("/", receiptcontrollers.Get(receiptsService, logg))
			r.Delete("/", receiptcontrollers.Delete(receiptsService, logg))
			r.Get("/items", receiptcontrollers.ListItems(receiptsService, logg))
			r.Put("/items", receiptcontrollers.ReplaceItems(receiptsService, logg))
			r.With(idempotency).Post("/finalize", receiptcontrollers.Finalize(receiptsService, cfg.App, logg))
		})
	})

	r.Route("/api/v1/rooms/{token}", func(r chi.Router) {
		r.Get("/", roomcontrollers.Get(receiptsService, logg))
		r.With(
			middleware.RateLimit(paymentPolicy, limiterStore, logg),
			idempotency,
		).Post("/payments", roomcontrollers.Pay(paymentsService, logg))
		r.Get("/events", roomcontrollers.Events(receiptsService, hub, cfg.Realtime.HeartbeatInterval, logg))
	})

	return r
}
