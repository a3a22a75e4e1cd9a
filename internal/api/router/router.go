package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/rental-concierge/internal/assistant"
	"github.com/wolfman30/rental-concierge/internal/cache"
	"github.com/wolfman30/rental-concierge/internal/conversation"
	httpmiddleware "github.com/wolfman30/rental-concierge/internal/http/middleware"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/worker/housekeeping"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// Assistant is the orchestrator surface used by health and admin routes.
type Assistant interface {
	Health(ctx context.Context) assistant.Health
	ClearThread(ctx context.Context, userID string) (bool, error)
	InFlight() int64
	MaxConcurrent() int64
}

// Gateway is the persistence surface used by health and admin routes.
type Gateway interface {
	ConnectionStatus() persistence.ConnectionStatus
	Stats(ctx context.Context) persistence.Stats
}

// CacheStatser is implemented by every *cache.Cache.
type CacheStatser interface {
	Name() string
	Stats() cache.Stats
}

// SessionCounter reports tracked conversations.
type SessionCounter interface {
	Len() int
}

// Housekeeping exposes the maintenance scheduler.
type Housekeeping interface {
	Jobs() []housekeeping.JobStatus
	RunNow(ctx context.Context, name string) (int64, error)
}

// Config holds router configuration
type Config struct {
	Logger         *logging.Logger
	Webhook        *conversation.Handler
	Assistant      Assistant
	Gateway        Gateway
	Caches         []CacheStatser
	Sessions       SessionCounter
	Housekeeping   Housekeeping
	MetricsHandler http.Handler

	AdminAuthSecret  string
	WebhookRateLimit float64
	WebhookRateBurst int
	HealthTimeout    time.Duration
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Second
	}
	h := &handlers{cfg: cfg, logger: cfg.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	// Public endpoints (webhooks, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/healthz", h.health)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Webhook != nil {
			webhook := public.With()
			if cfg.WebhookRateLimit > 0 {
				limiter := httpmiddleware.NewRateLimiter(cfg.WebhookRateLimit, cfg.WebhookRateBurst)
				webhook = public.With(httpmiddleware.RateLimit(limiter))
			}
			webhook.Post("/webhooks/whapi", cfg.Webhook.Webhook)
		}
	})

	// Operator routes, only mounted when a signing secret is configured
	if cfg.AdminAuthSecret != "" {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret, cfg.Logger))
			admin.Get("/stats", h.stats)
			if cfg.Assistant != nil {
				admin.Delete("/threads/{userID}", h.clearThread)
			}
			if cfg.Housekeeping != nil {
				admin.Get("/housekeeping", h.listJobs)
				admin.Post("/housekeeping/{job}", h.runJob)
			}
		})
	}

	return r
}
