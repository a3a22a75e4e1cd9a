package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/rental-concierge/internal/assistant"
	"github.com/wolfman30/rental-concierge/internal/cache"
	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	"github.com/wolfman30/rental-concierge/internal/conversation"
	"github.com/wolfman30/rental-concierge/internal/functions"
	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/session"
	"github.com/wolfman30/rental-concierge/internal/whapi"
	"github.com/wolfman30/rental-concierge/internal/worker/housekeeping"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	webhookSeenTTL  = 10 * time.Minute
	webhookSeenSize = 10000
	clientCacheSize = 10000
)

// Services is the object graph shared by the API and worker binaries.
type Services struct {
	Config *appconfig.Config
	Logger *logging.Logger

	DB    *Database
	Redis *redis.Client

	ThreadCache  *cache.Cache[string]
	WebhookSeen  *cache.Cache[string]
	ClientCache  *cache.Cache[persistence.ClientRecord]
	Gateway      *persistence.Gateway
	Sessions     *session.Tracker
	Whapi        *whapi.Client
	Functions    *functions.Registry
	Assistant    *assistant.Orchestrator
	Messaging    *metrics.MessagingMetrics
	sessionStore string
}

// BuildServices wires every component from configuration. reg receives the
// Prometheus collectors; nil uses the default registerer.
func BuildServices(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) (*Services, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		return nil, errors.New("bootstrap: OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.AssistantID) == "" {
		return nil, errors.New("bootstrap: ASSISTANT_ID is required")
	}

	s := &Services{Config: cfg, Logger: logger}
	cacheMetrics := metrics.NewCacheMetrics(reg)
	s.Messaging = metrics.NewMessagingMetrics(reg)

	s.ThreadCache = cache.New[string](
		cache.WithName("threads"),
		cache.WithMaxSize(cfg.CacheMaxSize),
		cache.WithTTL(cfg.CacheTTL),
		cache.WithSweepInterval(cfg.CacheSweepInterval),
		cache.WithMetrics(cacheMetrics),
		cache.WithLogger(logger.Component("cache")),
	)
	s.WebhookSeen = cache.New[string](
		cache.WithName("webhook"),
		cache.WithMaxSize(webhookSeenSize),
		cache.WithTTL(webhookSeenTTL),
		cache.WithSweepInterval(cfg.CacheSweepInterval),
		cache.WithMetrics(cacheMetrics),
		cache.WithLogger(logger.Component("cache")),
	)
	// Fallback client records must outlive a database outage.
	s.ClientCache = cache.New[persistence.ClientRecord](
		cache.WithName("clients"),
		cache.WithMaxSize(clientCacheSize),
		cache.WithTTL(time.Duration(max(cfg.ClientInactiveDays, 1))*24*time.Hour),
		cache.WithSweepInterval(cfg.CacheSweepInterval),
		cache.WithMetrics(cacheMetrics),
		cache.WithLogger(logger.Component("cache")),
	)

	wa, err := whapi.New(whapi.Config{
		BaseURL:       cfg.WhapiAPIURL,
		Token:         cfg.WhapiToken,
		Logger:        logger.Component("whapi"),
		RatePerSecond: cfg.WhapiRateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	s.Whapi = wa

	db, err := BuildDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.DB = db

	var primary persistence.Store
	if db != nil {
		primary = persistence.NewPostgresStore(db.Pool)
	}
	s.Gateway = persistence.NewGateway(primary, persistence.NewMemoryStore(s.ClientCache), logger.Component("persistence"),
		persistence.WithChatLabeler(wa),
		persistence.WithGatewayMetrics(metrics.NewPersistenceMetrics(reg)),
	)
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	connected := s.Gateway.Connect(connectCtx)
	cancel()
	logger.Info("persistence gateway ready", "connected", connected, "mode", s.Gateway.ConnectionStatus().Mode)

	store, err := s.buildSessionStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.Sessions = session.NewTracker(ctx, store, logger.Component("session"))

	s.Functions = functions.NewRegistry(cfg.SlowFunctions,
		functions.ConversationContext(s.Sessions),
		functions.EscalateToHuman(s.Gateway, logger.Component("functions")),
	)

	s.Assistant = assistant.New(assistant.Config{
		AssistantID:                cfg.AssistantID,
		VisionModel:                cfg.VisionModel,
		MaxConcurrentCalls:         int64(cfg.MaxConcurrentCalls),
		PollingInterval:            cfg.PollingInterval,
		MaxPollingAttempts:         cfg.MaxPollingAttempts,
		MaxRunTime:                 cfg.MaxRunTime,
		EnableThreadCache:          cfg.EnableThreadCache,
		AssumeMessagesOnCheckError: cfg.AssumeMessagesOnCheckError,
	}, assistant.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), s.Gateway, logger.Component("assistant"),
		assistant.WithTools(s.Functions),
		assistant.WithNotifier(wa),
		assistant.WithCache(s.ThreadCache),
		assistant.WithMetrics(metrics.NewAssistantMetrics(reg)),
	)
	return s, nil
}

// buildSessionStore returns a nil interface when conversations stay in memory.
func (s *Services) buildSessionStore(ctx context.Context) (session.Store, error) {
	switch s.Config.SessionStore {
	case "", "none", "memory":
		s.sessionStore = "memory"
		return nil, nil
	case "postgres":
		if s.DB == nil {
			s.Logger.Warn("SESSION_STORE=postgres without DATABASE_URL; conversations stay in memory")
			s.sessionStore = "memory"
			return nil, nil
		}
		s.sessionStore = "postgres"
		return session.NewPostgresStore(s.DB.SQL), nil
	case "redis":
		s.Redis = BuildRedisClient(ctx, s.Config, s.Logger, true)
		if s.Redis == nil {
			s.Logger.Warn("SESSION_STORE=redis but redis is unavailable; conversations stay in memory")
			s.sessionStore = "memory"
			return nil, nil
		}
		s.sessionStore = "redis"
		return session.NewRedisStore(s.Redis, nil), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown session store %q", s.Config.SessionStore)
	}
}

// SessionStore names the backend chosen for conversation buffers.
func (s *Services) SessionStore() string {
	return s.sessionStore
}

// Caches lists the caches exposed on the admin stats endpoint.
func (s *Services) Caches() []*cache.Cache[string] {
	return []*cache.Cache[string]{s.ThreadCache, s.WebhookSeen}
}

// RunCacheSweeps purges expired entries on every cache until ctx is done.
func (s *Services) RunCacheSweeps(ctx context.Context) {
	for _, c := range s.Caches() {
		go c.Run(ctx)
	}
	go s.ClientCache.Run(ctx)
}

// NewWorker builds a queue consumer around the orchestrator.
func (s *Services) NewWorker(queue conversation.Queue) *conversation.Worker {
	return conversation.NewWorker(s.Assistant, queue, s.Sessions, s.Whapi, s.Logger.Component("worker"),
		conversation.WithWorkerCount(s.Config.WorkerCount),
		conversation.WithReceiveWaitSeconds(20),
		conversation.WithProcessTimeout(s.Config.MaxRunTime+time.Minute),
		conversation.WithWorkerMetrics(s.Messaging),
		conversation.WithEnricher(s.Gateway, 0),
	)
}

// NewWebhookHandler builds the inbound webhook in front of queue.
func (s *Services) NewWebhookHandler(queue conversation.Queue) *conversation.Handler {
	return conversation.NewHandler(conversation.NewPublisher(queue, s.Logger.Component("publisher")), s.Gateway, s.Logger.Component("webhook"),
		conversation.WithWebhookSecret(s.Config.WebhookSecret),
		conversation.WithSeenCache(s.WebhookSeen),
		conversation.WithHandlerMetrics(s.Messaging),
	)
}

// NewHousekeeping schedules the maintenance jobs.
func (s *Services) NewHousekeeping() (*housekeeping.Scheduler, error) {
	return housekeeping.New(housekeeping.Config{
		RunSweepSchedule:       s.Config.RunSweepSchedule,
		ClientCleanupSchedule:  s.Config.ClientCleanupSchedule,
		SessionCleanupSchedule: s.Config.SessionCleanupSchedule,
		ClientMaxAge:           time.Duration(s.Config.ClientInactiveDays) * 24 * time.Hour,
		SessionInactiveHours:   s.Config.SessionInactiveHours,
	}, housekeeping.Deps{
		Runs:     s.Assistant,
		Clients:  s.Gateway,
		Sessions: s.Sessions,
	}, s.Logger.Component("housekeeping"))
}

// Close releases network resources.
func (s *Services) Close() {
	if s == nil {
		return
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	s.DB.Close()
}
