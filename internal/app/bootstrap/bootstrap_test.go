package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	"github.com/wolfman30/rental-concierge/internal/conversation"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/worker/housekeeping"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		OpenAIAPIKey:           "sk-test",
		AssistantID:            "asst_123",
		WhapiToken:             "whapi-token",
		WhapiAPIURL:            "http://whapi.invalid",
		SessionStore:           "none",
		QueueBackend:           "memory",
		WorkerCount:            2,
		CacheMaxSize:           100,
		ClientInactiveDays:     30,
		SessionInactiveHours:   24,
		RunSweepSchedule:       "@every 5m",
		ClientCleanupSchedule:  "@daily",
		SessionCleanupSchedule: "@hourly",
	}
}

func TestBuildRedisClientDisabled(t *testing.T) {
	if client := BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true); client != nil {
		t.Fatalf("expected nil client without REDIS_ADDR")
	}
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logging.New("error"), true)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })

	addr := mr.Addr()
	mr.Close()
	if client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: addr}, logging.New("error"), true); client != nil {
		t.Fatalf("expected nil client when redis is down")
	}
}

func TestBuildDatabaseDisabled(t *testing.T) {
	db, err := BuildDatabase(context.Background(), &appconfig.Config{})
	require.NoError(t, err)
	assert.Nil(t, db)

	_, err = BuildDatabase(context.Background(), &appconfig.Config{DatabaseURL: "postgres://%zz"})
	assert.Error(t, err)
}

func TestBuildQueue(t *testing.T) {
	q, err := BuildQueue(&appconfig.Config{QueueBackend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &conversation.MemoryQueue{}, q)

	_, err = BuildQueue(&appconfig.Config{QueueBackend: "sqs"}, nil)
	assert.ErrorContains(t, err, "CONVERSATION_QUEUE_URL")

	_, err = BuildQueue(&appconfig.Config{QueueBackend: "sqs", ConversationQueueURL: "https://sqs.local/q"}, nil)
	assert.ErrorContains(t, err, "sqs client")

	_, err = BuildQueue(&appconfig.Config{QueueBackend: "kafka"}, nil)
	assert.ErrorContains(t, err, "unknown queue backend")
}

func TestBuildServicesRequiresCredentials(t *testing.T) {
	_, err := BuildServices(context.Background(), nil, nil, prometheus.NewRegistry())
	assert.Error(t, err)

	cfg := testConfig()
	cfg.OpenAIAPIKey = ""
	_, err = BuildServices(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.ErrorContains(t, err, "OPENAI_API_KEY")

	cfg = testConfig()
	cfg.WhapiToken = ""
	_, err = BuildServices(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.ErrorContains(t, err, "token")

	cfg = testConfig()
	cfg.SessionStore = "cassandra"
	_, err = BuildServices(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.ErrorContains(t, err, "unknown session store")
}

func TestBuildServicesWithoutDatabase(t *testing.T) {
	svc, err := BuildServices(context.Background(), testConfig(), logging.New("error"), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	assert.Nil(t, svc.DB)
	assert.Equal(t, "memory", svc.SessionStore())
	assert.Equal(t, persistence.ModeFallback, svc.Gateway.ConnectionStatus().Mode)
	assert.Len(t, svc.Caches(), 2)

	queue, err := BuildQueue(svc.Config, nil)
	require.NoError(t, err)
	assert.NotNil(t, svc.NewWorker(queue))
	assert.NotNil(t, svc.NewWebhookHandler(queue))

	sched, err := svc.NewHousekeeping()
	require.NoError(t, err)
	names := make([]string, 0, 3)
	for _, job := range sched.Jobs() {
		names = append(names, job.Name)
	}
	assert.ElementsMatch(t, []string{housekeeping.JobRunSweep, housekeeping.JobClientCleanup, housekeeping.JobSessionCleanup}, names)
}

func TestBuildServicesRedisSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.SessionStore = "redis"
	cfg.RedisAddr = mr.Addr()

	svc, err := BuildServices(context.Background(), cfg, logging.New("error"), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	assert.Equal(t, "redis", svc.SessionStore())
	require.NotNil(t, svc.Redis)

	conv := svc.Sessions.UpdateConversation(context.Background(), "5215511112222", "5215511112222@s.whatsapp.net", "run_1", 42)
	assert.Equal(t, 42, conv.TokenCount)
	assert.Equal(t, 1, svc.Sessions.Len())
	assert.NotEmpty(t, mr.Keys(), "conversation should be written through to redis")
}
