package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	"github.com/wolfman30/rental-concierge/internal/conversation"
	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
)

func TestSetupMetricsExposesMetrics(t *testing.T) {
	handler, registry := setupMetrics()
	if handler == nil || registry == nil {
		t.Fatalf("expected non-nil handler and registry")
	}

	m := metrics.NewMessagingMetrics(registry)
	m.ObserveInbound("text", "accepted")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "concierge_messaging_inbound_webhook_total") {
		t.Fatalf("expected inbound counter to be exported")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected runtime collectors to be registered")
	}
}

func TestSetupQueueMemory(t *testing.T) {
	q, err := setupQueue(context.Background(), &appconfig.Config{QueueBackend: "memory"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*conversation.MemoryQueue); !ok {
		t.Fatalf("expected MemoryQueue, got %T", q)
	}
}

func TestSetupQueueSQSPath(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	cfg := &appconfig.Config{
		QueueBackend:         "sqs",
		AWSRegion:            "us-east-1",
		AWSAccessKeyID:       "test",
		AWSSecretAccessKey:   "test",
		AWSEndpointOverride:  "http://localhost:4566",
		ConversationQueueURL: "http://localhost:4566/000000000000/conversations",
	}
	q, err := setupQueue(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := q.(*conversation.SQSQueue); !ok {
		t.Fatalf("expected SQSQueue, got %T", q)
	}
}

func TestRunFailsWithoutCredentials(t *testing.T) {
	cfg := &appconfig.Config{QueueBackend: "memory"}
	if err := run(context.Background(), cfg, nil); err == nil {
		t.Fatalf("expected error without OpenAI credentials")
	}
}

func TestNewServerTimeouts(t *testing.T) {
	srv := newServer("9090", http.NotFoundHandler())
	if srv.Addr != ":9090" {
		t.Fatalf("unexpected addr %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout == 0 || srv.WriteTimeout == 0 {
		t.Fatalf("expected timeouts to be set")
	}
}
