package bootstrap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	"github.com/wolfman30/rental-concierge/internal/conversation"
)

// BuildQueue selects the job transport between the webhook and the worker.
// client is only consulted for the sqs backend.
func BuildQueue(cfg *appconfig.Config, client *sqs.Client) (conversation.Queue, error) {
	if cfg == nil {
		return nil, errors.New("bootstrap: config is required")
	}
	switch cfg.QueueBackend {
	case "", "memory":
		return conversation.NewMemoryQueue(0), nil
	case "sqs":
		url := strings.TrimSpace(cfg.ConversationQueueURL)
		if url == "" {
			return nil, errors.New("bootstrap: CONVERSATION_QUEUE_URL is required for the sqs backend")
		}
		if client == nil {
			return nil, errors.New("bootstrap: sqs client is required for the sqs backend")
		}
		return conversation.NewSQSQueue(client, url), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown queue backend %q", cfg.QueueBackend)
	}
}
