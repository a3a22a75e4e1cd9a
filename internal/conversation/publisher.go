package conversation

import (
	"context"
	"fmt"

	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// Publisher enqueues inbound messages for asynchronous processing.
type Publisher struct {
	queue  queueClient
	logger *logging.Logger
}

// NewPublisher creates a queue-backed publisher.
func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{queue: queue, logger: logger}
}

// EnqueueInbound publishes one inbound message job and returns its id.
func (p *Publisher) EnqueueInbound(ctx context.Context, msg InboundMessage) (string, error) {
	payload, body, err := encodePayload(jobTypeInbound, "", msg)
	if err != nil {
		return "", err
	}
	if err := p.queue.Send(ctx, body); err != nil {
		return "", fmt.Errorf("conversation: failed to enqueue job: %w", err)
	}
	p.logger.Debug("conversation job enqueued", "job_id", payload.ID, "kind", payload.Kind, "user_id", msg.UserID)
	return payload.ID, nil
}
