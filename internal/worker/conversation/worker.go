// Package conversationworker runs the standalone SQS consumer that answers
// inbound WhatsApp messages.
package conversationworker

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/rental-concierge/cmd/mainconfig"
	appbootstrap "github.com/wolfman30/rental-concierge/internal/app/bootstrap"
	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// Run starts the async conversation worker and blocks until ctx is canceled.
func Run(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, reg prometheus.Registerer) error {
	if cfg == nil {
		return fmt.Errorf("conversation worker requires config")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if !cfg.UsesSQS() {
		return fmt.Errorf("conversation worker requires QUEUE_BACKEND=sqs; the memory queue is consumed inside the API process")
	}

	awsConfig, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	queue, err := appbootstrap.BuildQueue(cfg, mainconfig.NewSQSClient(awsConfig, cfg))
	if err != nil {
		return err
	}

	services, err := appbootstrap.BuildServices(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer services.Close()

	services.RunCacheSweeps(ctx)
	worker := services.NewWorker(queue)
	worker.Start(ctx)
	logger.Info("conversation worker started",
		"workers", cfg.WorkerCount,
		"queue", cfg.ConversationQueueURL,
		"session_store", services.SessionStore(),
	)

	<-ctx.Done()
	worker.Wait()
	logger.Info("conversation worker stopped")
	return nil
}
