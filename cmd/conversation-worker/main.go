package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	appconfig "github.com/wolfman30/rental-concierge/internal/config"
	conversationworker "github.com/wolfman30/rental-concierge/internal/worker/conversation"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.NewWithFormat(cfg.LogLevel, cfg.LogFormat).Component("conversation-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := conversationworker.Run(ctx, cfg, logger, nil); err != nil {
		logger.Error("conversation worker failed", "error", err)
		os.Exit(1)
	}
}
