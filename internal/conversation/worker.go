package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/rental-concierge/internal/assistant"
	"github.com/wolfman30/rental-concierge/internal/cache"
	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
	"github.com/wolfman30/rental-concierge/internal/session"
	"github.com/wolfman30/rental-concierge/internal/whapi"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// FallbackReply is sent when a turn fails for reasons other than load.
const FallbackReply = "Sorry, I'm having trouble responding right now. Please send your message again in a moment."

// Processor runs one assistant turn.
type Processor interface {
	ProcessMessage(ctx context.Context, req assistant.Request) (*assistant.Result, error)
}

// Recorder keeps the short-term conversation buffer.
type Recorder interface {
	AddMessage(ctx context.Context, userID, chatID, role, content, responseID string)
	UpdateConversation(ctx context.Context, userID, chatID, responseID string, tokensUsed int) session.Conversation
}

// Messenger delivers outbound WhatsApp messages.
type Messenger interface {
	SendText(ctx context.Context, to, body string) (*whapi.SentMessage, error)
	SendPresence(ctx context.Context, to, presence string) error
}

// Enricher pulls provider-side chat labels into the client record.
type Enricher interface {
	EnrichUserFromWhapi(ctx context.Context, phone string) []string
}

// Worker consumes inbound jobs and answers them through the assistant.
type Worker struct {
	processor Processor
	queue     queueClient
	sessions  Recorder
	messenger Messenger
	enricher  Enricher
	enriched  *cache.Cache[string]
	metrics   *metrics.MessagingMetrics
	logger    *logging.Logger
	cfg       workerConfig
	wg        sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	processTimeout   time.Duration
	metrics          *metrics.MessagingMetrics
	enricher         Enricher
	enrichEvery      time.Duration
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

const (
	defaultWorkerCount    = 2
	defaultWaitSeconds    = 2
	defaultBatchSize      = 5
	defaultProcessTimeout = 3 * time.Minute
	maxWaitSeconds        = 20
	maxReceiveBatchSize   = 10
	deleteTimeout         = 5 * time.Second
	sendTimeout           = 15 * time.Second
	defaultEnrichEvery    = 24 * time.Hour
	enrichCacheSize       = 5000
)

// WithWorkerCount overrides the number of goroutines consuming the queue.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll duration used when receiving jobs.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			seconds = 0
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many jobs a worker pulls per receive call.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			size = 1
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// WithProcessTimeout bounds a single turn, including reply delivery.
func WithProcessTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.processTimeout = d
		}
	}
}

// WithWorkerMetrics records outbound delivery outcomes.
func WithWorkerMetrics(m *metrics.MessagingMetrics) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.metrics = m
	}
}

// WithEnricher refreshes a sender's chat labels at most once per interval.
func WithEnricher(e Enricher, interval time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		cfg.enricher = e
		if interval > 0 {
			cfg.enrichEvery = interval
		}
	}
}

// NewWorker constructs a queue consumer around the provided processor.
func NewWorker(processor Processor, queue queueClient, sessions Recorder, messenger Messenger, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("conversation: processor cannot be nil")
	}
	if queue == nil {
		panic("conversation: queue cannot be nil")
	}
	if messenger == nil {
		panic("conversation: messenger cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		processTimeout:   defaultProcessTimeout,
		enrichEvery:      defaultEnrichEvery,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &Worker{
		processor: processor,
		queue:     queue,
		sessions:  sessions,
		messenger: messenger,
		enricher:  cfg.enricher,
		metrics:   cfg.metrics,
		logger:    logger,
		cfg:       cfg,
	}
	if w.enricher != nil {
		w.enriched = cache.New[string](
			cache.WithName("enrichment"),
			cache.WithTTL(cfg.enrichEvery),
			cache.WithMaxSize(enrichCacheSize),
		)
	}
	return w
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("conversation worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("conversation worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive conversation jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	defer w.deleteMessage(msg.ReceiptHandle)

	var payload queuePayload
	if err := json.Unmarshal([]byte(msg.Body), &payload); err != nil {
		w.logger.Error("failed to decode conversation job", "error", err, "msg_id", msg.ID)
		return
	}
	if payload.Kind != jobTypeInbound {
		w.logger.Error("conversation job failed", "error", fmt.Errorf("conversation: unknown job type %q", payload.Kind), "job_id", payload.ID)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.processTimeout)
	defer cancel()
	w.processInbound(ctx, payload.ID, payload.Message)
}

func (w *Worker) processInbound(ctx context.Context, jobID string, in InboundMessage) {
	to := in.ChatID
	if to == "" {
		to = in.UserID
	}
	log := w.logger.With("job_id", jobID, "user_id", in.UserID, "chat_id", in.ChatID)
	log.Info("worker processing inbound message", "type", in.Type, "has_image", in.ImageURL != "")

	if err := w.messenger.SendPresence(ctx, to, whapi.PresenceComposing); err != nil {
		log.Debug("typing presence failed", "error", err)
	}

	w.enrich(ctx, log, in.UserID)

	if w.sessions != nil {
		w.sessions.AddMessage(ctx, in.UserID, in.ChatID, session.RoleUser, userContent(in), "")
	}

	res, err := w.processor.ProcessMessage(ctx, assistant.Request{
		UserID:   in.UserID,
		ChatID:   in.ChatID,
		UserName: in.UserName,
		Text:     in.Text,
		ImageURL: in.ImageURL,
	})
	switch {
	case errors.Is(err, assistant.ErrBusy):
		reply := assistant.BusyMessage
		if res != nil && res.Response != "" {
			reply = res.Response
		}
		w.send(ctx, log, to, "busy", reply)
		return
	case err != nil:
		log.Warn("sending fallback reply after assistant failure", "error", err)
		w.send(ctx, log, to, "fallback", FallbackReply)
		return
	}

	if w.sessions != nil {
		if res.Response != "" {
			w.sessions.AddMessage(ctx, in.UserID, in.ChatID, session.RoleAssistant, res.Response, res.RunID)
		}
		w.sessions.UpdateConversation(ctx, in.UserID, in.ChatID, res.RunID, res.TokensUsed)
	}

	if strings.TrimSpace(res.Response) == "" {
		log.Info("assistant produced no reply", "thread_id", res.ThreadID, "run_id", res.RunID)
		if err := w.messenger.SendPresence(ctx, to, whapi.PresencePaused); err != nil {
			log.Debug("paused presence failed", "error", err)
		}
		return
	}
	w.send(ctx, log, to, "reply", res.Response)
	log.Info("conversation job processed",
		"thread_id", res.ThreadID,
		"run_id", res.RunID,
		"tokens", res.TokensUsed,
		"function_calls", res.FunctionCalls,
		"duration", res.Duration,
	)
}

func (w *Worker) enrich(ctx context.Context, log *logging.Logger, userID string) {
	if w.enricher == nil || w.enriched.Has(userID) {
		return
	}
	w.enriched.Set(userID, userID)
	if labels := w.enricher.EnrichUserFromWhapi(ctx, userID); len(labels) > 0 {
		log.Debug("client labels refreshed", "labels", labels)
	}
}

func (w *Worker) send(ctx context.Context, log *logging.Logger, to, kind, body string) {
	// a cancelled turn still gets its reply delivered
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	if _, err := w.messenger.SendText(sendCtx, to, body); err != nil {
		w.metrics.ObserveOutbound(kind, "error")
		log.Error("failed to send whatsapp reply", "error", err, "kind", kind)
		return
	}
	w.metrics.ObserveOutbound(kind, "sent")
}

func (w *Worker) deleteMessage(receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
	defer cancel()
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete conversation job", "error", err)
	}
}

func userContent(in InboundMessage) string {
	if in.ImageURL == "" {
		return in.Text
	}
	if in.Text == "" {
		return "[image]"
	}
	return in.Text + " [image]"
}
