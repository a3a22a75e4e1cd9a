// Package assistant drives assistant threads and runs for inbound chat
// messages.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/wolfman30/rental-concierge/internal/cache"
	"github.com/wolfman30/rental-concierge/internal/functions"
	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/retry"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	DefaultVisionModel        = "gpt-4o"
	DefaultMaxConcurrentCalls = 75
	DefaultPollingInterval    = time.Second
	DefaultMaxPollingAttempts = 120
	DefaultMaxRunTime         = 2 * time.Minute

	// BusyMessage answers the user when the concurrency ceiling is hit.
	BusyMessage = "We're handling a lot of messages right now. Please try again in a few seconds."
	// SlowFunctionNotice is sent before running a slow function.
	SlowFunctionNotice = "Give me a moment while I check that for you..."
)

var tracer = otel.Tracer("concierge.internal.assistant")

// ThreadStore is the persistence surface the orchestrator needs.
type ThreadStore interface {
	GetThread(ctx context.Context, userID string) (*persistence.ThreadRecord, error)
	SaveOrUpdateThread(ctx context.Context, userID string, update persistence.ThreadUpdate) (*persistence.ThreadRecord, error)
	UpdateThreadTokenCount(ctx context.Context, userID string, count int) error
	UpdateThreadActivity(ctx context.Context, userID string, tokenCount int, currentThreadID string) (bool, error)
	DeleteThread(ctx context.Context, userID string) (bool, error)
	RecentConversations(ctx context.Context, window time.Duration) ([]persistence.ThreadRecord, error)
}

// ToolRegistry executes the functions a run asks for.
type ToolRegistry interface {
	Definitions() []functions.Definition
	Execute(ctx context.Context, call functions.Call) (any, error)
	IsSlow(name string) bool
}

// Notifier delivers interim messages to the user while a run is working.
type Notifier interface {
	Notify(ctx context.Context, chatID, text string) error
}

// Config tunes the orchestrator. Zero values take the package defaults.
type Config struct {
	AssistantID        string
	VisionModel        string
	MaxConcurrentCalls int64
	PollingInterval    time.Duration
	MaxPollingAttempts int
	MaxRunTime         time.Duration
	EnableThreadCache  bool
	// AssumeMessagesOnCheckError is the answer used when checking a thread
	// for messages fails.
	AssumeMessagesOnCheckError bool
	// AdvertiseTools sends the registry definitions with every run instead of
	// relying on the tools configured on the assistant.
	AdvertiseTools bool

	// MessageRetry governs appending messages, where "thread busy" conflicts are expected.
	MessageRetry retry.Policy
	// ProviderRetry governs every other provider call.
	ProviderRetry retry.Policy
	// ValidationTimeout bounds thread validation and message checks.
	ValidationTimeout time.Duration
}

// DefaultMessageRetry tolerates concurrent turns on the same thread.
var DefaultMessageRetry = retry.Policy{
	MaxRetries: 30,
	BaseDelay:  time.Second,
	MaxDelay:   10 * time.Second,
	Factor:     1.5,
	BusyDelay:  2 * time.Second,
	Name:       "add_message",
}

func (c Config) withDefaults() Config {
	if c.VisionModel == "" {
		c.VisionModel = DefaultVisionModel
	}
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if c.PollingInterval <= 0 {
		c.PollingInterval = DefaultPollingInterval
	}
	if c.MaxPollingAttempts <= 0 {
		c.MaxPollingAttempts = DefaultMaxPollingAttempts
	}
	if c.MaxRunTime <= 0 {
		c.MaxRunTime = DefaultMaxRunTime
	}
	if c.MessageRetry.MaxRetries == 0 && c.MessageRetry.BaseDelay == 0 {
		c.MessageRetry = DefaultMessageRetry
	}
	if c.ProviderRetry.MaxRetries == 0 && c.ProviderRetry.BaseDelay == 0 {
		c.ProviderRetry = retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 2, BusyDelay: 2 * time.Second}
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = 10 * time.Second
	}
	return c
}

// Request is one inbound user turn.
type Request struct {
	UserID   string
	ChatID   string
	UserName string
	Text     string
	ImageURL string
	// ThreadID is the thread the caller believes is current. When empty the
	// stored thread for UserID is used.
	ThreadID string
}

// Result is the outcome of ProcessMessage.
type Result struct {
	RequestID string
	Response  string
	ThreadID  string
	RunID     string
	Model     string
	// TokensUsed is the provider-reported usage of this turn.
	TokensUsed int
	// ThreadTokenCount is the accumulated count stored for the thread.
	ThreadTokenCount int
	FunctionCalls    int
	Busy             bool
	Duration         time.Duration
}

// Orchestrator resolves threads, submits turns and drives runs to completion.
type Orchestrator struct {
	cfg      Config
	provider Provider
	threads  ThreadStore
	tools    ToolRegistry
	notifier Notifier
	cache    *cache.Cache[string]
	logger   *logging.Logger
	metrics  *metrics.AssistantMetrics

	gate     *semaphore.Weighted
	inFlight atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

func WithTools(r ToolRegistry) Option {
	return func(o *Orchestrator) { o.tools = r }
}

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithCache shares a process-wide cache for thread ids and validation results.
func WithCache(c *cache.Cache[string]) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.cache = c
		}
	}
}

func WithMetrics(m *metrics.AssistantMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds an Orchestrator. Provider and threads are required.
func New(cfg Config, provider Provider, threads ThreadStore, logger *logging.Logger, opts ...Option) *Orchestrator {
	if provider == nil {
		panic("assistant: provider cannot be nil")
	}
	if threads == nil {
		panic("assistant: thread store cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		provider: provider,
		threads:  threads,
		logger:   logger,
		gate:     semaphore.NewWeighted(cfg.MaxConcurrentCalls),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cache == nil {
		o.cache = cache.New[string](cache.WithName("assistant"), cache.WithLogger(logger))
	}
	cfg.MessageRetry.Logger = logger
	cfg.ProviderRetry.Logger = logger
	o.cfg = cfg
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// InFlight returns the number of requests currently holding the gate.
func (o *Orchestrator) InFlight() int64 {
	return o.inFlight.Load()
}

// MaxConcurrent returns the concurrency ceiling.
func (o *Orchestrator) MaxConcurrent() int64 {
	return o.cfg.MaxConcurrentCalls
}

// ProcessMessage runs one user turn end to end. When the concurrency ceiling
// is reached it returns immediately with a busy Result and ErrBusy.
func (o *Orchestrator) ProcessMessage(ctx context.Context, req Request) (*Result, error) {
	started := o.now()
	res := &Result{RequestID: uuid.NewString()}

	if !o.gate.TryAcquire(1) {
		o.metrics.ObserveBusy()
		o.logger.Warn("assistant: concurrency ceiling reached",
			"request_id", res.RequestID,
			"user_id", req.UserID,
			"in_flight", o.inFlight.Load(),
			"max", o.cfg.MaxConcurrentCalls,
		)
		res.Busy = true
		res.Response = BusyMessage
		return res, ErrBusy
	}
	o.inFlight.Add(1)
	o.metrics.IncInFlight()
	defer func() {
		o.inFlight.Add(-1)
		o.metrics.DecInFlight()
		o.gate.Release(1)
	}()

	ctx, span := tracer.Start(ctx, "assistant.process_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", res.RequestID),
		attribute.String("user_id", req.UserID),
		attribute.Bool("has_image", req.ImageURL != ""),
	)
	log := o.logger.With("request_id", res.RequestID, "user_id", req.UserID, "chat_id", req.ChatID)
	log.Info("assistant: processing message", "has_image", req.ImageURL != "", "length", len(req.Text))

	err := o.process(ctx, log, req, res)
	res.Duration = o.now().Sub(started)
	status := "completed"
	if err != nil {
		span.RecordError(err)
		status = "error"
		var runErr *RunError
		switch {
		case errors.As(err, &runErr):
			status = string(runErr.Status)
		case errors.Is(err, ErrRunTimeout):
			status = "timeout"
		}
		log.Error("assistant: processing failed", "error", err, "thread_id", res.ThreadID, "run_id", res.RunID)
	} else if res.Duration > 10*time.Second {
		log.Warn("assistant: high latency", "duration", res.Duration, "thread_id", res.ThreadID, "tokens", res.TokensUsed)
	}
	o.metrics.ObserveRun(status, res.Duration.Seconds())
	return res, err
}

func (o *Orchestrator) process(ctx context.Context, log *logging.Logger, req Request, res *Result) error {
	resolved, err := o.resolveThread(ctx, log, req)
	if err != nil {
		return err
	}
	res.ThreadID = resolved.threadID
	log = log.With("thread_id", resolved.threadID)

	msg := UserMessage{Text: req.Text, ImageURL: req.ImageURL}
	if err := retry.DoOpenAI(ctx, o.cfg.MessageRetry, func(ctx context.Context) error {
		return o.provider.CreateMessage(ctx, resolved.threadID, msg)
	}); err != nil {
		return fmt.Errorf("assistant: add message: %w", err)
	}

	model := ""
	if req.ImageURL != "" || o.threadHasImages(ctx, log, resolved.threadID) {
		model = o.cfg.VisionModel
		log.Info("assistant: using vision model", "model", model, "current_image", req.ImageURL != "")
	}
	res.Model = model

	opts := RunOptions{AssistantID: o.cfg.AssistantID, Model: model}
	if o.cfg.AdvertiseTools && o.tools != nil {
		for _, def := range o.tools.Definitions() {
			opts.Tools = append(opts.Tools, ToolDefinition{Name: def.Name, Description: def.Description, Parameters: def.Parameters})
		}
	}
	run, err := retry.DoOpenAIValue(ctx, o.cfg.ProviderRetry, func(ctx context.Context) (*Run, error) {
		return o.provider.CreateRun(ctx, resolved.threadID, opts)
	})
	if err != nil {
		return fmt.Errorf("assistant: create run: %w", err)
	}
	res.RunID = run.ID

	final, calls, err := o.awaitRun(ctx, log, req, resolved.threadID, run)
	res.FunctionCalls = calls
	if err != nil {
		return err
	}

	res.TokensUsed = final.TotalTokens
	res.ThreadTokenCount = resolved.baseTokens + final.TotalTokens
	if ok, err := o.threads.UpdateThreadActivity(ctx, req.UserID, final.TotalTokens, resolved.threadID); err != nil {
		log.Warn("assistant: storing token count failed", "error", err)
	} else if !ok {
		log.Warn("assistant: no client record for token count")
	}

	text, err := o.latestReply(ctx, resolved.threadID)
	if err != nil {
		return fmt.Errorf("assistant: read reply: %w", err)
	}
	res.Response = text
	log.Info("assistant: run completed",
		"run_id", run.ID,
		"tokens", res.TokensUsed,
		"thread_tokens", res.ThreadTokenCount,
		"function_calls", calls,
		"response_length", len(text),
	)
	return nil
}

// latestReply returns the newest message when it is from the assistant.
func (o *Orchestrator) latestReply(ctx context.Context, threadID string) (string, error) {
	msgs, err := retry.DoOpenAIValue(ctx, o.cfg.ProviderRetry, func(ctx context.Context) ([]ThreadMessage, error) {
		return o.provider.ListMessages(ctx, threadID, 1)
	})
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 || msgs[0].Role != "assistant" {
		return "", nil
	}
	return msgs[0].Text, nil
}

func (o *Orchestrator) threadHasImages(ctx context.Context, log *logging.Logger, threadID string) bool {
	msgs, err := o.provider.ListMessages(ctx, threadID, 20)
	if err != nil {
		// lookup failures never force the vision model
		log.Warn("assistant: image history check failed", "error", err)
		return false
	}
	for _, m := range msgs {
		if m.HasImage {
			return true
		}
	}
	return false
}
