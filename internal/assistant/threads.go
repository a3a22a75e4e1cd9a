package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/retry"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	threadCacheTTL        = time.Hour
	validThreadTTL        = 30 * time.Minute
	missingThreadTTL      = 5 * time.Minute
	hasMessagesTTL        = 5 * time.Minute
	hasMessagesOnErrorTTL = time.Minute

	cacheValid   = "valid"
	cacheMissing = "missing"
	cacheYes     = "yes"
	cacheNo      = "no"
)

func threadCacheKey(userID, chatID string) string {
	return "thread:" + userID + ":" + chatID
}

func validationKey(threadID string) string { return "thread_valid:" + threadID }

func hasMessagesKey(threadID string) string { return "thread_messages:" + threadID }

type resolvedThread struct {
	threadID   string
	baseTokens int
	created    bool
}

// resolveThread picks the thread for this turn and the token count it starts
// from. Any change of thread id resets the stored counter.
func (o *Orchestrator) resolveThread(ctx context.Context, log *logging.Logger, req Request) (resolvedThread, error) {
	believed := req.ThreadID
	baseTokens := 0
	stored, err := o.threads.GetThread(ctx, req.UserID)
	if err != nil {
		log.Warn("assistant: loading stored thread failed", "error", err)
	}
	if stored != nil {
		if believed == "" {
			believed = stored.ThreadID
		}
		if stored.ThreadID == believed {
			baseTokens = stored.TokenCount
		}
	}

	if believed != "" {
		switch o.ValidateThread(ctx, believed) {
		case ThreadMissing:
			log.Warn("assistant: stored thread no longer exists", "old_thread_id", believed)
			o.metrics.ObserveThreadEvent("invalid")
			o.resetTokens(ctx, log, req.UserID)
			o.cache.Delete(hasMessagesKey(believed))
		default:
			if !o.ThreadHasMessages(ctx, believed) {
				log.Info("assistant: thread is empty, resetting token count", "thread_id", believed)
				o.metrics.ObserveThreadEvent("empty")
				o.resetTokens(ctx, log, req.UserID)
				baseTokens = 0
			}
			if stored == nil || stored.ThreadID != believed {
				o.storeThread(ctx, log, req, believed)
			}
			o.metrics.ObserveThreadEvent("reused")
			return resolvedThread{threadID: believed, baseTokens: baseTokens}, nil
		}
	}

	threadID, created, err := o.threadFor(ctx, log, req, believed)
	if err != nil {
		return resolvedThread{}, err
	}
	o.storeThread(ctx, log, req, threadID)
	return resolvedThread{threadID: threadID, created: created}, nil
}

// storeThread records threadID as the user's thread with a zero token count;
// counters from a different thread are meaningless.
func (o *Orchestrator) storeThread(ctx context.Context, log *logging.Logger, req Request, threadID string) {
	update := persistence.ThreadUpdate{ThreadID: &threadID, TokenCount: new(int)}
	if req.ChatID != "" {
		update.ChatID = &req.ChatID
	}
	if req.UserName != "" {
		update.UserName = &req.UserName
	}
	if _, err := o.threads.SaveOrUpdateThread(ctx, req.UserID, update); err != nil {
		log.Warn("assistant: storing thread failed", "thread_id", threadID, "error", err)
	}
}

// threadFor returns the cached thread for the chat, or creates one. A cached
// id equal to the thread that just failed validation is discarded.
func (o *Orchestrator) threadFor(ctx context.Context, log *logging.Logger, req Request, invalid string) (string, bool, error) {
	key := threadCacheKey(req.UserID, req.ChatID)
	if o.cfg.EnableThreadCache {
		if id, ok := o.cache.Get(key); ok && id != "" {
			if id != invalid {
				log.Debug("assistant: using cached thread", "thread_id", id)
				o.metrics.ObserveThreadEvent("cached")
				return id, false, nil
			}
			o.cache.Delete(key)
		}
	}

	id, err := retry.DoOpenAIValue(ctx, o.cfg.ProviderRetry, func(ctx context.Context) (string, error) {
		return o.provider.CreateThread(ctx)
	})
	if err != nil {
		return "", false, fmt.Errorf("assistant: create thread: %w", err)
	}
	log.Info("assistant: created thread", "thread_id", id)
	o.metrics.ObserveThreadEvent("created")
	if o.cfg.EnableThreadCache {
		o.cache.SetWithTTL(key, id, threadCacheTTL)
	}
	o.cache.SetWithTTL(validationKey(id), cacheValid, validThreadTTL)
	return id, true, nil
}

func (o *Orchestrator) resetTokens(ctx context.Context, log *logging.Logger, userID string) {
	if err := o.threads.UpdateThreadTokenCount(ctx, userID, 0); err != nil {
		log.Warn("assistant: resetting token count failed", "error", err)
	}
}

// ValidateThread checks that threadID still exists at the provider. Valid
// results are cached for 30 minutes and missing ones for 5; transient
// failures return ThreadUnknown and are not cached.
func (o *Orchestrator) ValidateThread(ctx context.Context, threadID string) ThreadState {
	key := validationKey(threadID)
	if v, ok := o.cache.Get(key); ok {
		if v == cacheMissing {
			return ThreadMissing
		}
		return ThreadValid
	}

	policy := o.cfg.ProviderRetry
	policy.MaxRetries = 2
	_, err := retry.WithTimeout(ctx, "validate_thread", o.cfg.ValidationTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, retry.DoOpenAI(ctx, policy, func(ctx context.Context) error {
			return o.provider.RetrieveThread(ctx, threadID)
		})
	})

	state := classifyThreadError(err)
	switch state {
	case ThreadValid:
		o.cache.SetWithTTL(key, cacheValid, validThreadTTL)
	case ThreadMissing:
		o.cache.SetWithTTL(key, cacheMissing, missingThreadTTL)
	default:
		o.logger.Warn("assistant: thread validation inconclusive, keeping thread", "thread_id", threadID, "error", err)
	}
	return state
}

// ThreadHasMessages reports whether threadID holds any message. Answers are
// cached for 5 minutes; on error the configured default is cached for 1.
func (o *Orchestrator) ThreadHasMessages(ctx context.Context, threadID string) bool {
	key := hasMessagesKey(threadID)
	if v, ok := o.cache.Get(key); ok {
		return v == cacheYes
	}

	msgs, err := retry.WithTimeout(ctx, "thread_has_messages", o.cfg.ValidationTimeout, func(ctx context.Context) ([]ThreadMessage, error) {
		return o.provider.ListMessages(ctx, threadID, 1)
	})
	if err != nil {
		has := o.cfg.AssumeMessagesOnCheckError
		o.logger.Warn("assistant: message check failed, using default", "thread_id", threadID, "assumed", has, "error", err)
		o.cache.SetWithTTL(key, boolValue(has), hasMessagesOnErrorTTL)
		return has
	}
	has := len(msgs) > 0
	o.cache.SetWithTTL(key, boolValue(has), hasMessagesTTL)
	return has
}

func boolValue(b bool) string {
	if b {
		return cacheYes
	}
	return cacheNo
}

// ClearThread deletes the user's provider thread and clears the stored
// thread. Provider failures are logged; the stored thread is cleared anyway.
func (o *Orchestrator) ClearThread(ctx context.Context, userID string) (bool, error) {
	stored, err := o.threads.GetThread(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("assistant: clear thread: %w", err)
	}
	if stored == nil {
		return false, nil
	}
	if stored.ThreadID != "" {
		if err := o.provider.DeleteThread(ctx, stored.ThreadID); err != nil {
			o.logger.Warn("assistant: deleting provider thread failed", "thread_id", stored.ThreadID, "error", err)
		}
		o.cache.Delete(validationKey(stored.ThreadID))
		o.cache.Delete(hasMessagesKey(stored.ThreadID))
	}
	o.cache.DeletePattern("thread:" + userID + ":*")

	cleared, err := o.threads.DeleteThread(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("assistant: clear thread: %w", err)
	}
	return cleared, nil
}
