package session

import (
	"context"
	"sync"
	"time"

	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	DefaultMaxMessages   = 20
	DefaultRecentLimit   = 10
	DefaultInactiveHours = 24
	preloadWindow        = 24 * time.Hour
	preloadTimeout       = 10 * time.Second
	longConversation     = 50
)

var messageMilestones = map[int]bool{50: true, 100: true, 200: true}

// Tracker keeps conversation state in memory and mirrors it to an optional Store.
type Tracker struct {
	store       Store
	logger      *logging.Logger
	maxMessages int
	now         func() time.Time

	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string][]Message
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithMaxMessages caps the per-conversation message buffer.
func WithMaxMessages(n int) TrackerOption {
	return func(t *Tracker) {
		if n > 0 {
			t.maxMessages = n
		}
	}
}

func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker builds a tracker and preloads conversations active in the last
// 24 hours. A preload failure is logged and the tracker starts cold.
func NewTracker(ctx context.Context, store Store, logger *logging.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = logging.Default()
	}
	t := &Tracker{
		store:         store,
		logger:        logger,
		maxMessages:   DefaultMaxMessages,
		now:           time.Now,
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.preload(ctx)
	return t
}

func (t *Tracker) preload(ctx context.Context) {
	if t.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, preloadTimeout)
	defer cancel()

	convs, err := t.store.ActiveSince(ctx, t.now().Add(-preloadWindow))
	if err != nil {
		t.logger.Warn("session: preload failed, starting cold", "error", err)
		return
	}
	t.mu.Lock()
	for i := range convs {
		c := convs[i].clone()
		t.conversations[key(c.UserID, c.ChatID)] = &c
	}
	t.mu.Unlock()
	t.logger.Info("session: preloaded conversations", "count", len(convs))
}

// GetOrCreateConversation resolves from memory, then the store, then creates
// a new conversation. The result is memoized.
func (t *Tracker) GetOrCreateConversation(ctx context.Context, userID, chatID string) Conversation {
	k := key(userID, chatID)
	t.mu.RLock()
	if c, ok := t.conversations[k]; ok {
		out := c.clone()
		t.mu.RUnlock()
		return out
	}
	t.mu.RUnlock()

	var loaded *Conversation
	if t.store != nil {
		conv, err := t.store.LoadConversation(ctx, userID, chatID)
		if err != nil {
			t.logger.Warn("session: load conversation failed", "user_id", userID, "chat_id", chatID, "error", err)
		}
		loaded = conv
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conversations[k]; ok {
		return c.clone()
	}
	if loaded == nil {
		return t.createLocked(userID, chatID).clone()
	}
	c := loaded.clone()
	t.conversations[k] = &c
	return c.clone()
}

// createLocked stores a fresh conversation. Callers hold t.mu.
func (t *Tracker) createLocked(userID, chatID string) *Conversation {
	c := &Conversation{
		UserID:       userID,
		ChatID:       chatID,
		LastActivity: t.now(),
		Metadata:     map[string]any{},
	}
	t.conversations[key(userID, chatID)] = c
	t.logger.Debug("session: new conversation", "user_id", userID, "chat_id", chatID)
	return c
}

// UpdateConversation counts one message and tokensUsed tokens and records
// responseID as the latest response.
func (t *Tracker) UpdateConversation(ctx context.Context, userID, chatID, responseID string, tokensUsed int) Conversation {
	t.GetOrCreateConversation(ctx, userID, chatID)

	t.mu.Lock()
	c, ok := t.conversations[key(userID, chatID)]
	if !ok {
		// reset or evicted since the lookup above
		c = t.createLocked(userID, chatID)
	}
	c.MessageCount++
	if tokensUsed > 0 {
		c.TokenCount += tokensUsed
	}
	if responseID != "" {
		c.LastResponseID = responseID
	}
	c.LastActivity = t.now()
	out := c.clone()
	t.mu.Unlock()

	if messageMilestones[out.MessageCount] {
		t.logger.Info("session: conversation milestone",
			"user_id", userID,
			"chat_id", chatID,
			"message_count", out.MessageCount,
			"token_count", out.TokenCount,
		)
	}
	if out.MessageCount == longConversation+1 {
		t.logger.Warn("session: long conversation", "user_id", userID, "chat_id", chatID, "message_count", out.MessageCount)
	}

	if t.store != nil {
		if err := t.store.SaveConversation(ctx, out); err != nil {
			t.logger.Warn("session: save conversation failed", "user_id", userID, "chat_id", chatID, "error", err)
		}
	}
	return out
}

// AddMessage appends to the ring buffer, dropping the oldest entry at the
// cap. Messages carrying a responseID are also persisted.
func (t *Tracker) AddMessage(ctx context.Context, userID, chatID, role, content, responseID string) {
	msg := Message{Role: role, Content: content, Timestamp: t.now(), ResponseID: responseID}
	k := key(userID, chatID)

	t.mu.Lock()
	buf := t.messages[k]
	if len(buf) >= t.maxMessages {
		buf = append(buf[:0], buf[len(buf)-t.maxMessages+1:]...)
	}
	t.messages[k] = append(buf, msg)
	t.mu.Unlock()

	if responseID == "" || t.store == nil {
		return
	}
	if err := t.store.AppendMessage(ctx, userID, chatID, msg); err != nil {
		t.logger.Warn("session: persist message failed", "user_id", userID, "chat_id", chatID, "error", err)
	}
}

// RecentMessages returns up to limit buffered messages, oldest first.
func (t *Tracker) RecentMessages(userID, chatID string, limit int) []Message {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	buf := t.messages[key(userID, chatID)]
	if len(buf) > limit {
		buf = buf[len(buf)-limit:]
	}
	return append([]Message(nil), buf...)
}

// ConversationContext bundles state for the next assistant call. Previous
// response ids in the legacy thread format are left out.
func (t *Tracker) ConversationContext(ctx context.Context, userID, chatID string) Context {
	conv := t.GetOrCreateConversation(ctx, userID, chatID)
	out := Context{
		ConversationID: conv.ConversationID,
		MessageHistory: t.RecentMessages(userID, chatID, DefaultRecentLimit),
		Metadata:       conv.Metadata,
	}
	switch {
	case usableResponseID(conv.LastResponseID):
		out.PreviousResponseID = conv.LastResponseID
	case conv.LastResponseID != "":
		t.logger.Info("session: ignoring legacy response id", "user_id", userID, "chat_id", chatID, "response_id", conv.LastResponseID)
	}
	return out
}

// ResetConversation clears memory and stored state for the pair.
func (t *Tracker) ResetConversation(ctx context.Context, userID, chatID string) error {
	k := key(userID, chatID)
	t.mu.Lock()
	delete(t.conversations, k)
	delete(t.messages, k)
	t.mu.Unlock()

	if t.store == nil {
		return nil
	}
	return t.store.DeleteConversation(ctx, userID, chatID)
}

// CleanupInactiveConversations evicts in-memory conversations idle for more
// than hoursInactive (24 when non-positive). Stored copies are kept.
func (t *Tracker) CleanupInactiveConversations(hoursInactive int) int {
	if hoursInactive <= 0 {
		hoursInactive = DefaultInactiveHours
	}
	cutoff := t.now().Add(-time.Duration(hoursInactive) * time.Hour)

	t.mu.Lock()
	removed := 0
	for k, c := range t.conversations {
		if c.LastActivity.Before(cutoff) {
			delete(t.conversations, k)
			delete(t.messages, k)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Info("session: evicted inactive conversations", "removed", removed, "hours_inactive", hoursInactive)
	}
	return removed
}

// Len returns the number of in-memory conversations.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conversations)
}
