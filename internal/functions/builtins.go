package functions

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/session"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	ContextRecent10 = "recent_10"
	ContextRecent20 = "recent_20"

	EscalatedLabel = "escalated"
)

var errNoCaller = errors.New("functions: no conversation attached to call")

// MessageSource exposes buffered conversation messages.
type MessageSource interface {
	RecentMessages(userID, chatID string, limit int) []session.Message
}

// ThreadStore reads and updates client thread records.
type ThreadStore interface {
	GetThread(ctx context.Context, userID string) (*persistence.ThreadRecord, error)
	SaveOrUpdateThread(ctx context.Context, userID string, update persistence.ThreadUpdate) (*persistence.ThreadRecord, error)
}

type ConversationContextArgs struct {
	ContextLevel string `json:"context_level" jsonschema:"enum=recent_10,enum=recent_20,description=How many recent messages to return" validate:"required,oneof=recent_10 recent_20"`
}

// ConversationContext returns the get_conversation_context function.
func ConversationContext(messages MessageSource) Function {
	return New("get_conversation_context",
		"Returns the most recent messages exchanged with the guest in this chat.",
		func(ctx context.Context, args ConversationContextArgs) (any, error) {
			caller, ok := CallerFrom(ctx)
			if !ok {
				return nil, errNoCaller
			}
			limit := 10
			if args.ContextLevel == ContextRecent20 {
				limit = 20
			}
			msgs := messages.RecentMessages(caller.UserID, caller.ChatID, limit)

			type entry struct {
				Role    string `json:"role"`
				Content string `json:"content"`
				At      string `json:"at"`
			}
			history := make([]entry, 0, len(msgs))
			for _, m := range msgs {
				history = append(history, entry{Role: m.Role, Content: m.Content, At: m.Timestamp.UTC().Format("2006-01-02T15:04:05Z")})
			}
			return map[string]any{
				"context_level": args.ContextLevel,
				"message_count": len(history),
				"messages":      history,
			}, nil
		})
}

type EscalateArgs struct {
	Reason string `json:"reason" jsonschema:"description=Why the guest needs a human host" validate:"required,min=3,max=500"`
}

// EscalateToHuman returns the escalate_to_human function. It tags the client
// record so hosts can pick the chat up.
func EscalateToHuman(threads ThreadStore, logger *logging.Logger) Function {
	if logger == nil {
		logger = logging.Default()
	}
	return New("escalate_to_human",
		"Flags the conversation for a human host when the guest needs help the assistant cannot give.",
		func(ctx context.Context, args EscalateArgs) (any, error) {
			caller, ok := CallerFrom(ctx)
			if !ok {
				return nil, errNoCaller
			}
			thread, err := threads.GetThread(ctx, caller.UserID)
			if err != nil {
				return nil, fmt.Errorf("functions: load client: %w", err)
			}
			var labels []string
			if thread != nil {
				labels = thread.Labels
			}
			if !slices.Contains(labels, EscalatedLabel) {
				labels = append(slices.Clone(labels), EscalatedLabel)
				if _, err := threads.SaveOrUpdateThread(ctx, caller.UserID, persistence.ThreadUpdate{Labels: labels}); err != nil {
					return nil, fmt.Errorf("functions: tag client: %w", err)
				}
			}
			logger.Warn("conversation escalated to human",
				"user_id", caller.UserID,
				"chat_id", caller.ChatID,
				"reason", args.Reason,
			)
			return map[string]any{
				"escalated": true,
				"message":   "A host has been notified and will follow up shortly.",
			}, nil
		})
}
