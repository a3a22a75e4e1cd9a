// Package session tracks per-chat conversation state and a short buffer of
// recent messages.
package session

import (
	"context"
	"strings"
	"time"
)

// Roles recorded in the message buffer.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation is the tracked state for a (user, chat) pair. MessageCount
// and TokenCount only grow until the conversation is reset.
type Conversation struct {
	UserID         string         `json:"userId"`
	ChatID         string         `json:"chatId"`
	ConversationID string         `json:"conversationId,omitempty"`
	LastResponseID string         `json:"lastResponseId,omitempty"`
	MessageCount   int            `json:"messageCount"`
	TokenCount     int            `json:"tokenCount"`
	LastActivity   time.Time      `json:"lastActivity"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (c Conversation) clone() Conversation {
	if c.Metadata != nil {
		md := make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			md[k] = v
		}
		c.Metadata = md
	}
	return c
}

// Message is one buffered turn.
type Message struct {
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	ResponseID string    `json:"responseId,omitempty"`
}

// Context is the bundle handed to the assistant for a turn.
type Context struct {
	ConversationID     string         `json:"conversationId,omitempty"`
	PreviousResponseID string         `json:"previousResponseId,omitempty"`
	MessageHistory     []Message      `json:"messageHistory"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Store persists conversations beyond the process lifetime.
// LoadConversation returns nil, nil when nothing is stored.
type Store interface {
	LoadConversation(ctx context.Context, userID, chatID string) (*Conversation, error)
	SaveConversation(ctx context.Context, conv Conversation) error
	AppendMessage(ctx context.Context, userID, chatID string, msg Message) error
	DeleteConversation(ctx context.Context, userID, chatID string) error
	ActiveSince(ctx context.Context, since time.Time) ([]Conversation, error)
}

func key(userID, chatID string) string {
	return userID + ":" + chatID
}

// legacyResponsePrefix marks ids from the thread-based API; they cannot be
// chained as a previous response.
const legacyResponsePrefix = "thread_"

func usableResponseID(id string) bool {
	return id != "" && !strings.HasPrefix(id, legacyResponsePrefix)
}
