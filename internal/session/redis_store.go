package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultRedisTTL      = 7 * 24 * time.Hour
	defaultStoredHistory = 100
	activeIndexKey       = "conversations:active"
)

// RedisStore keeps conversations as JSON documents with a TTL, a capped
// message list per conversation, and a sorted activity index.
type RedisStore struct {
	redis      *redis.Client
	tracer     trace.Tracer
	ttl        time.Duration
	maxHistory int64
}

// NewRedisStore panics on a nil client. A nil tracer uses the global provider.
func NewRedisStore(client *redis.Client, tracer trace.Tracer) *RedisStore {
	if client == nil {
		panic("session: redis client cannot be nil")
	}
	if tracer == nil {
		tracer = otel.Tracer("concierge.internal.session.redis")
	}
	return &RedisStore{
		redis:      client,
		tracer:     tracer,
		ttl:        defaultRedisTTL,
		maxHistory: defaultStoredHistory,
	}
}

func (s *RedisStore) LoadConversation(ctx context.Context, userID, chatID string) (*Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "session.load_conversation",
		trace.WithAttributes(attribute.String("chat_id", chatID)))
	defer span.End()

	data, err := s.redis.Get(ctx, conversationKey(userID, chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: load conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: decode conversation: %w", err)
	}
	if conv.Metadata == nil {
		conv.Metadata = map[string]any{}
	}
	return &conv, nil
}

func (s *RedisStore) SaveConversation(ctx context.Context, conv Conversation) error {
	ctx, span := s.tracer.Start(ctx, "session.save_conversation",
		trace.WithAttributes(attribute.String("chat_id", conv.ChatID)))
	defer span.End()

	data, err := json.Marshal(conv)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: encode conversation: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, conversationKey(conv.UserID, conv.ChatID), data, s.ttl)
	pipe.ZAdd(ctx, activeIndexKey, redis.Z{
		Score:  float64(conv.LastActivity.Unix()),
		Member: key(conv.UserID, conv.ChatID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: save conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendMessage(ctx context.Context, userID, chatID string, msg Message) error {
	ctx, span := s.tracer.Start(ctx, "session.append_message")
	defer span.End()

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: encode message: %w", err)
	}

	k := messagesKey(userID, chatID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, k, data)
	pipe.LTrim(ctx, k, -s.maxHistory, -1)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: append message: %w", err)
	}
	return nil
}

// Messages returns the stored message history, oldest first.
func (s *RedisStore) Messages(ctx context.Context, userID, chatID string) ([]Message, error) {
	raw, err := s.redis.LRange(ctx, messagesKey(userID, chatID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("session: load messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	for _, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("session: decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) DeleteConversation(ctx context.Context, userID, chatID string) error {
	ctx, span := s.tracer.Start(ctx, "session.delete_conversation")
	defer span.End()

	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, conversationKey(userID, chatID), messagesKey(userID, chatID))
	pipe.ZRem(ctx, activeIndexKey, key(userID, chatID))
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("session: delete conversation: %w", err)
	}
	return nil
}

func (s *RedisStore) ActiveSince(ctx context.Context, since time.Time) ([]Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "session.active_since")
	defer span.End()

	members, err := s.redis.ZRangeByScore(ctx, activeIndexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("session: query activity index: %w", err)
	}

	out := make([]Conversation, 0, len(members))
	for _, member := range members {
		userID, chatID, ok := strings.Cut(member, ":")
		if !ok {
			continue
		}
		conv, err := s.LoadConversation(ctx, userID, chatID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			// document expired before the index entry; drop the stale member
			s.redis.ZRem(ctx, activeIndexKey, member)
			continue
		}
		out = append(out, *conv)
	}
	return out, nil
}

func conversationKey(userID, chatID string) string {
	return fmt.Sprintf("conversation:%s:%s", userID, chatID)
}

func messagesKey(userID, chatID string) string {
	return fmt.Sprintf("conversation_messages:%s:%s", userID, chatID)
}
