package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists conversations in the conversations and
// conversation_messages tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const conversationColumns = `user_id, chat_id, COALESCE(conversation_id, ''), COALESCE(last_response_id, ''),
	message_count, token_count, last_activity, metadata`

func (s *PostgresStore) LoadConversation(ctx context.Context, userID, chatID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE user_id = $1 AND chat_id = $2
	`, userID, chatID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load conversation: %w", err)
	}
	return conv, nil
}

func (s *PostgresStore) SaveConversation(ctx context.Context, conv Conversation) error {
	metadata, err := marshalMetadata(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (user_id, chat_id, conversation_id, last_response_id, message_count, token_count, last_activity, metadata)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8)
		ON CONFLICT (user_id, chat_id) DO UPDATE SET
			conversation_id = EXCLUDED.conversation_id,
			last_response_id = EXCLUDED.last_response_id,
			message_count = EXCLUDED.message_count,
			token_count = EXCLUDED.token_count,
			last_activity = EXCLUDED.last_activity,
			metadata = EXCLUDED.metadata
	`, conv.UserID, conv.ChatID, conv.ConversationID, conv.LastResponseID,
		conv.MessageCount, conv.TokenCount, conv.LastActivity.UTC(), metadata)
	if err != nil {
		return fmt.Errorf("session: save conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, userID, chatID string, msg Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_messages (user_id, chat_id, role, content, response_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, userID, chatID, msg.Role, msg.Content, msg.ResponseID, msg.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("session: append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, userID, chatID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("session: begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_messages WHERE user_id = $1 AND chat_id = $2`, userID, chatID); err != nil {
		return fmt.Errorf("session: delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE user_id = $1 AND chat_id = $2`, userID, chatID); err != nil {
		return fmt.Errorf("session: delete conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("session: commit delete: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveSince(ctx context.Context, since time.Time) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE last_activity >= $1
		ORDER BY last_activity DESC
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("session: query active conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("session: scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session: iterate conversations: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv     Conversation
		metadata []byte
	)
	if err := row.Scan(
		&conv.UserID,
		&conv.ChatID,
		&conv.ConversationID,
		&conv.LastResponseID,
		&conv.MessageCount,
		&conv.TokenCount,
		&conv.LastActivity,
		&metadata,
	); err != nil {
		return nil, err
	}
	conv.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &conv, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if md == nil {
		md = map[string]any{}
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("session: encode metadata: %w", err)
	}
	return b, nil
}
