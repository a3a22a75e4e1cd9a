package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const clientColumns = `id, phone_number, COALESCE(chat_id, ''), COALESCE(name, ''), COALESCE(user_name, ''),
	COALESCE(labels, ''), COALESCE(thread_id, ''), thread_token_count, last_activity`

// PostgresStore persists client records in the clients table.
type PostgresStore struct {
	db pgxQuerier
}

// NewPostgresStore wraps a pgx pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	if pool == nil {
		panic("persistence: pgx pool required")
	}
	return &PostgresStore{db: pool}
}

func newPostgresStoreWithQuerier(db pgxQuerier) *PostgresStore {
	if db == nil {
		panic("persistence: querier required")
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("persistence: ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByPhone(ctx context.Context, phone string) (*ClientRecord, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE phone_number = $1`
	rec, err := scanClient(s.db.QueryRow(ctx, query, phone))
	if err != nil {
		return nil, wrapPgError("find by phone", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByChatID(ctx context.Context, chatID string) (*ClientRecord, error) {
	query := `SELECT ` + clientColumns + ` FROM clients WHERE chat_id = $1`
	rec, err := scanClient(s.db.QueryRow(ctx, query, chatID))
	if err != nil {
		return nil, wrapPgError("find by chat id", err)
	}
	return rec, nil
}

func (s *PostgresStore) Insert(ctx context.Context, rec ClientRecord) (*ClientRecord, error) {
	query := `
		INSERT INTO clients (phone_number, chat_id, name, user_name, labels, thread_id, thread_token_count, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (phone_number) DO UPDATE SET
			chat_id = COALESCE(clients.chat_id, EXCLUDED.chat_id),
			name = COALESCE(EXCLUDED.name, clients.name),
			user_name = COALESCE(EXCLUDED.user_name, clients.user_name),
			labels = COALESCE(EXCLUDED.labels, clients.labels),
			thread_id = COALESCE(EXCLUDED.thread_id, clients.thread_id),
			thread_token_count = EXCLUDED.thread_token_count,
			last_activity = EXCLUDED.last_activity,
			updated_at = now()
		RETURNING ` + clientColumns
	out, err := scanClient(s.db.QueryRow(ctx, query,
		rec.PhoneNumber,
		nullable(rec.ChatID),
		nullable(rec.Name),
		nullable(rec.UserName),
		nullable(JoinLabels(rec.Labels)),
		nullable(rec.ThreadID),
		rec.ThreadTokenCount,
		rec.LastActivity,
	))
	if err != nil {
		return nil, wrapPgError("insert client", err)
	}
	return out, nil
}

func (s *PostgresStore) Update(ctx context.Context, existing *ClientRecord, patch Patch) (*ClientRecord, error) {
	if existing == nil {
		return nil, ErrNotFound
	}
	var labels *string
	if patch.Labels != nil {
		labels = ptr(JoinLabels(patch.Labels))
	}
	query := `
		UPDATE clients SET
			chat_id = COALESCE(chat_id, $2),
			name = COALESCE($3, name),
			user_name = COALESCE($4, user_name),
			labels = COALESCE($5, labels),
			thread_id = COALESCE($6, thread_id),
			thread_token_count = COALESCE($7, thread_token_count),
			last_activity = COALESCE($8, last_activity),
			updated_at = now()
		WHERE id = $1
		RETURNING ` + clientColumns
	out, err := scanClient(s.db.QueryRow(ctx, query,
		existing.ID,
		nonEmpty(patch.ChatID),
		patch.Name,
		patch.UserName,
		labels,
		nonEmpty(patch.ThreadID),
		patch.TokenCount,
		patch.LastActivity,
	))
	if err != nil {
		return nil, wrapPgError("update client", err)
	}
	return out, nil
}

func (s *PostgresStore) ClearThread(ctx context.Context, phone string) (bool, error) {
	query := `UPDATE clients SET thread_id = NULL, thread_token_count = 0, updated_at = now() WHERE phone_number = $1`
	tag, err := s.db.Exec(ctx, query, phone)
	if err != nil {
		return false, wrapPgError("clear thread", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) RecentThreads(ctx context.Context, since time.Time) ([]ClientRecord, error) {
	query := `SELECT ` + clientColumns + ` FROM clients
		WHERE last_activity >= $1 AND thread_id IS NOT NULL
		ORDER BY last_activity DESC`
	rows, err := s.db.Query(ctx, query, since)
	if err != nil {
		return nil, wrapPgError("recent threads", err)
	}
	defer rows.Close()

	var out []ClientRecord
	for rows.Next() {
		rec, err := scanClient(rows)
		if err != nil {
			return nil, wrapPgError("scan recent thread", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapPgError("recent threads", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteInactive(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM clients WHERE last_activity < $1`, before)
	if err != nil {
		return 0, wrapPgError("delete inactive", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRow(ctx, `SELECT COUNT(*), COUNT(thread_id) FROM clients`).Scan(&c.Clients, &c.Threads)
	if err != nil {
		return Counts{}, wrapPgError("count clients", err)
	}
	return c, nil
}

func scanClient(row pgx.Row) (*ClientRecord, error) {
	var (
		rec    ClientRecord
		labels string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.PhoneNumber,
		&rec.ChatID,
		&rec.Name,
		&rec.UserName,
		&labels,
		&rec.ThreadID,
		&rec.ThreadTokenCount,
		&rec.LastActivity,
	); err != nil {
		return nil, err
	}
	rec.Labels = SplitLabels(labels)
	return &rec, nil
}

func wrapPgError(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("persistence: %s: %w: %s", op, ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("persistence: %s: %w", op, err)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
