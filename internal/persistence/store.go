package persistence

import (
	"context"
	"time"
)

// Store is a backing store for client records. Lookups return ErrNotFound
// when no row matches.
type Store interface {
	Name() string
	Ping(ctx context.Context) error
	FindByPhone(ctx context.Context, phone string) (*ClientRecord, error)
	FindByChatID(ctx context.Context, chatID string) (*ClientRecord, error)
	// Insert creates a record, merging into an existing row on a phone number conflict.
	Insert(ctx context.Context, rec ClientRecord) (*ClientRecord, error)
	// Update applies patch to the row identified by existing and returns the result.
	Update(ctx context.Context, existing *ClientRecord, patch Patch) (*ClientRecord, error)
	// ClearThread drops the thread id and token count, keeping the rest of the row.
	ClearThread(ctx context.Context, phone string) (bool, error)
	RecentThreads(ctx context.Context, since time.Time) ([]ClientRecord, error)
	DeleteInactive(ctx context.Context, before time.Time) (int64, error)
	Counts(ctx context.Context) (Counts, error)
}
