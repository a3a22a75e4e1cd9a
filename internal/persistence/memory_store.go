package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfman30/rental-concierge/internal/cache"
)

// MemoryStore keeps client records in a TTL cache keyed by phone number.
// It is the gateway's store of last resort.
type MemoryStore struct {
	cache *cache.Cache[ClientRecord]
	// mu serializes read-modify-write sequences; the cache itself is already safe.
	mu     sync.Mutex
	nextID atomic.Int64
}

// NewMemoryStore wraps c. Entries expire according to the cache's TTL.
func NewMemoryStore(c *cache.Cache[ClientRecord]) *MemoryStore {
	if c == nil {
		panic("persistence: cache required")
	}
	return &MemoryStore{cache: c}
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) FindByPhone(_ context.Context, phone string) (*ClientRecord, error) {
	rec, ok := s.cache.Get(phone)
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) FindByChatID(_ context.Context, chatID string) (*ClientRecord, error) {
	if chatID == "" {
		return nil, ErrNotFound
	}
	var found *ClientRecord
	s.cache.Range(func(_ string, rec ClientRecord) bool {
		if rec.ChatID == chatID {
			found = &rec
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) Insert(_ context.Context, rec ClientRecord) (*ClientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.cache.Peek(rec.PhoneNumber); ok {
		merged := Patch{
			ChatID:       &rec.ChatID,
			Name:         nullable(rec.Name),
			UserName:     nullable(rec.UserName),
			ThreadID:     &rec.ThreadID,
			TokenCount:   &rec.ThreadTokenCount,
			LastActivity: &rec.LastActivity,
		}
		if len(rec.Labels) > 0 {
			merged.Labels = rec.Labels
		}
		out := merged.apply(existing)
		s.cache.Set(out.PhoneNumber, out)
		return &out, nil
	}

	if rec.ID == 0 {
		rec.ID = s.nextID.Add(1)
	}
	s.cache.Set(rec.PhoneNumber, rec)
	return &rec, nil
}

func (s *MemoryStore) Update(_ context.Context, existing *ClientRecord, patch Patch) (*ClientRecord, error) {
	if existing == nil {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cache.Peek(existing.PhoneNumber)
	if !ok {
		current = *existing
	}
	out := patch.apply(current)
	s.cache.Set(out.PhoneNumber, out)
	return &out, nil
}

// Put stores rec as-is; the gateway uses it to mirror primary-store state.
func (s *MemoryStore) Put(rec ClientRecord) {
	if rec.PhoneNumber == "" {
		return
	}
	s.mu.Lock()
	s.cache.Set(rec.PhoneNumber, rec)
	s.mu.Unlock()
}

func (s *MemoryStore) ClearThread(_ context.Context, phone string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.cache.Peek(phone)
	if !ok {
		return false, nil
	}
	rec.ThreadID = ""
	rec.ThreadTokenCount = 0
	s.cache.Set(phone, rec)
	return true, nil
}

func (s *MemoryStore) RecentThreads(_ context.Context, since time.Time) ([]ClientRecord, error) {
	var out []ClientRecord
	s.cache.Range(func(_ string, rec ClientRecord) bool {
		if rec.ThreadID != "" && !rec.LastActivity.Before(since) {
			out = append(out, rec)
		}
		return true
	})
	return out, nil
}

func (s *MemoryStore) DeleteInactive(_ context.Context, before time.Time) (int64, error) {
	var stale []string
	s.cache.Range(func(key string, rec ClientRecord) bool {
		if rec.LastActivity.Before(before) {
			stale = append(stale, key)
		}
		return true
	})
	var removed int64
	for _, key := range stale {
		if s.cache.Delete(key) {
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Counts(context.Context) (Counts, error) {
	var c Counts
	s.cache.Range(func(_ string, rec ClientRecord) bool {
		c.Clients++
		if rec.ThreadID != "" {
			c.Threads++
		}
		return true
	})
	return c, nil
}
