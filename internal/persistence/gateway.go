package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// Mode is the gateway's current backing store.
type Mode string

const (
	ModeConnected Mode = "connected"
	ModeFallback  Mode = "fallback"
)

const (
	defaultRecentWindow = 24 * time.Hour
	defaultInactiveAge  = 30 * 24 * time.Hour
	whatsappSuffix      = "@s.whatsapp.net"
)

// ChatLabeler fetches label metadata for a chat from the messaging provider.
type ChatLabeler interface {
	ChatLabels(ctx context.Context, chatID string) ([]string, error)
}

// Gateway routes client persistence to the primary store while it is
// reachable and to the memory store otherwise. Primary-store outages are
// never returned to callers; the gateway switches to fallback and answers
// from memory until Connect succeeds again.
type Gateway struct {
	primary  Store
	fallback *MemoryStore
	labeler  ChatLabeler
	logger   *logging.Logger
	metrics  *metrics.PersistenceMetrics
	now      func() time.Time

	mu        sync.RWMutex
	connected bool
	lastErr   string
	since     time.Time

	crossed atomic.Int64
}

// GatewayOption customizes a Gateway.
type GatewayOption func(*Gateway)

func WithChatLabeler(l ChatLabeler) GatewayOption {
	return func(g *Gateway) {
		g.labeler = l
	}
}

func WithGatewayMetrics(m *metrics.PersistenceMetrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func WithGatewayClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway creates a gateway in fallback mode; call Connect to start using
// primary. A nil primary keeps the gateway in fallback permanently.
func NewGateway(primary Store, fallback *MemoryStore, logger *logging.Logger, opts ...GatewayOption) *Gateway {
	if fallback == nil {
		panic("persistence: fallback store required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	g := &Gateway{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.since = g.now()
	return g
}

// Connect pings the primary store and switches to connected mode on success.
func (g *Gateway) Connect(ctx context.Context) bool {
	if g.primary == nil {
		return false
	}
	if err := g.primary.Ping(ctx); err != nil {
		g.markFallback("connect", err)
		return false
	}
	g.mu.Lock()
	wasConnected := g.connected
	g.connected = true
	g.lastErr = ""
	if !wasConnected {
		g.since = g.now()
	}
	g.mu.Unlock()

	g.metrics.SetConnected(true)
	if !wasConnected {
		g.metrics.ObserveTransition(string(ModeConnected))
		g.logger.Info("persistence: primary store connected", "store", g.primary.Name())
	}
	return true
}

// ConnectionStatus reports the current mode.
func (g *Gateway) ConnectionStatus() ConnectionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	mode := ModeFallback
	if g.connected {
		mode = ModeConnected
	}
	return ConnectionStatus{
		Connected: g.connected,
		Mode:      mode,
		LastError: g.lastErr,
		Since:     g.since,
	}
}

func (g *Gateway) active() (Store, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.connected && g.primary != nil {
		return g.primary, true
	}
	return g.fallback, false
}

func (g *Gateway) markFallback(op string, err error) {
	g.mu.Lock()
	wasConnected := g.connected
	g.connected = false
	g.lastErr = err.Error()
	if wasConnected {
		g.since = g.now()
	}
	g.mu.Unlock()

	g.metrics.SetConnected(false)
	if wasConnected {
		g.metrics.ObserveTransition(string(ModeFallback))
		g.logger.Warn("persistence: primary store unavailable, switching to fallback", "operation", op, "error", err)
		return
	}
	g.logger.Debug("persistence: primary store still unavailable", "operation", op, "error", err)
}

// isOutage reports whether err means the primary store cannot be used, as
// opposed to a missing row, a key conflict or a schema/programming error.
func isOutage(err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return true
		default:
			return false
		}
	}
	return true
}

// run executes op against the active store. When the primary store fails
// with an outage the gateway flips to fallback and op is replayed against
// memory. Successful primary results are mirrored into memory.
func run[T any](ctx context.Context, g *Gateway, name string, op func(Store) (T, error), mirror func(T)) (T, error) {
	store, primary := g.active()
	out, err := op(store)
	if primary {
		if isOutage(err) {
			g.markFallback(name, err)
			g.metrics.ObserveOperation(name, g.fallback.Name())
			return op(g.fallback)
		}
		if err == nil && mirror != nil {
			mirror(out)
		}
	}
	g.metrics.ObserveOperation(name, store.Name())
	return out, err
}

func (g *Gateway) mirrorRecord(rec *ClientRecord) {
	if rec != nil {
		g.fallback.Put(*rec)
	}
}

// reconcile finds the row addressed by phone or chatID and updates it, or
// creates one carrying both keys. When the keys resolve to different rows
// the conflict is logged and the phone row wins.
func (g *Gateway) reconcile(ctx context.Context, store Store, phone, chatID string, patch Patch) (*ClientRecord, error) {
	byPhone, err := store.FindByPhone(ctx, phone)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var byChat *ClientRecord
	if chatID != "" {
		byChat, err = store.FindByChatID(ctx, chatID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	existing := byPhone
	switch {
	case byPhone != nil && byChat != nil && byPhone.PhoneNumber != byChat.PhoneNumber:
		g.crossed.Add(1)
		g.logger.Warn("persistence: phone and chat id resolve to different clients",
			"phone_number", phone,
			"chat_id", chatID,
			"phone_client_id", byPhone.ID,
			"chat_client_id", byChat.ID,
		)
	case byPhone == nil && byChat != nil:
		existing = byChat
	}

	if existing != nil {
		if byChat == nil && chatID != "" {
			patch.ChatID = &chatID
		} else {
			patch.ChatID = nil
		}
		return store.Update(ctx, existing, patch)
	}

	rec := patch.apply(ClientRecord{PhoneNumber: phone, ChatID: chatID})
	if rec.LastActivity.IsZero() {
		rec.LastActivity = g.now()
	}
	return store.Insert(ctx, rec)
}

// SaveOrUpdateThread merges the given thread fields into the client record.
// Fields absent from update are never cleared.
func (g *Gateway) SaveOrUpdateThread(ctx context.Context, userID string, update ThreadUpdate) (*ThreadRecord, error) {
	now := g.now()
	patch := Patch{
		UserName:     update.UserName,
		Labels:       update.Labels,
		ThreadID:     update.ThreadID,
		TokenCount:   update.TokenCount,
		LastActivity: &now,
	}
	chatID := ""
	if update.ChatID != nil {
		chatID = *update.ChatID
	}

	rec, err := run(ctx, g, "save_thread", func(s Store) (*ClientRecord, error) {
		return g.reconcile(ctx, s, userID, chatID, patch)
	}, g.mirrorRecord)
	if err != nil {
		return nil, fmt.Errorf("persistence: save thread: %w", err)
	}
	thread := rec.Thread()
	return &thread, nil
}

// UpdateThreadActivity records activity for an existing userID row and
// reports false when there is none. A positive tokenCount is added to the
// stored counter when currentThreadID matches the stored thread, and
// replaces it (along with the thread id) when it differs.
func (g *Gateway) UpdateThreadActivity(ctx context.Context, userID string, tokenCount int, currentThreadID string) (bool, error) {
	if tokenCount > 0 {
		g.reconnectIfFallback(ctx)
	}
	now := g.now()

	rec, err := run(ctx, g, "update_activity", func(s Store) (*ClientRecord, error) {
		existing, err := s.FindByPhone(ctx, userID)
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		patch := Patch{LastActivity: &now}
		if tokenCount > 0 {
			count := tokenCount
			if currentThreadID == "" || currentThreadID == existing.ThreadID {
				count = existing.ThreadTokenCount + tokenCount
			} else {
				patch.ThreadID = &currentThreadID
			}
			patch.TokenCount = &count
		}
		return s.Update(ctx, existing, patch)
	}, g.mirrorRecord)
	if err != nil {
		return false, fmt.Errorf("persistence: update thread activity: %w", err)
	}
	return rec != nil, nil
}

// UpdateThreadTokenCount sets the stored counter to count.
func (g *Gateway) UpdateThreadTokenCount(ctx context.Context, userID string, count int) error {
	if count < 0 {
		count = 0
	}
	g.reconnectIfFallback(ctx)
	_, err := g.SaveOrUpdateThread(ctx, userID, ThreadUpdate{TokenCount: &count})
	return err
}

func (g *Gateway) reconnectIfFallback(ctx context.Context) {
	if _, primary := g.active(); primary || g.primary == nil {
		return
	}
	if g.Connect(ctx) {
		g.logger.Info("persistence: reconnected during token update")
	}
}

// GetThread returns the thread view for userID, or nil when no client exists.
func (g *Gateway) GetThread(ctx context.Context, userID string) (*ThreadRecord, error) {
	rec, err := run(ctx, g, "get_thread", func(s Store) (*ClientRecord, error) {
		return s.FindByPhone(ctx, userID)
	}, g.mirrorRecord)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get thread: %w", err)
	}
	thread := rec.Thread()
	return &thread, nil
}

// DeleteThread clears the thread id and token count for userID.
func (g *Gateway) DeleteThread(ctx context.Context, userID string) (bool, error) {
	cleared, err := run(ctx, g, "delete_thread", func(s Store) (bool, error) {
		return s.ClearThread(ctx, userID)
	}, func(bool) {
		_, _ = g.fallback.ClearThread(ctx, userID)
	})
	if err != nil {
		return false, fmt.Errorf("persistence: delete thread: %w", err)
	}
	return cleared, nil
}

// UpsertClient stores webhook-sourced client data. Display names equal to
// the phone number are ignored; otherwise the latest non-empty name wins.
func (g *Gateway) UpsertClient(ctx context.Context, in ClientUpsert) (*ClientRecord, error) {
	phone := NormalizePhone(in.PhoneNumber)
	if phone == "" {
		return nil, errors.New("persistence: upsert client: phone number required")
	}
	now := g.now()
	patch := Patch{LastActivity: &now}
	if name := acceptName(in.ChatName, phone); name != "" {
		patch.Name = &name
	}
	if name := acceptName(in.FromName, phone); name != "" {
		patch.UserName = &name
	}
	if len(in.Labels) > 0 {
		patch.Labels = in.Labels
	}

	rec, err := run(ctx, g, "upsert_client", func(s Store) (*ClientRecord, error) {
		return g.reconcile(ctx, s, phone, in.ChatID, patch)
	}, g.mirrorRecord)
	if err != nil {
		return nil, fmt.Errorf("persistence: upsert client: %w", err)
	}
	return rec, nil
}

func acceptName(candidate, phone string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || NormalizePhone(candidate) == phone {
		return ""
	}
	return candidate
}

// NormalizePhone strips the WhatsApp JID suffix and a leading plus sign.
func NormalizePhone(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, whatsappSuffix)
	return strings.TrimPrefix(s, "+")
}

// EnrichUserFromWhapi fetches chat labels for phone and stores them. Any
// failure is logged and swallowed; the returned labels are nil in that case.
func (g *Gateway) EnrichUserFromWhapi(ctx context.Context, phone string) []string {
	if g.labeler == nil {
		return nil
	}
	phone = NormalizePhone(phone)
	labels, err := g.labeler.ChatLabels(ctx, phone+whatsappSuffix)
	if err != nil {
		g.logger.Warn("persistence: chat enrichment failed", "phone_number", phone, "error", err)
		return nil
	}
	if len(labels) == 0 {
		return nil
	}
	if _, err := g.SaveOrUpdateThread(ctx, phone, ThreadUpdate{Labels: labels}); err != nil {
		g.logger.Warn("persistence: storing enriched labels failed", "phone_number", phone, "error", err)
		return nil
	}
	return labels
}

// RecentConversations lists threads active within window (24h when zero).
func (g *Gateway) RecentConversations(ctx context.Context, window time.Duration) ([]ThreadRecord, error) {
	if window <= 0 {
		window = defaultRecentWindow
	}
	since := g.now().Add(-window)
	recs, err := run(ctx, g, "recent_threads", func(s Store) ([]ClientRecord, error) {
		return s.RecentThreads(ctx, since)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: recent conversations: %w", err)
	}
	out := make([]ThreadRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Thread())
	}
	return out, nil
}

// Cleanup deletes clients inactive for longer than age (30 days when zero).
func (g *Gateway) Cleanup(ctx context.Context, age time.Duration) (int64, error) {
	if age <= 0 {
		age = defaultInactiveAge
	}
	before := g.now().Add(-age)
	removed, err := run(ctx, g, "cleanup", func(s Store) (int64, error) {
		return s.DeleteInactive(ctx, before)
	}, func(int64) {
		_, _ = g.fallback.DeleteInactive(ctx, before)
	})
	if err != nil {
		return 0, fmt.Errorf("persistence: cleanup: %w", err)
	}
	if removed > 0 {
		g.logger.Info("persistence: removed inactive clients", "removed", removed, "before", before)
	}
	return removed, nil
}

// Stats summarizes the gateway and its active store.
func (g *Gateway) Stats(ctx context.Context) Stats {
	counts, err := run(ctx, g, "counts", func(s Store) (Counts, error) {
		return s.Counts(ctx)
	}, nil)
	if err != nil {
		g.logger.Warn("persistence: stats unavailable", "error", err)
	}
	status := g.ConnectionStatus()
	store, _ := g.active()
	return Stats{
		Mode:          status.Mode,
		Store:         store.Name(),
		TotalClients:  counts.Clients,
		ActiveThreads: counts.Threads,
		CrossedKeys:   g.crossed.Load(),
		LastError:     status.LastError,
		Since:         status.Since,
	}
}
