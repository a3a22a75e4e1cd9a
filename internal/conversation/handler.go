package conversation

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/rental-concierge/internal/cache"
	"github.com/wolfman30/rental-concierge/internal/observability/metrics"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// WebhookSecretHeader carries the optional shared secret configured in WHAPI.
const WebhookSecretHeader = "X-Webhook-Secret"

const (
	seenTTL         = 10 * time.Minute
	maxWebhookBytes = 1 << 20
)

// Enqueuer publishes inbound jobs.
type Enqueuer interface {
	EnqueueInbound(ctx context.Context, msg InboundMessage) (string, error)
}

// ClientStore records the sender of each inbound message.
type ClientStore interface {
	UpsertClient(ctx context.Context, in persistence.ClientUpsert) (*persistence.ClientRecord, error)
}

// WebhookPayload is the WHAPI messages webhook body.
type WebhookPayload struct {
	Messages []WebhookMessage `json:"messages"`
}

// WebhookMessage is one entry of WebhookPayload.Messages.
type WebhookMessage struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	FromMe   bool   `json:"from_me"`
	ChatID   string `json:"chat_id"`
	ChatName string `json:"chat_name,omitempty"`
	FromName string `json:"from_name,omitempty"`
	Type     string `json:"type"`
	Text     *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Image *struct {
		Link    string `json:"link"`
		Caption string `json:"caption,omitempty"`
	} `json:"image,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

// Handler accepts WHAPI webhooks and turns them into queue jobs.
type Handler struct {
	enqueuer Enqueuer
	clients  ClientStore
	secret   string
	seen     *cache.Cache[string]
	metrics  *metrics.MessagingMetrics
	logger   *logging.Logger
	now      func() time.Time
}

// HandlerOption customizes the webhook handler.
type HandlerOption func(*Handler)

// WithWebhookSecret requires WebhookSecretHeader to match secret.
func WithWebhookSecret(secret string) HandlerOption {
	return func(h *Handler) { h.secret = strings.TrimSpace(secret) }
}

// WithSeenCache drops webhook redeliveries of a message id already accepted.
func WithSeenCache(c *cache.Cache[string]) HandlerOption {
	return func(h *Handler) { h.seen = c }
}

// WithHandlerMetrics records inbound counters and webhook latency.
func WithHandlerMetrics(m *metrics.MessagingMetrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// NewHandler creates a webhook handler.
func NewHandler(enqueuer Enqueuer, clients ClientStore, logger *logging.Logger, opts ...HandlerOption) *Handler {
	if enqueuer == nil {
		panic("conversation: enqueuer cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	h := &Handler{
		enqueuer: enqueuer,
		clients:  clients,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type webhookResponse struct {
	Accepted int      `json:"accepted"`
	Ignored  int      `json:"ignored"`
	JobIDs   []string `json:"jobIds,omitempty"`
}

// Webhook handles POST /webhooks/whapi.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	started := h.now()
	if h.secret != "" {
		got := r.Header.Get(WebhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			h.logger.Warn("rejected whapi webhook with bad secret", "remote_ip", r.RemoteAddr)
			http.Error(w, "invalid webhook secret", http.StatusUnauthorized)
			return
		}
	}

	var payload WebhookPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxWebhookBytes)).Decode(&payload); err != nil {
		h.logger.Error("failed to decode whapi webhook", "error", err)
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var resp webhookResponse
	for _, m := range payload.Messages {
		msg, ok := h.inbound(m)
		if !ok {
			resp.Ignored++
			h.metrics.ObserveInbound(messageType(m), "ignored")
			continue
		}

		if h.clients != nil {
			if _, err := h.clients.UpsertClient(r.Context(), persistence.ClientUpsert{
				PhoneNumber: msg.UserID,
				ChatID:      msg.ChatID,
				ChatName:    m.ChatName,
				FromName:    m.FromName,
			}); err != nil {
				h.logger.Warn("failed to upsert client from webhook", "error", err, "user_id", msg.UserID)
			}
		}

		jobID, err := h.enqueuer.EnqueueInbound(r.Context(), msg)
		if err != nil {
			h.metrics.ObserveInbound(msg.Type, "error")
			h.logger.Error("failed to enqueue inbound message", "error", err, "message_id", msg.MessageID)
			http.Error(w, "Failed to accept message", http.StatusServiceUnavailable)
			return
		}
		h.markSeen(msg.MessageID)
		h.metrics.ObserveInbound(msg.Type, "accepted")
		resp.Accepted++
		resp.JobIDs = append(resp.JobIDs, jobID)
	}

	h.metrics.ObserveWebhookLatency("messages", h.now().Sub(started).Seconds())
	writeJSON(w, http.StatusOK, resp, h.logger)
}

// inbound converts a webhook entry into a job. Messages sent by the business
// number, repeats and unsupported types are skipped.
func (h *Handler) inbound(m WebhookMessage) (InboundMessage, bool) {
	if m.FromMe {
		return InboundMessage{}, false
	}
	userID := persistence.NormalizePhone(m.From)
	if userID == "" {
		return InboundMessage{}, false
	}
	if m.ID != "" && h.seen != nil && h.seen.Has(seenKey(m.ID)) {
		h.logger.Debug("dropping redelivered whapi message", "message_id", m.ID)
		return InboundMessage{}, false
	}

	msg := InboundMessage{
		MessageID:  m.ID,
		UserID:     userID,
		ChatID:     m.ChatID,
		UserName:   strings.TrimSpace(m.FromName),
		ChatName:   strings.TrimSpace(m.ChatName),
		Type:       messageType(m),
		ReceivedAt: h.now().UTC(),
	}
	if m.Timestamp > 0 {
		msg.ReceivedAt = time.Unix(m.Timestamp, 0).UTC()
	}
	if msg.ChatID == "" {
		msg.ChatID = userID + "@s.whatsapp.net"
	}

	switch msg.Type {
	case "text":
		if m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
			return InboundMessage{}, false
		}
		msg.Text = strings.TrimSpace(m.Text.Body)
	case "image":
		if m.Image == nil || m.Image.Link == "" {
			return InboundMessage{}, false
		}
		msg.ImageURL = m.Image.Link
		msg.Text = strings.TrimSpace(m.Image.Caption)
	default:
		return InboundMessage{}, false
	}
	return msg, true
}

func (h *Handler) markSeen(id string) {
	if id == "" || h.seen == nil {
		return
	}
	h.seen.SetWithTTL(seenKey(id), id, seenTTL)
}

func seenKey(id string) string { return "whapi_msg:" + id }

func messageType(m WebhookMessage) string {
	if t := strings.ToLower(strings.TrimSpace(m.Type)); t != "" {
		return t
	}
	switch {
	case m.Image != nil:
		return "image"
	case m.Text != nil:
		return "text"
	}
	return "unknown"
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *logging.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to write JSON response", "error", err)
	}
}
