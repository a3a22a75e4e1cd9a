// Package whapi is a small client for the WHAPI WhatsApp gateway.
package whapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/wolfman30/rental-concierge/internal/retry"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	defaultBaseURL   = "https://gate.whapi.cloud"
	defaultUserAgent = "rental-concierge/0.1"
	jidSuffix        = "@s.whatsapp.net"
)

// Config controls how the WHAPI client behaves.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *logging.Logger
	UserAgent  string
	// RatePerSecond limits outbound requests; zero disables limiting.
	RatePerSecond float64
	Retry         retry.Policy
}

// Client wraps the WHAPI REST endpoints used by the bot.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	policy     retry.Policy
	logger     *logging.Logger
	userAgent  string
}

// Label is a WhatsApp Business label attached to a chat.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Chat is the subset of the chat resource the bot consumes.
type Chat struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Type   string  `json:"type,omitempty"`
	Labels []Label `json:"labels,omitempty"`
}

// SentMessage is returned by send endpoints.
type SentMessage struct {
	Sent    bool `json:"sent"`
	Message struct {
		ID     string `json:"id"`
		ChatID string `json:"chat_id"`
	} `json:"message"`
}

// New creates a configured Client with sane defaults.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("whapi: token is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	policy := cfg.Retry
	if policy.MaxRetries == 0 && policy.BaseDelay == 0 {
		policy = retry.Policy{MaxRetries: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Factor: 2}
	}
	policy.Name = "whapi"
	policy.Logger = logger

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Client{
		token:      cfg.Token,
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    limiter,
		policy:     policy,
		logger:     logger,
		userAgent:  userAgent,
	}, nil
}

// SendText sends a plain text message. to may be a phone number or a JID.
func (c *Client) SendText(ctx context.Context, to, body string) (*SentMessage, error) {
	to = strings.TrimSuffix(strings.TrimSpace(to), jidSuffix)
	if to == "" {
		return nil, errors.New("whapi: recipient is required")
	}
	if strings.TrimSpace(body) == "" {
		return nil, errors.New("whapi: message body is required")
	}
	payload := map[string]string{"to": to, "body": body}
	var out SentMessage
	if err := c.invoke(ctx, http.MethodPost, "/messages/text", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Presence types accepted by SendPresence.
const (
	PresenceComposing = "composing"
	PresencePaused    = "paused"
)

// SendPresence shows the bot as typing (or stops it) in the recipient's chat.
func (c *Client) SendPresence(ctx context.Context, to, presence string) error {
	to = strings.TrimSuffix(strings.TrimSpace(to), jidSuffix)
	if to == "" {
		return errors.New("whapi: recipient is required")
	}
	if presence == "" {
		presence = PresenceComposing
	}
	return c.invoke(ctx, http.MethodPost, "/messages/presence", map[string]string{"to": to, "type": presence}, nil)
}

// GetChat fetches chat metadata including labels.
func (c *Client) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, errors.New("whapi: chat id is required")
	}
	var chat Chat
	if err := c.invoke(ctx, http.MethodGet, "/chats/"+url.PathEscape(chatID), nil, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ChatLabels returns the label names attached to chatID.
func (c *Client) ChatLabels(ctx context.Context, chatID string) ([]string, error) {
	chat, err := c.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(chat.Labels))
	for _, l := range chat.Labels {
		if l.Name != "" {
			names = append(names, l.Name)
		}
	}
	return names, nil
}

// Notify sends an interim text to chatID; it satisfies assistant.Notifier.
func (c *Client) Notify(ctx context.Context, chatID, text string) error {
	_, err := c.SendText(ctx, chatID, text)
	return err
}

func (c *Client) invoke(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("whapi: encode request: %w", err)
		}
	}

	resp, err := retry.DoHTTP(ctx, c.httpClient, c.policy, func(ctx context.Context) (*http.Request, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
	if err != nil {
		return fmt.Errorf("whapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("whapi: decode response: %w", err)
	}
	return nil
}
