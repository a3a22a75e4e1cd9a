package whapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wolfman30/rental-concierge/internal/retry"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:    srv.URL,
		Token:      "tok",
		HTTPClient: srv.Client(),
		Retry:      retry.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2},
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewRequiresToken(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without token")
	}
}

func TestSendTextStripsJIDAndAuthenticates(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/text" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("unexpected auth header %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"sent":true,"message":{"id":"msg-1","chat_id":"5215511112222@s.whatsapp.net"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	sent, err := c.SendText(context.Background(), "5215511112222@s.whatsapp.net", "Hola")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !sent.Sent || sent.Message.ID != "msg-1" {
		t.Fatalf("unexpected response %+v", sent)
	}
	if got["to"] != "5215511112222" || got["body"] != "Hola" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestSendTextValidates(t *testing.T) {
	c, _ := New(Config{Token: "tok"})
	if _, err := c.SendText(context.Background(), "", "hi"); err == nil {
		t.Fatalf("expected recipient error")
	}
	if _, err := c.SendText(context.Background(), "123", "  "); err == nil {
		t.Fatalf("expected body error")
	}
}

func TestSendTextRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"sent":true}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).SendText(context.Background(), "1", "hi"); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestChatLabels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chats/5215511112222@s.whatsapp.net" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"5215511112222@s.whatsapp.net","name":"Ana","labels":[{"id":"1","name":"VIP"},{"id":"2","name":""},{"id":"3","name":"Reserva"}]}`))
	}))
	defer srv.Close()

	labels, err := newTestClient(t, srv).ChatLabels(context.Background(), "5215511112222@s.whatsapp.net")
	if err != nil {
		t.Fatalf("labels: %v", err)
	}
	if len(labels) != 2 || labels[0] != "VIP" || labels[1] != "Reserva" {
		t.Fatalf("unexpected labels %v", labels)
	}
}

func TestGetChatClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv).GetChat(context.Background(), "x"); err == nil {
		t.Fatalf("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestSendPresence(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/presence" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newTestClient(t, srv).SendPresence(context.Background(), "123@s.whatsapp.net", ""); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if got["to"] != "123" || got["type"] != PresenceComposing {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestRateLimiterSpacesRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sent":true}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Token: "tok", HTTPClient: srv.Client(), RatePerSecond: 20})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	start := time.Now()
	for i := 0; i < 25; i++ {
		if _, err := c.SendText(context.Background(), "1", "hi"); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("expected limiter to pace requests, took %s", elapsed)
	}
}
