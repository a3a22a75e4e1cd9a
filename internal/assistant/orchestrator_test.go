package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/rental-concierge/internal/cache"
	"github.com/wolfman30/rental-concierge/internal/functions"
	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/retry"
)

const (
	testUser = "15550001111"
	testChat = "15550001111@s.whatsapp.net"
)

var fastPolicy = retry.Policy{
	MaxRetries: 3,
	BaseDelay:  time.Millisecond,
	MaxDelay:   2 * time.Millisecond,
	Factor:     2,
	BusyDelay:  time.Millisecond,
}

type harness struct {
	orch     *Orchestrator
	provider *fakeProvider
	gateway  *persistence.Gateway
	sleeps   []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T, p *fakeProvider, mutate func(*Config), opts ...Option) *harness {
	t.Helper()
	gw := persistence.NewGateway(nil, persistence.NewMemoryStore(cache.New[persistence.ClientRecord]()), nil)
	cfg := Config{
		AssistantID:                "asst_test",
		EnableThreadCache:          true,
		AssumeMessagesOnCheckError: true,
		MessageRetry:               fastPolicy,
		ProviderRetry:              fastPolicy,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h := &harness{provider: p, gateway: gw}
	h.orch = New(cfg, p, gw, nil, opts...)
	h.orch.sleep = func(ctx context.Context, d time.Duration) error {
		h.mu.Lock()
		h.sleeps = append(h.sleeps, d)
		h.mu.Unlock()
		return ctx.Err()
	}
	return h
}

func (h *harness) seedThread(t *testing.T, threadID string, tokens int) {
	t.Helper()
	chat := testChat
	_, err := h.gateway.SaveOrUpdateThread(context.Background(), testUser, persistence.ThreadUpdate{
		ThreadID:   &threadID,
		ChatID:     &chat,
		TokenCount: &tokens,
	})
	require.NoError(t, err)
}

func (h *harness) stored(t *testing.T) *persistence.ThreadRecord {
	t.Helper()
	rec, err := h.gateway.GetThread(context.Background(), testUser)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func request(text string) Request {
	return Request{UserID: testUser, ChatID: testChat, UserName: "Dana", Text: text}
}

func TestProcessMessage_NewUserCreatesThread(t *testing.T) {
	h := newHarness(t, newFakeProvider(), nil)

	res, err := h.orch.ProcessMessage(context.Background(), request("Is the loft free next weekend?"))
	require.NoError(t, err)

	assert.Equal(t, "thread_new_1", res.ThreadID)
	assert.Equal(t, "The loft is available those nights.", res.Response)
	assert.Equal(t, 50, res.TokensUsed)
	assert.Equal(t, 50, res.ThreadTokenCount)
	assert.NotEmpty(t, res.RequestID)
	assert.Empty(t, res.Model, "text-only turns keep the assistant model")

	rec := h.stored(t)
	assert.Equal(t, "thread_new_1", rec.ThreadID)
	assert.Equal(t, 50, rec.TokenCount)
	assert.Equal(t, testChat, rec.ChatID)
	assert.Equal(t, "Dana", rec.UserName)

	id, ok := h.orch.cache.Get(threadCacheKey(testUser, testChat))
	require.True(t, ok)
	assert.Equal(t, "thread_new_1", id)
}

func TestProcessMessage_ReusesValidThreadAndAccumulatesTokens(t *testing.T) {
	p := newFakeProvider()
	p.addThread("thread_abc",
		ThreadMessage{Role: "user", Text: "hello"},
		ThreadMessage{Role: "assistant", Text: "hi"},
	)
	h := newHarness(t, p, nil)
	h.seedThread(t, "thread_abc", 100)

	res, err := h.orch.ProcessMessage(context.Background(), request("What time is check-in?"))
	require.NoError(t, err)

	assert.Equal(t, "thread_abc", res.ThreadID)
	assert.Equal(t, 150, res.ThreadTokenCount)
	assert.Equal(t, 0, p.createThreadCalls)
	assert.Equal(t, 150, h.stored(t).TokenCount)
}

func TestProcessMessage_CompletedRunRecordsActivity(t *testing.T) {
	p := newFakeProvider()
	p.addThread("thread_abc", ThreadMessage{Role: "user", Text: "hello"})

	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	now := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	gw := persistence.NewGateway(nil, persistence.NewMemoryStore(cache.New[persistence.ClientRecord]()), nil,
		persistence.WithGatewayClock(now))
	orch := New(Config{
		AssistantID:   "asst_test",
		MessageRetry:  fastPolicy,
		ProviderRetry: fastPolicy,
	}, p, gw, nil)
	orch.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx := context.Background()
	threadID, tokens, chat := "thread_abc", 20, testChat
	_, err := gw.SaveOrUpdateThread(ctx, testUser, persistence.ThreadUpdate{ThreadID: &threadID, ChatID: &chat, TokenCount: &tokens})
	require.NoError(t, err)

	clockMu.Lock()
	clock = clock.Add(time.Hour)
	clockMu.Unlock()

	res, err := orch.ProcessMessage(ctx, request("Any parking nearby?"))
	require.NoError(t, err)
	assert.Equal(t, 70, res.ThreadTokenCount)

	rec, err := gw.GetThread(ctx, testUser)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 70, rec.TokenCount)
	assert.True(t, rec.LastActivity.Equal(now()), "activity stamped after the run")
}

func TestProcessMessage_MissingThreadIsReplaced(t *testing.T) {
	p := newFakeProvider()
	p.retrieveThreadErr = &openai.APIError{HTTPStatusCode: 404, Message: "No thread found with id 'thread_dead'."}
	h := newHarness(t, p, nil)
	h.seedThread(t, "thread_dead", 900)

	res, err := h.orch.ProcessMessage(context.Background(), request("hello again"))
	require.NoError(t, err)

	assert.Equal(t, "thread_new_1", res.ThreadID)
	assert.Equal(t, 50, res.ThreadTokenCount, "counters from the dead thread are dropped")
	rec := h.stored(t)
	assert.Equal(t, "thread_new_1", rec.ThreadID)
	assert.Equal(t, 50, rec.TokenCount)

	calls := p.retrieveCalls
	assert.Equal(t, ThreadMissing, h.orch.ValidateThread(context.Background(), "thread_dead"))
	assert.Equal(t, calls, p.retrieveCalls, "missing result is cached")
}

func TestProcessMessage_EmptyThreadResetsTokens(t *testing.T) {
	p := newFakeProvider()
	p.addThread("thread_empty")
	h := newHarness(t, p, nil)
	h.seedThread(t, "thread_empty", 300)

	res, err := h.orch.ProcessMessage(context.Background(), request("hi"))
	require.NoError(t, err)

	assert.Equal(t, "thread_empty", res.ThreadID, "valid thread id is kept")
	assert.Equal(t, 50, res.ThreadTokenCount)
	assert.Equal(t, 50, h.stored(t).TokenCount)
}

func TestProcessMessage_CallerThreadDifferentFromStored(t *testing.T) {
	p := newFakeProvider()
	p.addThread("thread_other", ThreadMessage{Role: "user", Text: "hey"})
	h := newHarness(t, p, nil)
	h.seedThread(t, "thread_abc", 400)

	req := request("hi")
	req.ThreadID = "thread_other"
	res, err := h.orch.ProcessMessage(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "thread_other", res.ThreadID)
	assert.Equal(t, 50, res.ThreadTokenCount)
	assert.Equal(t, "thread_other", h.stored(t).ThreadID)
}

func TestProcessMessage_BusyWhenCeilingReached(t *testing.T) {
	p := newFakeProvider()
	p.block = make(chan struct{})
	p.entered = make(chan struct{}, 1)
	h := newHarness(t, p, func(c *Config) { c.MaxConcurrentCalls = 1 })

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ProcessMessage(context.Background(), request("first"))
		done <- err
	}()
	<-p.entered
	assert.Equal(t, int64(1), h.orch.InFlight())

	res, err := h.orch.ProcessMessage(context.Background(), Request{UserID: "15559998888", ChatID: "c2", Text: "second"})
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, res.Busy)
	assert.Equal(t, BusyMessage, res.Response)

	close(p.block)
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), h.orch.InFlight())

	_, err = h.orch.ProcessMessage(context.Background(), Request{UserID: "15559998888", ChatID: "c2", Text: "third"})
	require.NoError(t, err, "slot is released after completion")
}

func TestProcessMessage_RetriesThreadBusyConflicts(t *testing.T) {
	p := newFakeProvider()
	p.messageErrs = []error{errors.New("Can't add messages to thread thread_new_1 while a run run_9 is active.")}
	h := newHarness(t, p, nil)

	res, err := h.orch.ProcessMessage(context.Background(), request("are pets allowed?"))
	require.NoError(t, err)
	assert.Equal(t, 2, p.messageCalls)
	assert.NotEmpty(t, res.Response)
}

func TestProcessMessage_PermanentMessageErrorFails(t *testing.T) {
	p := newFakeProvider()
	p.messageErrs = []error{&openai.APIError{HTTPStatusCode: 400, Message: "invalid content"}}
	h := newHarness(t, p, nil)

	_, err := h.orch.ProcessMessage(context.Background(), request("x"))
	require.Error(t, err)
	assert.Equal(t, 1, p.messageCalls)
}

type unitArgs struct {
	Unit string `json:"unit" validate:"required"`
}

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string
	chats []string
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.chats = append(n.chats, chatID)
	n.sent = append(n.sent, text)
	return n.err
}

func TestProcessMessage_ExecutesToolCalls(t *testing.T) {
	p := newFakeProvider(
		Run{Status: RunRequiresAction, ToolCalls: []ToolCall{
			{ID: "call_1", Name: "check_availability", Arguments: `{"unit":"loft"}`},
			{ID: "call_2", Name: "broken", Arguments: `{}`},
		}},
		Run{Status: RunInProgress},
		Run{Status: RunCompleted, TotalTokens: 80},
	)
	var seenCaller functions.Caller
	registry := functions.NewRegistry([]string{"check_availability"},
		functions.New("check_availability", "Checks a unit.", func(ctx context.Context, args unitArgs) (any, error) {
			seenCaller, _ = functions.CallerFrom(ctx)
			return map[string]any{"available": true, "unit": args.Unit}, nil
		}),
		functions.New("broken", "Always fails.", func(context.Context, struct{}) (any, error) {
			return nil, errors.New("calendar offline")
		}),
	)
	notifier := &recordingNotifier{err: errors.New("whapi down")}
	h := newHarness(t, p, nil, WithTools(registry), WithNotifier(notifier))

	res, err := h.orch.ProcessMessage(context.Background(), request("is the loft free?"))
	require.NoError(t, err)

	assert.Equal(t, 2, res.FunctionCalls)
	assert.Equal(t, 80, res.ThreadTokenCount)
	assert.Equal(t, "The loft is available those nights.", res.Response)
	assert.Equal(t, testUser, seenCaller.UserID)

	require.Len(t, notifier.sent, 1, "one notice per batch")
	assert.Equal(t, SlowFunctionNotice, notifier.sent[0])
	assert.Equal(t, testChat, notifier.chats[0])

	require.Len(t, p.submitted, 1, "outputs are submitted together")
	outputs := p.submitted[0]
	require.Len(t, outputs, 2)
	assert.Equal(t, "call_1", outputs[0].CallID)
	assert.JSONEq(t, `{"available":true,"unit":"loft"}`, outputs[0].Output)
	assert.Equal(t, "call_2", outputs[1].CallID)
	assert.JSONEq(t, `{"error":"calendar offline"}`, outputs[1].Output)
}

func TestProcessMessage_UnknownFunctionReturnsErrorOutput(t *testing.T) {
	p := newFakeProvider(
		Run{Status: RunRequiresAction, ToolCalls: []ToolCall{{ID: "call_1", Name: "teleport", Arguments: `{}`}}},
		Run{Status: RunCompleted, TotalTokens: 10},
	)
	h := newHarness(t, p, nil, WithTools(functions.NewRegistry(nil)))

	_, err := h.orch.ProcessMessage(context.Background(), request("beam me up"))
	require.NoError(t, err)
	require.Len(t, p.submitted, 1)
	assert.Contains(t, p.submitted[0][0].Output, "unknown function")
}

func TestProcessMessage_TerminalRunStates(t *testing.T) {
	for _, status := range []RunStatus{RunFailed, RunCancelled, RunExpired} {
		t.Run(string(status), func(t *testing.T) {
			p := newFakeProvider(Run{Status: status, ErrorCode: "server_error", ErrorMessage: "something broke"})
			h := newHarness(t, p, nil)

			res, err := h.orch.ProcessMessage(context.Background(), request("hi"))
			var runErr *RunError
			require.ErrorAs(t, err, &runErr)
			assert.Equal(t, status, runErr.Status)
			assert.Equal(t, "Run "+string(status)+": something broke", err.Error())
			assert.Equal(t, "thread_new_1", res.ThreadID)
			assert.Empty(t, res.Response)
			assert.Equal(t, 0, h.stored(t).TokenCount)
		})
	}
}

func TestRunError_DefaultMessage(t *testing.T) {
	err := &RunError{Status: RunExpired}
	assert.Equal(t, "Run expired: No additional details", err.Error())
}

func TestProcessMessage_SoftCapForPlainRuns(t *testing.T) {
	p := newFakeProvider(Run{Status: RunInProgress})
	h := newHarness(t, p, nil)

	_, err := h.orch.ProcessMessage(context.Background(), request("hi"))
	require.ErrorIs(t, err, ErrRunTimeout)
	assert.Len(t, h.sleeps, plainRunMaxPolls)
}

func TestProcessMessage_HardCap(t *testing.T) {
	p := newFakeProvider(Run{Status: RunQueued})
	h := newHarness(t, p, func(c *Config) { c.MaxPollingAttempts = 5 })

	_, err := h.orch.ProcessMessage(context.Background(), request("hi"))
	require.ErrorIs(t, err, ErrRunTimeout)
	assert.Len(t, h.sleeps, 5)
}

func TestProcessMessage_VisionModelSelection(t *testing.T) {
	t.Run("current image", func(t *testing.T) {
		p := newFakeProvider()
		h := newHarness(t, p, nil)
		req := request("what is this stain?")
		req.ImageURL = "https://files.example.com/stain.jpg"

		res, err := h.orch.ProcessMessage(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, DefaultVisionModel, res.Model)
		assert.Equal(t, DefaultVisionModel, p.createdRuns[0].Model)
	})

	t.Run("image in history", func(t *testing.T) {
		p := newFakeProvider()
		p.addThread("thread_img", ThreadMessage{Role: "user", Text: imageMarker + "https://x/y.jpg", HasImage: true})
		h := newHarness(t, p, func(c *Config) { c.VisionModel = "gpt-4o-mini-vision" })
		h.seedThread(t, "thread_img", 10)

		_, err := h.orch.ProcessMessage(context.Background(), request("and now?"))
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini-vision", p.createdRuns[0].Model)
	})

	t.Run("image check failure keeps default model", func(t *testing.T) {
		p := newFakeProvider()
		h := newHarness(t, p, nil)
		p.listErr = errors.New("boom")

		_, err := h.orch.ProcessMessage(context.Background(), request("hi"))
		require.Error(t, err, "reply cannot be read")
		assert.Empty(t, p.createdRuns[0].Model)
	})
}

func TestProcessMessage_AdvertisesTools(t *testing.T) {
	p := newFakeProvider()
	registry := functions.NewRegistry(nil, functions.New("check_availability", "Checks a unit.", func(context.Context, unitArgs) (any, error) {
		return nil, nil
	}))
	h := newHarness(t, p, func(c *Config) { c.AdvertiseTools = true }, WithTools(registry))

	_, err := h.orch.ProcessMessage(context.Background(), request("hi"))
	require.NoError(t, err)
	require.Len(t, p.createdRuns[0].Tools, 1)
	assert.Equal(t, "check_availability", p.createdRuns[0].Tools[0].Name)
	assert.Equal(t, "asst_test", p.createdRuns[0].AssistantID)
}

func TestProcessMessage_ThreadCacheReusedAcrossTurns(t *testing.T) {
	p := newFakeProvider()
	h := newHarness(t, p, nil)

	_, err := h.orch.ProcessMessage(context.Background(), request("one"))
	require.NoError(t, err)
	res, err := h.orch.ProcessMessage(context.Background(), request("two"))
	require.NoError(t, err)

	assert.Equal(t, 1, p.createThreadCalls)
	assert.Equal(t, "thread_new_1", res.ThreadID)
	assert.Equal(t, 100, res.ThreadTokenCount)
}
