package functions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/rental-concierge/internal/persistence"
	"github.com/wolfman30/rental-concierge/internal/session"
)

type quoteArgs struct {
	Nights int    `json:"nights" validate:"required,min=1,max=30"`
	Unit   string `json:"unit,omitempty"`
}

func quoteFunction(opts ...Option) Function {
	return New("quote_stay", "Quotes a stay.", func(_ context.Context, args quoteArgs) (any, error) {
		return map[string]any{"total": args.Nights * 120}, nil
	}, opts...)
}

func TestRegistry_ExecuteDecodesAndValidates(t *testing.T) {
	r := NewRegistry(nil, quoteFunction())

	out, err := r.Execute(context.Background(), Call{Name: "quote_stay", Arguments: `{"nights":3}`})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": 360}, out)

	_, err = r.Execute(context.Background(), Call{Name: "quote_stay", Arguments: `{"nights":0}`})
	require.ErrorIs(t, err, ErrInvalidArguments)

	_, err = r.Execute(context.Background(), Call{Name: "quote_stay", Arguments: `{nights`})
	require.ErrorIs(t, err, ErrInvalidArguments)

	_, err = r.Execute(context.Background(), Call{Name: "quote_stay"})
	require.ErrorIs(t, err, ErrInvalidArguments, "empty arguments decode to a zero struct")
}

func TestRegistry_UnknownFunction(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Execute(context.Background(), Call{Name: "book_spaceship"})
	require.ErrorIs(t, err, ErrUnknownFunction)
}

func TestRegistry_HandlerErrorsPropagate(t *testing.T) {
	boom := errors.New("calendar offline")
	r := NewRegistry(nil, New("check", "", func(context.Context, struct{}) (any, error) {
		return nil, boom
	}))
	_, err := r.Execute(context.Background(), Call{Name: "check", Arguments: "{}"})
	require.ErrorIs(t, err, boom)
}

func TestRegistry_FunctionWithoutArguments(t *testing.T) {
	calls := 0
	listUnits := New("list_units", "Lists the rentable units.", func(context.Context, struct{}) (any, error) {
		calls++
		return []string{"casa-azul", "loft-centro"}, nil
	})
	r := NewRegistry(nil, listUnits)

	defs := r.Definitions()
	require.Len(t, defs, 1)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(defs[0].Parameters, &schema))
	assert.Equal(t, "object", schema["type"])
	assert.Equal(t, map[string]any{}, schema["properties"])

	for _, args := range []string{"", "{}", "  "} {
		out, err := r.Execute(context.Background(), Call{Name: "list_units", Arguments: args})
		require.NoError(t, err)
		assert.Equal(t, []string{"casa-azul", "loft-centro"}, out)
	}
	assert.Equal(t, 3, calls)
}

func TestRegistry_InlineArgumentStruct(t *testing.T) {
	type unitArgs = struct {
		Unit string `json:"unit" validate:"required"`
	}
	r := NewRegistry(nil, New("describe_unit", "", func(_ context.Context, args unitArgs) (any, error) {
		return args.Unit, nil
	}))

	var schema map[string]any
	require.NoError(t, json.Unmarshal(r.Definitions()[0].Parameters, &schema))
	assert.Contains(t, schema["properties"], "unit")
	assert.Equal(t, []any{"unit"}, schema["required"])

	out, err := r.Execute(context.Background(), Call{Name: "describe_unit", Arguments: `{"unit":"loft-centro"}`})
	require.NoError(t, err)
	assert.Equal(t, "loft-centro", out)
}

func TestRegistry_Definitions(t *testing.T) {
	r := NewRegistry(nil, quoteFunction(), ConversationContext(nil))

	defs := r.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "get_conversation_context", defs[0].Name)
	assert.Equal(t, "quote_stay", defs[1].Name)

	var schema map[string]any
	require.NoError(t, json.Unmarshal(defs[1].Parameters, &schema))
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "nights")
	assert.Contains(t, props, "unit")
	assert.Equal(t, []any{"nights"}, schema["required"])

	require.NoError(t, json.Unmarshal(defs[0].Parameters, &schema))
	level := schema["properties"].(map[string]any)["context_level"].(map[string]any)
	assert.Equal(t, []any{"recent_10", "recent_20"}, level["enum"])
}

func TestRegistry_IsSlow(t *testing.T) {
	r := NewRegistry([]string{"search_availability", " "}, quoteFunction(Slow()))
	assert.True(t, r.IsSlow("quote_stay"))
	assert.True(t, r.IsSlow("search_availability"))
	assert.False(t, r.IsSlow("get_conversation_context"))
}

type staticMessages []session.Message

func (s staticMessages) RecentMessages(_, _ string, limit int) []session.Message {
	if len(s) > limit {
		return s[len(s)-limit:]
	}
	return s
}

func TestConversationContext(t *testing.T) {
	var msgs staticMessages
	for i := 0; i < 15; i++ {
		msgs = append(msgs, session.Message{Role: session.RoleUser, Content: "msg", Timestamp: time.Unix(int64(i), 0)})
	}
	r := NewRegistry(nil, ConversationContext(msgs))
	ctx := WithCaller(context.Background(), Caller{UserID: "15551234567", ChatID: "15551234567@s.whatsapp.net"})

	out, err := r.Execute(ctx, Call{Name: "get_conversation_context", Arguments: `{"context_level":"recent_10"}`})
	require.NoError(t, err)
	assert.Equal(t, 10, out.(map[string]any)["message_count"])

	out, err = r.Execute(ctx, Call{Name: "get_conversation_context", Arguments: `{"context_level":"recent_20"}`})
	require.NoError(t, err)
	assert.Equal(t, 15, out.(map[string]any)["message_count"])

	_, err = r.Execute(ctx, Call{Name: "get_conversation_context", Arguments: `{"context_level":"everything"}`})
	require.ErrorIs(t, err, ErrInvalidArguments)

	_, err = r.Execute(context.Background(), Call{Name: "get_conversation_context", Arguments: `{"context_level":"recent_10"}`})
	require.Error(t, err)
}

type fakeThreads struct {
	thread  *persistence.ThreadRecord
	updates []persistence.ThreadUpdate
}

func (f *fakeThreads) GetThread(context.Context, string) (*persistence.ThreadRecord, error) {
	return f.thread, nil
}

func (f *fakeThreads) SaveOrUpdateThread(_ context.Context, userID string, u persistence.ThreadUpdate) (*persistence.ThreadRecord, error) {
	f.updates = append(f.updates, u)
	if f.thread == nil {
		f.thread = &persistence.ThreadRecord{UserID: userID}
	}
	f.thread.Labels = u.Labels
	return f.thread, nil
}

func TestEscalateToHuman(t *testing.T) {
	threads := &fakeThreads{thread: &persistence.ThreadRecord{UserID: "15551234567", Labels: []string{"vip"}}}
	r := NewRegistry(nil, EscalateToHuman(threads, nil))
	ctx := WithCaller(context.Background(), Caller{UserID: "15551234567", ChatID: "c1"})

	out, err := r.Execute(ctx, Call{Name: "escalate_to_human", Arguments: `{"reason":"guest locked out"}`})
	require.NoError(t, err)
	assert.Equal(t, true, out.(map[string]any)["escalated"])
	require.Len(t, threads.updates, 1)
	assert.Equal(t, []string{"vip", EscalatedLabel}, threads.updates[0].Labels)

	_, err = r.Execute(ctx, Call{Name: "escalate_to_human", Arguments: `{"reason":"still locked out"}`})
	require.NoError(t, err)
	assert.Len(t, threads.updates, 1, "label is only added once")

	_, err = r.Execute(ctx, Call{Name: "escalate_to_human", Arguments: `{}`})
	require.ErrorIs(t, err, ErrInvalidArguments)
}
