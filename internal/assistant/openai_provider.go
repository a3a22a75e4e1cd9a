package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// imageMarker prefixes the image reference line appended to user messages
// when no raw endpoint is configured. Threads are scanned for it to detect
// visual history.
const imageMarker = "[image] "

var providerTracer = otel.Tracer("concierge.internal.assistant.openai")

// openAIClient is the subset of *openai.Client used by OpenAIProvider.
type openAIClient interface {
	CreateThread(ctx context.Context, request openai.ThreadRequest) (openai.Thread, error)
	RetrieveThread(ctx context.Context, threadID string) (openai.Thread, error)
	DeleteThread(ctx context.Context, threadID string) (openai.ThreadDeleteResponse, error)
	CreateMessage(ctx context.Context, threadID string, request openai.MessageRequest) (openai.Message, error)
	ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error)
	CreateRun(ctx context.Context, threadID string, request openai.RunRequest) (openai.Run, error)
	RetrieveRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	CancelRun(ctx context.Context, threadID string, runID string) (openai.Run, error)
	ListRuns(ctx context.Context, threadID string, pagination openai.Pagination) (openai.RunList, error)
	SubmitToolOutputs(ctx context.Context, threadID string, runID string, request openai.SubmitToolOutputsRequest) (openai.Run, error)
	RetrieveAssistant(ctx context.Context, assistantID string) (openai.Assistant, error)
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// OpenAIProvider implements Provider on the OpenAI Assistants API.
type OpenAIProvider struct {
	client  openAIClient
	raw     *rawEndpoint
	timeout time.Duration
}

// rawEndpoint posts requests the typed client cannot express, such as
// message content made of text and image parts.
type rawEndpoint struct {
	doer    openai.HTTPDoer
	baseURL string
	apiKey  string
	beta    string
}

// NewOpenAIProvider builds a provider from an API key. An empty baseURL uses
// the public endpoint.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	p := newOpenAIProvider(openai.NewClientWithConfig(cfg))
	p.raw = &rawEndpoint{
		doer:    cfg.HTTPClient,
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		beta:    "assistants=" + cfg.AssistantVersion,
	}
	return p
}

func newOpenAIProvider(client openAIClient) *OpenAIProvider {
	if client == nil {
		panic("assistant: openai client cannot be nil")
	}
	return &OpenAIProvider{client: client, timeout: 30 * time.Second}
}

func (p *OpenAIProvider) call(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, context.CancelFunc, trace.Span) {
	ctx, span := providerTracer.Start(ctx, "openai."+name, trace.WithAttributes(attrs...))
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	return ctx, cancel, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

func (p *OpenAIProvider) CreateThread(ctx context.Context) (id string, err error) {
	ctx, cancel, span := p.call(ctx, "create_thread")
	defer cancel()
	defer func() { finish(span, err) }()

	thread, err := p.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", err
	}
	return thread.ID, nil
}

func (p *OpenAIProvider) RetrieveThread(ctx context.Context, threadID string) (err error) {
	ctx, cancel, span := p.call(ctx, "retrieve_thread", attribute.String("thread_id", threadID))
	defer cancel()
	defer func() { finish(span, err) }()

	_, err = p.client.RetrieveThread(ctx, threadID)
	return err
}

func (p *OpenAIProvider) DeleteThread(ctx context.Context, threadID string) (err error) {
	ctx, cancel, span := p.call(ctx, "delete_thread", attribute.String("thread_id", threadID))
	defer cancel()
	defer func() { finish(span, err) }()

	_, err = p.client.DeleteThread(ctx, threadID)
	return err
}

func (p *OpenAIProvider) CreateMessage(ctx context.Context, threadID string, msg UserMessage) (err error) {
	ctx, cancel, span := p.call(ctx, "create_message",
		attribute.String("thread_id", threadID),
		attribute.Bool("has_image", msg.ImageURL != ""),
	)
	defer cancel()
	defer func() { finish(span, err) }()

	if msg.ImageURL != "" && p.raw != nil {
		return p.raw.post(ctx, "/threads/"+threadID+"/messages", imageMessageRequest(msg))
	}
	_, err = p.client.CreateMessage(ctx, threadID, openai.MessageRequest{
		Role:    openai.ChatMessageRoleUser,
		Content: messageContent(msg),
	})
	return err
}

func messageContent(msg UserMessage) string {
	if msg.ImageURL == "" {
		return msg.Text
	}
	if msg.Text == "" {
		return imageMarker + msg.ImageURL
	}
	return msg.Text + "\n\n" + imageMarker + msg.ImageURL
}

type contentPart struct {
	Type     string           `json:"type"`
	Text     string           `json:"text,omitempty"`
	ImageURL *openai.ImageURL `json:"image_url,omitempty"`
}

type multipartMessageRequest struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

// imageMessageRequest builds a user message whose image travels as an
// image_url content part the vision model can see.
func imageMessageRequest(msg UserMessage) multipartMessageRequest {
	req := multipartMessageRequest{Role: openai.ChatMessageRoleUser}
	if msg.Text != "" {
		req.Content = append(req.Content, contentPart{Type: "text", Text: msg.Text})
	}
	req.Content = append(req.Content, contentPart{
		Type:     "image_url",
		ImageURL: &openai.ImageURL{URL: msg.ImageURL, Detail: "auto"},
	})
	return req
}

func (e *rawEndpoint) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("openai: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OpenAI-Beta", e.beta)

	resp, err := e.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	// errors carry the status code so retry classification matches the typed client
	var errResp openai.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
	apiErr := errResp.Error
	if apiErr == nil {
		apiErr = &openai.APIError{Message: http.StatusText(resp.StatusCode)}
	}
	apiErr.HTTPStatusCode = resp.StatusCode
	apiErr.HTTPStatus = resp.Status
	return apiErr
}

func (p *OpenAIProvider) ListMessages(ctx context.Context, threadID string, limit int) (out []ThreadMessage, err error) {
	ctx, cancel, span := p.call(ctx, "list_messages", attribute.String("thread_id", threadID))
	defer cancel()
	defer func() { finish(span, err) }()

	order := "desc"
	list, err := p.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return nil, err
	}
	out = make([]ThreadMessage, 0, len(list.Messages))
	for _, m := range list.Messages {
		out = append(out, toThreadMessage(m))
	}
	return out, nil
}

// toThreadMessage flattens text parts. Only user messages count as carrying
// an image; assistant replies may quote the marker text.
func toThreadMessage(m openai.Message) ThreadMessage {
	tm := ThreadMessage{ID: m.ID, Role: m.Role}
	user := m.Role == openai.ChatMessageRoleUser
	var texts []string
	for _, c := range m.Content {
		switch c.Type {
		case "image_url", "image_file":
			tm.HasImage = user
		case "text":
			if c.Text == nil {
				continue
			}
			texts = append(texts, c.Text.Value)
			if user && strings.Contains(c.Text.Value, imageMarker) {
				tm.HasImage = true
			}
		}
	}
	tm.Text = strings.Join(texts, "\n")
	return tm
}

func (p *OpenAIProvider) CreateRun(ctx context.Context, threadID string, opts RunOptions) (run *Run, err error) {
	ctx, cancel, span := p.call(ctx, "create_run",
		attribute.String("thread_id", threadID),
		attribute.String("model", opts.Model),
	)
	defer cancel()
	defer func() { finish(span, err) }()

	req := openai.RunRequest{AssistantID: opts.AssistantID, Model: opts.Model}
	for _, def := range opts.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  json.RawMessage(def.Parameters),
			},
		})
	}
	r, err := p.client.CreateRun(ctx, threadID, req)
	if err != nil {
		return nil, err
	}
	return toRun(r), nil
}

func (p *OpenAIProvider) RetrieveRun(ctx context.Context, threadID, runID string) (run *Run, err error) {
	ctx, cancel, span := p.call(ctx, "retrieve_run", attribute.String("run_id", runID))
	defer cancel()
	defer func() { finish(span, err) }()

	r, err := p.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		return nil, err
	}
	return toRun(r), nil
}

func (p *OpenAIProvider) CancelRun(ctx context.Context, threadID, runID string) (err error) {
	ctx, cancel, span := p.call(ctx, "cancel_run", attribute.String("run_id", runID))
	defer cancel()
	defer func() { finish(span, err) }()

	_, err = p.client.CancelRun(ctx, threadID, runID)
	return err
}

func (p *OpenAIProvider) ListRuns(ctx context.Context, threadID string, limit int) (out []Run, err error) {
	ctx, cancel, span := p.call(ctx, "list_runs", attribute.String("thread_id", threadID))
	defer cancel()
	defer func() { finish(span, err) }()

	list, err := p.client.ListRuns(ctx, threadID, openai.Pagination{Limit: &limit})
	if err != nil {
		return nil, err
	}
	out = make([]Run, 0, len(list.Runs))
	for _, r := range list.Runs {
		out = append(out, *toRun(r))
	}
	return out, nil
}

func (p *OpenAIProvider) SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) (err error) {
	ctx, cancel, span := p.call(ctx, "submit_tool_outputs",
		attribute.String("run_id", runID),
		attribute.Int("outputs", len(outputs)),
	)
	defer cancel()
	defer func() { finish(span, err) }()

	req := openai.SubmitToolOutputsRequest{ToolOutputs: make([]openai.ToolOutput, 0, len(outputs))}
	for _, out := range outputs {
		req.ToolOutputs = append(req.ToolOutputs, openai.ToolOutput{ToolCallID: out.CallID, Output: out.Output})
	}
	_, err = p.client.SubmitToolOutputs(ctx, threadID, runID, req)
	return err
}

func (p *OpenAIProvider) RetrieveAssistant(ctx context.Context, assistantID string) (info *AssistantInfo, err error) {
	ctx, cancel, span := p.call(ctx, "retrieve_assistant")
	defer cancel()
	defer func() { finish(span, err) }()

	if assistantID == "" {
		return nil, errors.New("assistant: assistant id not configured")
	}
	a, err := p.client.RetrieveAssistant(ctx, assistantID)
	if err != nil {
		return nil, err
	}
	info = &AssistantInfo{ID: a.ID, Model: a.Model}
	if a.Name != nil {
		info.Name = *a.Name
	}
	return info, nil
}

func (p *OpenAIProvider) CountModels(ctx context.Context) (n int, err error) {
	ctx, cancel, span := p.call(ctx, "list_models")
	defer cancel()
	defer func() { finish(span, err) }()

	models, err := p.client.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("assistant: list models: %w", err)
	}
	return len(models.Models), nil
}

func toRun(r openai.Run) *Run {
	run := &Run{
		ID:          r.ID,
		ThreadID:    r.ThreadID,
		Status:      RunStatus(r.Status),
		Model:       r.Model,
		TotalTokens: r.Usage.TotalTokens,
		CreatedAt:   time.Unix(r.CreatedAt, 0),
	}
	if r.LastError != nil {
		run.ErrorCode = string(r.LastError.Code)
		run.ErrorMessage = r.LastError.Message
	}
	if r.RequiredAction != nil && r.RequiredAction.SubmitToolOutputs != nil {
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			run.ToolCalls = append(run.ToolCalls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}
	return run
}
