package assistant

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// fakeProvider is an in-memory Provider. Runs follow script: every
// RetrieveRun returns the next entry, repeating the last one.
type fakeProvider struct {
	mu sync.Mutex

	threads      map[string]bool
	messages     map[string][]ThreadMessage
	nextThread   int
	nextRun      int
	script       []Run
	scriptPos    map[string]int
	reply        string
	createdRuns  []RunOptions
	submitted    [][]ToolOutput
	cancelled    []string
	deleted      []string
	runsByThread map[string][]Run

	retrieveThreadErr error
	retrieveCalls     int
	listErr           error
	listCalls         int
	messageErrs       []error
	messageCalls      int
	createThreadCalls int
	modelsErr         error

	// block, when set, holds CreateMessage until closed.
	block   chan struct{}
	entered chan struct{}
}

func newFakeProvider(script ...Run) *fakeProvider {
	if len(script) == 0 {
		script = []Run{{Status: RunCompleted, TotalTokens: 50}}
	}
	return &fakeProvider{
		threads:      map[string]bool{},
		messages:     map[string][]ThreadMessage{},
		scriptPos:    map[string]int{},
		script:       script,
		reply:        "The loft is available those nights.",
		runsByThread: map[string][]Run{},
	}
}

func (f *fakeProvider) addThread(id string, msgs ...ThreadMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threads[id] = true
	f.messages[id] = append(f.messages[id], msgs...)
}

func (f *fakeProvider) CreateThread(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createThreadCalls++
	f.nextThread++
	id := fmt.Sprintf("thread_new_%d", f.nextThread)
	f.threads[id] = true
	return id, nil
}

func (f *fakeProvider) RetrieveThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrieveCalls++
	if f.retrieveThreadErr != nil {
		return f.retrieveThreadErr
	}
	if !f.threads[threadID] {
		return &openai.APIError{HTTPStatusCode: 404, Message: fmt.Sprintf("No thread found with id '%s'.", threadID)}
	}
	return nil
}

func (f *fakeProvider) DeleteThread(_ context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	delete(f.threads, threadID)
	return nil
}

func (f *fakeProvider) CreateMessage(_ context.Context, threadID string, msg UserMessage) error {
	if f.block != nil {
		if f.entered != nil {
			f.entered <- struct{}{}
		}
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageCalls++
	if len(f.messageErrs) > 0 {
		err := f.messageErrs[0]
		f.messageErrs = f.messageErrs[1:]
		return err
	}
	f.messages[threadID] = append(f.messages[threadID], ThreadMessage{
		ID:       fmt.Sprintf("msg_%d", len(f.messages[threadID])+1),
		Role:     "user",
		Text:     messageContent(msg),
		HasImage: msg.ImageURL != "",
	})
	return nil
}

func (f *fakeProvider) ListMessages(_ context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	msgs := f.messages[threadID]
	out := make([]ThreadMessage, 0, limit)
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, msgs[i])
	}
	return out, nil
}

func (f *fakeProvider) CreateRun(_ context.Context, threadID string, opts RunOptions) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRun++
	f.createdRuns = append(f.createdRuns, opts)
	return &Run{ID: fmt.Sprintf("run_%d", f.nextRun), ThreadID: threadID, Status: RunQueued, Model: opts.Model}, nil
}

func (f *fakeProvider) RetrieveRun(_ context.Context, threadID, runID string) (*Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos := f.scriptPos[runID]
	if pos >= len(f.script) {
		pos = len(f.script) - 1
	} else {
		f.scriptPos[runID] = pos + 1
	}
	run := f.script[pos]
	run.ID = runID
	run.ThreadID = threadID
	if run.Status == RunCompleted && f.reply != "" {
		msgs := f.messages[threadID]
		if len(msgs) == 0 || msgs[len(msgs)-1].Role != "assistant" {
			f.messages[threadID] = append(msgs, ThreadMessage{Role: "assistant", Text: f.reply})
		}
	}
	return &run, nil
}

func (f *fakeProvider) CancelRun(_ context.Context, _, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return nil
}

func (f *fakeProvider) ListRuns(_ context.Context, threadID string, _ int) ([]Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runsByThread[threadID], nil
}

func (f *fakeProvider) SubmitToolOutputs(_ context.Context, _, _ string, outputs []ToolOutput) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, outputs)
	return nil
}

func (f *fakeProvider) RetrieveAssistant(_ context.Context, assistantID string) (*AssistantInfo, error) {
	return &AssistantInfo{ID: assistantID, Name: "Concierge", Model: "gpt-4o-mini"}, nil
}

func (f *fakeProvider) CountModels(context.Context) (int, error) {
	if f.modelsErr != nil {
		return 0, f.modelsErr
	}
	return 42, nil
}
