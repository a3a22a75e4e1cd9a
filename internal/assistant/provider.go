package assistant

import (
	"context"
	"time"
)

// RunStatus is the lifecycle state reported for a run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCompleted      RunStatus = "completed"
	RunFailed         RunStatus = "failed"
	RunCancelled      RunStatus = "cancelled"
	RunExpired        RunStatus = "expired"
)

// Terminal reports whether no further transition can happen.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunExpired:
		return true
	}
	return false
}

// Active reports whether the run still holds the thread.
func (s RunStatus) Active() bool {
	return s == RunQueued || s == RunInProgress || s == RunRequiresAction
}

// UserMessage is a turn appended to a thread. ImageURL is optional.
type UserMessage struct {
	Text     string
	ImageURL string
}

// ThreadMessage is a message read back from a thread.
type ThreadMessage struct {
	ID       string
	Role     string
	Text     string
	HasImage bool
}

// ToolCall is a function invocation requested by a run.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolOutput answers one ToolCall.
type ToolOutput struct {
	CallID string
	Output string
}

// Run is the provider's view of an assistant run.
type Run struct {
	ID           string
	ThreadID     string
	Status       RunStatus
	Model        string
	ToolCalls    []ToolCall
	ErrorCode    string
	ErrorMessage string
	TotalTokens  int
	CreatedAt    time.Time
}

// RunOptions configures a new run. An empty Model keeps the assistant default.
type RunOptions struct {
	AssistantID string
	Model       string
	Tools       []ToolDefinition
}

// ToolDefinition advertises a function to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  []byte
}

// AssistantInfo describes the configured assistant.
type AssistantInfo struct {
	ID    string
	Name  string
	Model string
}

// Provider is the LLM thread/run API the orchestrator drives.
// ListMessages returns the newest messages first.
type Provider interface {
	CreateThread(ctx context.Context) (string, error)
	RetrieveThread(ctx context.Context, threadID string) error
	DeleteThread(ctx context.Context, threadID string) error
	CreateMessage(ctx context.Context, threadID string, msg UserMessage) error
	ListMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error)
	CreateRun(ctx context.Context, threadID string, opts RunOptions) (*Run, error)
	RetrieveRun(ctx context.Context, threadID, runID string) (*Run, error)
	CancelRun(ctx context.Context, threadID, runID string) error
	ListRuns(ctx context.Context, threadID string, limit int) ([]Run, error)
	SubmitToolOutputs(ctx context.Context, threadID, runID string, outputs []ToolOutput) error
	RetrieveAssistant(ctx context.Context, assistantID string) (*AssistantInfo, error)
	CountModels(ctx context.Context) (int, error)
}
