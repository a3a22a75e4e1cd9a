package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wolfman30/rental-concierge/internal/retry"
)

var (
	// ErrBusy is returned when the concurrency ceiling is reached.
	ErrBusy = errors.New("assistant: too many concurrent requests")
	// ErrRunTimeout is returned when polling gives up on a run.
	ErrRunTimeout = errors.New("assistant: run timed out")
)

// RunError carries the detail of a run that ended failed, cancelled or expired.
type RunError struct {
	Status  RunStatus
	Code    string
	Message string
}

func (e *RunError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "No additional details"
	}
	return fmt.Sprintf("Run %s: %s", e.Status, msg)
}

// ThreadState is the outcome of validating a thread id.
type ThreadState int

const (
	// ThreadUnknown means validation hit a transient error; the thread is
	// kept but the result is not cached.
	ThreadUnknown ThreadState = iota
	ThreadValid
	ThreadMissing
)

func (s ThreadState) String() string {
	switch s {
	case ThreadValid:
		return "valid"
	case ThreadMissing:
		return "missing"
	default:
		return "unknown"
	}
}

var threadMissingMarkers = []string{"No thread found", "Thread not found", "Invalid thread"}

// classifyThreadError maps a thread lookup failure to a ThreadState.
func classifyThreadError(err error) ThreadState {
	if err == nil {
		return ThreadValid
	}
	if errors.Is(err, context.Canceled) {
		return ThreadUnknown
	}
	if retry.StatusCode(err) == http.StatusNotFound {
		return ThreadMissing
	}
	msg := err.Error()
	for _, marker := range threadMissingMarkers {
		if strings.Contains(msg, marker) {
			return ThreadMissing
		}
	}
	return ThreadUnknown
}
