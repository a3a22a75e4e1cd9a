package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wolfman30/rental-concierge/internal/functions"
	"github.com/wolfman30/rental-concierge/internal/retry"
	"github.com/wolfman30/rental-concierge/pkg/logging"
)

const (
	fastQueuedPoll    = 500 * time.Millisecond
	fastQueuedWindow  = 5 * time.Second
	inProgressBase    = 500 * time.Millisecond
	inProgressStep    = 250 * time.Millisecond
	maxInProgressPoll = 2 * time.Second
	plainRunMaxPolls  = 30
	pollRetryAttempts = 2
)

// pollDelay returns the wait before the next status check. streak counts
// consecutive in_progress observations.
func (o *Orchestrator) pollDelay(status RunStatus, elapsed time.Duration, streak int) time.Duration {
	switch status {
	case RunQueued:
		if elapsed < fastQueuedWindow {
			return fastQueuedPoll
		}
		return time.Second
	case RunInProgress:
		d := inProgressBase + time.Duration(streak)*inProgressStep
		if d > maxInProgressPoll {
			d = maxInProgressPoll
		}
		return d
	default:
		return o.cfg.PollingInterval
	}
}

// awaitRun polls run until it completes, handling tool calls along the way.
// It returns the completed run and the number of functions executed.
func (o *Orchestrator) awaitRun(ctx context.Context, log *logging.Logger, req Request, threadID string, run *Run) (*Run, int, error) {
	log = log.With("run_id", run.ID)
	started := o.now()
	pollPolicy := o.cfg.ProviderRetry
	pollPolicy.MaxRetries = pollRetryAttempts
	pollPolicy.Name = "retrieve_run"

	current := run
	executed := 0
	streak := 0
	for attempt := 0; ; attempt++ {
		switch current.Status {
		case RunCompleted:
			return current, executed, nil
		case RunFailed, RunCancelled, RunExpired:
			return nil, executed, &RunError{Status: current.Status, Code: current.ErrorCode, Message: current.ErrorMessage}
		case RunRequiresAction:
			n, err := o.runTools(ctx, log, req, threadID, current)
			executed += n
			if err != nil {
				return nil, executed, err
			}
			current = &Run{ID: current.ID, ThreadID: threadID, Status: RunInProgress}
			streak = 0
		}

		if attempt >= o.cfg.MaxPollingAttempts {
			return nil, executed, fmt.Errorf("%w: %d polls", ErrRunTimeout, attempt)
		}
		if executed == 0 && attempt >= plainRunMaxPolls {
			return nil, executed, fmt.Errorf("%w: no progress after %d polls", ErrRunTimeout, attempt)
		}
		elapsed := o.now().Sub(started)
		if elapsed > o.cfg.MaxRunTime {
			return nil, executed, fmt.Errorf("%w: exceeded %s", ErrRunTimeout, o.cfg.MaxRunTime)
		}

		if current.Status == RunInProgress {
			streak++
		} else {
			streak = 0
		}
		if err := o.sleep(ctx, o.pollDelay(current.Status, elapsed, streak-1)); err != nil {
			return nil, executed, err
		}

		next, err := retry.DoOpenAIValue(ctx, pollPolicy, func(ctx context.Context) (*Run, error) {
			return o.provider.RetrieveRun(ctx, threadID, current.ID)
		})
		if err != nil {
			log.Warn("assistant: polling run failed", "attempt", attempt+1, "error", err)
			continue
		}
		if next.Status != current.Status {
			log.Debug("assistant: run status changed", "from", current.Status, "to", next.Status, "attempt", attempt+1)
		}
		current = next
	}
}

// runTools executes every requested call and submits all outputs in one
// batch. Failed calls are answered with an error object.
func (o *Orchestrator) runTools(ctx context.Context, log *logging.Logger, req Request, threadID string, run *Run) (int, error) {
	calls := run.ToolCalls
	if len(calls) == 0 {
		return 0, fmt.Errorf("assistant: run %s requires action without tool calls", run.ID)
	}
	log.Info("assistant: run requires action", "tool_calls", len(calls))

	o.notifyIfSlow(ctx, log, req, calls)

	callCtx := functions.WithCaller(ctx, functions.Caller{UserID: req.UserID, ChatID: req.ChatID})
	outputs := make([]ToolOutput, 0, len(calls))
	for _, call := range calls {
		outputs = append(outputs, ToolOutput{CallID: call.ID, Output: o.execute(callCtx, log, call)})
	}

	if err := retry.DoOpenAI(ctx, o.cfg.ProviderRetry, func(ctx context.Context) error {
		return o.provider.SubmitToolOutputs(ctx, threadID, run.ID, outputs)
	}); err != nil {
		return len(calls), fmt.Errorf("assistant: submit tool outputs: %w", err)
	}
	return len(calls), nil
}

func (o *Orchestrator) notifyIfSlow(ctx context.Context, log *logging.Logger, req Request, calls []ToolCall) {
	if o.notifier == nil || o.tools == nil || req.ChatID == "" {
		return
	}
	for _, call := range calls {
		if !o.tools.IsSlow(call.Name) {
			continue
		}
		if err := o.notifier.Notify(ctx, req.ChatID, SlowFunctionNotice); err != nil {
			log.Warn("assistant: interim notice failed", "function", call.Name, "error", err)
		}
		return
	}
}

func (o *Orchestrator) execute(ctx context.Context, log *logging.Logger, call ToolCall) string {
	if o.tools == nil {
		o.metrics.ObserveToolCall(call.Name, "unavailable")
		return errorOutput(fmt.Errorf("function registry not configured"))
	}
	started := o.now()
	result, err := o.tools.Execute(ctx, functions.Call{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
	if err != nil {
		log.Warn("assistant: function failed", "function", call.Name, "call_id", call.ID, "error", err)
		o.metrics.ObserveToolCall(call.Name, "error")
		return errorOutput(err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		o.metrics.ObserveToolCall(call.Name, "error")
		return errorOutput(fmt.Errorf("encode result: %w", err))
	}
	log.Info("assistant: function executed", "function", call.Name, "duration", o.now().Sub(started), "output_length", len(out))
	o.metrics.ObserveToolCall(call.Name, "ok")
	return string(out)
}

func errorOutput(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}
