package assistant

import (
	"context"
	"fmt"
	"time"
)

const (
	// StaleRunAge is how long an active run may live before the sweep cancels it.
	StaleRunAge     = 10 * time.Minute
	sweepWindow     = 24 * time.Hour
	sweepRunsLookup = 10
)

// SweepStaleRuns cancels queued, in_progress or requires_action runs older
// than StaleRunAge on recently active threads. It returns the number of runs
// cancelled.
func (o *Orchestrator) SweepStaleRuns(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "assistant.sweep_stale_runs")
	defer span.End()

	threads, err := o.threads.RecentConversations(ctx, sweepWindow)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("assistant: sweep: %w", err)
	}

	cancelled := 0
	now := o.now()
	for _, t := range threads {
		if t.ThreadID == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return cancelled, err
		}
		runs, err := o.provider.ListRuns(ctx, t.ThreadID, sweepRunsLookup)
		if err != nil {
			o.logger.Warn("assistant: listing runs failed", "thread_id", t.ThreadID, "error", err)
			continue
		}
		for _, run := range runs {
			if !run.Status.Active() {
				continue
			}
			age := now.Sub(run.CreatedAt)
			if age <= StaleRunAge {
				continue
			}
			if err := o.provider.CancelRun(ctx, t.ThreadID, run.ID); err != nil {
				o.logger.Warn("assistant: cancelling stale run failed", "thread_id", t.ThreadID, "run_id", run.ID, "error", err)
				continue
			}
			cancelled++
			o.logger.Warn("assistant: cancelled stale run",
				"thread_id", t.ThreadID,
				"run_id", run.ID,
				"user_id", t.UserID,
				"status", run.Status,
				"age_minutes", int(age.Minutes()),
			)
		}
	}
	if cancelled > 0 {
		o.metrics.ObserveThreadEvent("stale_run_cancelled")
		o.logger.Info("assistant: stale run sweep finished", "cancelled", cancelled, "threads", len(threads))
	}
	return cancelled, nil
}

// Health describes provider reachability.
type Health struct {
	Status          string `json:"status"`
	AssistantID     string `json:"assistantId"`
	AssistantName   string `json:"assistantName,omitempty"`
	Model           string `json:"model,omitempty"`
	ModelsAvailable int    `json:"modelsAvailable"`
	ThreadCache     bool   `json:"threadCache"`
	InFlight        int64  `json:"inFlight"`
	MaxConcurrent   int64  `json:"maxConcurrent"`
	Error           string `json:"error,omitempty"`
}

// Health lists models and retrieves the configured assistant.
func (o *Orchestrator) Health(ctx context.Context) Health {
	h := Health{
		Status:        "healthy",
		AssistantID:   o.cfg.AssistantID,
		ThreadCache:   o.cfg.EnableThreadCache,
		InFlight:      o.inFlight.Load(),
		MaxConcurrent: o.cfg.MaxConcurrentCalls,
	}
	n, err := o.provider.CountModels(ctx)
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}
	h.ModelsAvailable = n

	info, err := o.provider.RetrieveAssistant(ctx, o.cfg.AssistantID)
	if err != nil {
		h.Status = "unhealthy"
		h.Error = err.Error()
		return h
	}
	h.AssistantName = info.Name
	h.Model = info.Model
	return h
}
