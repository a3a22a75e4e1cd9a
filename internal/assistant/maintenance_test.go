package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepStaleRuns(t *testing.T) {
	now := time.Now()
	p := newFakeProvider()
	p.runsByThread["thread_a"] = []Run{
		{ID: "run_old", Status: RunInProgress, CreatedAt: now.Add(-15 * time.Minute)},
		{ID: "run_stuck", Status: RunRequiresAction, CreatedAt: now.Add(-11 * time.Minute)},
		{ID: "run_new", Status: RunQueued, CreatedAt: now.Add(-2 * time.Minute)},
		{ID: "run_done", Status: RunCompleted, CreatedAt: now.Add(-time.Hour)},
	}
	h := newHarness(t, p, nil, WithClock(func() time.Time { return now }))
	h.seedThread(t, "thread_a", 10)

	cancelled, err := h.orch.SweepStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cancelled)
	assert.ElementsMatch(t, []string{"run_old", "run_stuck"}, p.cancelled)
}

func TestSweepStaleRuns_NoThreads(t *testing.T) {
	h := newHarness(t, newFakeProvider(), nil)
	cancelled, err := h.orch.SweepStaleRuns(context.Background())
	require.NoError(t, err)
	assert.Zero(t, cancelled)
}

func TestHealth(t *testing.T) {
	p := newFakeProvider()
	h := newHarness(t, p, nil)

	report := h.orch.Health(context.Background())
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, 42, report.ModelsAvailable)
	assert.Equal(t, "Concierge", report.AssistantName)
	assert.Equal(t, int64(DefaultMaxConcurrentCalls), report.MaxConcurrent)

	p.modelsErr = errors.New("401 unauthorized")
	report = h.orch.Health(context.Background())
	assert.Equal(t, "unhealthy", report.Status)
	assert.Contains(t, report.Error, "unauthorized")
}
