// Package housekeeping runs the periodic maintenance jobs of the bot on cron
// schedules: cancelling stale assistant runs, deleting long-inactive clients
// and evicting idle conversation buffers.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wolfman30/rental-concierge/pkg/logging"
)

// Job names.
const (
	JobRunSweep       = "run_sweep"
	JobClientCleanup  = "client_cleanup"
	JobSessionCleanup = "session_cleanup"
)

// ErrUnknownJob is returned by RunNow for names that were never scheduled.
var ErrUnknownJob = errors.New("housekeeping: unknown job")

// RunSweeper cancels assistant runs stuck in an active state.
type RunSweeper interface {
	SweepStaleRuns(ctx context.Context) (int, error)
}

// ClientCleaner deletes clients inactive for longer than age.
type ClientCleaner interface {
	Cleanup(ctx context.Context, age time.Duration) (int64, error)
}

// SessionCleaner evicts idle in-memory conversations.
type SessionCleaner interface {
	CleanupInactiveConversations(hoursInactive int) int
}

// Config holds the cron expressions (standard five-field or @descriptors).
// An empty schedule disables that job.
type Config struct {
	RunSweepSchedule       string
	ClientCleanupSchedule  string
	SessionCleanupSchedule string
	ClientMaxAge           time.Duration
	SessionInactiveHours   int
	JobTimeout             time.Duration
}

// Deps are the components the jobs act on. Nil deps disable their job.
type Deps struct {
	Runs     RunSweeper
	Clients  ClientCleaner
	Sessions SessionCleaner
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Next      time.Time `json:"next"`
	LastRun   time.Time `json:"lastRun,omitempty"`
	LastCount int64     `json:"lastCount"`
	LastError string    `json:"lastError,omitempty"`
}

type job struct {
	name     string
	schedule string
	entry    cron.EntryID
	run      func(ctx context.Context) (int64, error)

	mu        sync.Mutex
	lastRun   time.Time
	lastCount int64
	lastErr   string
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*job
	timeout time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// New validates the schedules and registers a job for every configured
// schedule with a matching dependency.
func New(cfg Config, deps Deps, logger *logging.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.ClientMaxAge <= 0 {
		cfg.ClientMaxAge = 30 * 24 * time.Hour
	}
	if cfg.SessionInactiveHours <= 0 {
		cfg.SessionInactiveHours = 24
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}

	log := logger.Component("housekeeping")
	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{log}),
			cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})),
		),
		jobs:    make(map[string]*job),
		timeout: cfg.JobTimeout,
		logger:  log,
		now:     time.Now,
	}

	if deps.Runs != nil {
		if err := s.add(JobRunSweep, cfg.RunSweepSchedule, func(ctx context.Context) (int64, error) {
			n, err := deps.Runs.SweepStaleRuns(ctx)
			return int64(n), err
		}); err != nil {
			return nil, err
		}
	}
	if deps.Clients != nil {
		maxAge := cfg.ClientMaxAge
		if err := s.add(JobClientCleanup, cfg.ClientCleanupSchedule, func(ctx context.Context) (int64, error) {
			return deps.Clients.Cleanup(ctx, maxAge)
		}); err != nil {
			return nil, err
		}
	}
	if deps.Sessions != nil {
		hours := cfg.SessionInactiveHours
		if err := s.add(JobSessionCleanup, cfg.SessionCleanupSchedule, func(context.Context) (int64, error) {
			return int64(deps.Sessions.CleanupInactiveConversations(hours)), nil
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) add(name, schedule string, run func(ctx context.Context) (int64, error)) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		s.logger.Info("housekeeping job disabled", "job", name)
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("housekeeping: invalid schedule %q for %s: %w", schedule, name, err)
	}
	j := &job{name: name, schedule: schedule, run: run}
	id, err := s.cron.AddFunc(schedule, func() { s.execute(context.Background(), j) })
	if err != nil {
		return fmt.Errorf("housekeeping: schedule %s: %w", name, err)
	}
	j.entry = id
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) execute(ctx context.Context, j *job) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := s.now()
	count, err := j.run(ctx)

	j.mu.Lock()
	j.lastRun = started
	j.lastCount = count
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		s.logger.Error("housekeeping job failed", "job", j.name, "error", err)
		return count, err
	}
	if count > 0 {
		s.logger.Info("housekeeping job finished", "job", j.name, "affected", count, "duration", s.now().Sub(started))
	} else {
		s.logger.Debug("housekeeping job finished", "job", j.name)
	}
	return count, nil
}

// Start begins running the schedules in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("housekeeping scheduler started", "jobs", len(s.jobs))
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	j, ok := s.jobs[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(ctx, j)
}

// Jobs reports every scheduled job, sorted by name.
func (s *Scheduler) Jobs() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		status := JobStatus{
			Name:      j.name,
			Schedule:  j.schedule,
			Next:      s.cron.Entry(j.entry).Next,
			LastRun:   j.lastRun,
			LastCount: j.lastCount,
			LastError: j.lastErr,
		}
		j.mu.Unlock()
		out = append(out, status)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
