// Package scheduler starts playbooks on cron schedules stored in the database.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/store"
	"github.com/rendis/playbookd/pkg/schema"
)

// Last-run statuses recorded on a job.
const (
	RunStatusStarted = "started"
	RunStatusError   = "error"
)

const defaultTickInterval = 60 * time.Second

// JobStore is the slice of store.Store the scheduler needs.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*store.ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// Runner starts a playbook and returns the new execution id.
type Runner interface {
	RunPlaybook(ctx context.Context, playbook string, params map[string]any) (string, error)
}

// ManagerRunner adapts an engine.Manager to Runner.
type ManagerRunner struct {
	Manager *engine.Manager
}

// RunPlaybook submits the playbook to the manager's pool.
func (r ManagerRunner) RunPlaybook(ctx context.Context, playbook string, params map[string]any) (string, error) {
	x, err := r.Manager.Start(ctx, engine.StartRequest{Playbook: playbook, Parameters: params})
	if err != nil {
		return "", err
	}
	return x.ID(), nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval overrides how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Scheduler polls the store for due jobs and starts them.
type Scheduler struct {
	store    JobStore
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently being started
}

// NewScheduler creates a Scheduler. Cron expressions use the standard five fields.
func NewScheduler(s JobStore, runner Runner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sched := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: defaultTickInterval,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sched)
	}
	return sched
}

// Start launches the background loop. The first tick runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick starts every enabled job whose next run is due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list scheduled jobs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job, now); err != nil {
			s.logger.ErrorContext(ctx, "failed to run scheduled job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		s.releaseJob(job.ID)
	}
}

// runJob starts the job's playbook and records the outcome and next run.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.InfoContext(ctx, "running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("playbook", job.PlaybookName),
	)

	var params map[string]any
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			s.logger.ErrorContext(ctx, "scheduled job has invalid params",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			return s.updateJobStatus(ctx, job, now, RunStatusError, "")
		}
	}

	execID, err := s.runner.RunPlaybook(ctx, job.PlaybookName, params)
	status := RunStatusStarted
	if err != nil {
		status = RunStatusError
		s.logger.ErrorContext(ctx, "scheduled job start failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	return s.updateJobStatus(ctx, job, now, status, execID)
}

func (s *Scheduler) updateJobStatus(ctx context.Context, job *store.ScheduledJob, now time.Time, status, execID string) error {
	nextRun, err := s.CalculateNextRun(job.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for job %q: %w", job.ID, err)
	}

	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:       &now,
		NextRunAt:       &nextRun,
		LastRunStatus:   status,
		LastExecutionID: execID,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q", cronExpr).WithCause(err)
	}
	return schedule.Next(from), nil
}

// CreateJob validates the cron expression, computes the first run and stores
// a new enabled job.
func (s *Scheduler) CreateJob(ctx context.Context, playbook, cronExpr string, params map[string]any) (*store.ScheduledJob, error) {
	if playbook == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook is required")
	}
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var raw json.RawMessage
	if len(params) > 0 {
		raw, err = json.Marshal(params)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "marshal job params").WithCause(err)
		}
	}

	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		PlaybookName:   playbook,
		CronExpression: cronExpr,
		Params:         raw,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "scheduled job created",
		slog.String("job_id", job.ID),
		slog.String("playbook", playbook),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next),
	)
	return job, nil
}

// SetEnabled toggles a job. Re-enabling recomputes the next run from now so
// a long-disabled job does not fire immediately.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	update := store.ScheduledJobUpdate{Enabled: &enabled}
	if enabled {
		job, err := s.store.GetScheduledJob(ctx, id)
		if err != nil {
			return err
		}
		next, err := s.CalculateNextRun(job.CronExpression, time.Now().UTC())
		if err != nil {
			return err
		}
		update.NextRunAt = &next
	}
	return s.store.UpdateScheduledJob(ctx, id, update)
}

// Jobs lists stored jobs.
func (s *Scheduler) Jobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error) {
	return s.store.ListScheduledJobs(ctx, filter)
}

// DeleteJob removes a job.
func (s *Scheduler) DeleteJob(ctx context.Context, id string) error {
	return s.store.DeleteScheduledJob(ctx, id)
}

// Stop shuts down the loop and waits for the current tick.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed starts, once, every enabled job whose next run passed while
// the process was down.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	jobs, err := s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed jobs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		err := s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to recover missed job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		recovered++
	}

	if recovered > 0 {
		s.logger.InfoContext(ctx, "recovered missed jobs", slog.Int("count", recovered))
	}
	return nil
}
