// Package scheduler is the Scheduler (§4.D). Jobs fall into two shapes:
// one-shot/interval jobs (collection_sweep every minute, hourly_cleanup,
// ad-hoc SubmitOneShot calls) use the teacher's timer-rearm loop;
// calendar jobs (daily_report, weekly_report) that must respect local
// wall-clock time and DST transitions are computed with robfig/cron.
// Both persist through the shared Activity Store (internal/store):
// ScheduledTask holds the definition, store.TaskExecution records each
// run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/robfig/cron/v3"

	"github.com/nugget/sentinel/internal/store"
)

// ExecuteFunc runs a job's work when its task fires.
type ExecuteFunc func(ctx context.Context, jobKey string, execution store.TaskExecution) error

// GracePeriod is how long Stop waits for in-flight jobs to finish
// cooperatively before returning anyway.
const GracePeriod = 30 * time.Second

// Scheduler manages ScheduledTask timers and dispatches to ExecuteFunc,
// enforcing at-most-one-in-flight per job key via the Activity Store.
type Scheduler struct {
	logger  *slog.Logger
	store   *store.Store
	execute ExecuteFunc

	mu      sync.Mutex
	timers  map[string]*time.Timer // task ID -> timer
	running bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a Scheduler.
func New(logger *slog.Logger, s *store.Store, execute ExecuteFunc) *Scheduler {
	return &Scheduler{
		logger:  logger,
		store:   s,
		execute: execute,
		timers:  make(map[string]*time.Timer),
	}
}

// Start recovers stale in-flight executions from a prior ungraceful
// shutdown, then loads and arms every enabled task.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	if n, err := s.store.CancelStaleRunning(); err != nil {
		s.logger.Error("cancel stale running executions", "error", err)
	} else if n > 0 {
		s.logger.Warn("cancelled stale in-flight executions from prior run", "count", n)
	}

	tasks, err := s.store.ListScheduledTasks(true)
	if err != nil {
		return fmt.Errorf("list scheduled tasks: %w", err)
	}
	for _, t := range tasks {
		s.armTask(runCtx, t)
	}

	s.logger.Info("scheduler started", "tasks", len(tasks))
	return nil
}

// Stop cancels outstanding timers and waits up to GracePeriod for
// in-flight jobs to finish cooperatively.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(GracePeriod):
		s.logger.Warn("scheduler stop timed out waiting for in-flight jobs", "grace_period", GracePeriod)
	}
	s.logger.Info("scheduler stopped")
}

// SubmitOneShot schedules jobKey to run once at runAt.
func (s *Scheduler) SubmitOneShot(ctx context.Context, jobKey string, runAt time.Time) (store.ScheduledTask, error) {
	t, err := s.store.CreateScheduledTask(store.ScheduledTask{
		JobKey:       jobKey,
		ScheduleKind: store.ScheduleAt,
		At:           &runAt,
		Timezone:     "UTC",
		Enabled:      true,
	})
	if err != nil {
		return store.ScheduledTask{}, err
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		s.armTask(ctx, t)
	}
	return t, nil
}

// nextRun computes the next fire time for t after "after", in t's
// declared timezone for cron schedules.
func nextRun(t store.ScheduledTask, after time.Time) (time.Time, bool) {
	switch t.ScheduleKind {
	case store.ScheduleAt:
		if t.At != nil && t.At.After(after) {
			return *t.At, true
		}
		return time.Time{}, false

	case store.ScheduleEvery:
		if t.EverySec == nil || *t.EverySec <= 0 {
			return time.Time{}, false
		}
		interval := time.Duration(*t.EverySec) * time.Second
		base := t.CreatedAt
		if base.IsZero() {
			base = after
		}
		elapsed := after.Sub(base)
		if elapsed < 0 {
			return base, true
		}
		intervals := int64(elapsed/interval) + 1
		return base.Add(time.Duration(intervals) * interval), true

	case store.ScheduleCron:
		loc, err := time.LoadLocation(t.Timezone)
		if err != nil {
			loc = time.UTC
		}
		sched, err := cron.ParseStandard(t.CronExpr)
		if err != nil {
			return time.Time{}, false
		}
		return sched.Next(after.In(loc)), true

	default:
		return time.Time{}, false
	}
}

func (s *Scheduler) armTask(ctx context.Context, t store.ScheduledTask) {
	next, ok := nextRun(t, time.Now())
	if !ok {
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	if timer, exists := s.timers[t.ID]; exists {
		timer.Stop()
	}
	s.timers[t.ID] = time.AfterFunc(delay, func() {
		s.onFire(ctx, t)
	})

	s.logger.Debug("task armed", "job_key", t.JobKey, "next", next, "delay", delay)
}

func (s *Scheduler) onFire(ctx context.Context, t store.ScheduledTask) {
	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, t.ID)
	s.mu.Unlock()

	if _, err := s.RunNow(ctx, t.JobKey); err != nil {
		s.logger.Error("job execution failed", "job_key", t.JobKey, "error", err)
	}

	if t.ScheduleKind != store.ScheduleAt {
		s.armTask(ctx, t)
	}
}

// RunNow executes jobKey immediately, enforcing at-most-one-in-flight:
// if an execution for jobKey is already running, RunNow returns an
// error rather than starting a second one.
func (s *Scheduler) RunNow(ctx context.Context, jobKey string) (store.TaskExecution, error) {
	if _, err := s.store.RunningExecutionByName(jobKey); err == nil {
		return store.TaskExecution{}, fmt.Errorf("job %q already running", jobKey)
	}

	exec, err := s.store.CreateExecution(store.TaskExecution{Name: jobKey, Kind: jobKey})
	if err != nil {
		return store.TaskExecution{}, fmt.Errorf("create execution: %w", err)
	}

	jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	execErr := s.execute(jobCtx, jobKey, exec)

	exec.Success = execErr == nil
	if execErr != nil {
		exec.Status = store.ExecutionFailed
		exec.Error = execErr.Error()
	} else {
		exec.Status = store.ExecutionCompleted
	}
	if err := s.store.FinishExecution(exec); err != nil {
		s.logger.Error("finish execution", "job_key", jobKey, "error", err)
	}

	return exec, execErr
}
