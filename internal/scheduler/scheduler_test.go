package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/sentinel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNextRun_At(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	task := store.ScheduledTask{ScheduleKind: store.ScheduleAt, At: &future}

	next, ok := nextRun(task, now)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !next.Equal(future) {
		t.Errorf("next = %v, want %v", next, future)
	}

	past := now.Add(-time.Hour)
	task.At = &past
	if _, ok := nextRun(task, now); ok {
		t.Error("one-shot in the past should report ok=false")
	}
}

func TestNextRun_Every(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	interval := int64(60)
	task := store.ScheduledTask{ScheduleKind: store.ScheduleEvery, EverySec: &interval, CreatedAt: now}

	next, ok := nextRun(task, now.Add(30*time.Second))
	if !ok {
		t.Fatal("expected ok=true")
	}
	want := now.Add(60 * time.Second)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextRun_Cron_RespectsTimezone(t *testing.T) {
	task := store.ScheduledTask{
		ScheduleKind: store.ScheduleCron,
		CronExpr:     "0 8 * * *",
		Timezone:     "America/New_York",
	}
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	next, ok := nextRun(task, now)
	if !ok {
		t.Fatal("expected ok=true")
	}
	loc, _ := time.LoadLocation("America/New_York")
	if next.In(loc).Hour() != 8 {
		t.Errorf("next hour in tz = %d, want 8", next.In(loc).Hour())
	}
}

func TestRunNow_RecordsExecution(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var calls int32
	sched := New(logger, s, func(_ context.Context, jobKey string, _ store.TaskExecution) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	exec, err := sched.RunNow(context.Background(), "collection_sweep")
	if err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if exec.Status != store.ExecutionCompleted {
		t.Errorf("Status = %q, want completed", exec.Status)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRunNow_RejectsConcurrentSameJobKey(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	blocker := make(chan struct{})
	release := make(chan struct{})
	sched := New(logger, s, func(ctx context.Context, jobKey string, _ store.TaskExecution) error {
		close(blocker)
		<-release
		return nil
	})

	go sched.RunNow(context.Background(), "hourly_cleanup")
	<-blocker

	_, err := sched.RunNow(context.Background(), "hourly_cleanup")
	if err == nil {
		t.Error("expected error for concurrent same-jobKey run")
	}
	close(release)
}

func TestSubmitOneShot_CreatesTaskDefinition(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(logger, s, func(context.Context, string, store.TaskExecution) error { return nil })

	runAt := time.Now().Add(time.Hour)
	task, err := sched.SubmitOneShot(context.Background(), "custom_job", runAt)
	if err != nil {
		t.Fatalf("SubmitOneShot: %v", err)
	}
	if task.JobKey != "custom_job" {
		t.Errorf("JobKey = %q, want custom_job", task.JobKey)
	}

	got, err := s.GetScheduledTask(task.ID)
	if err != nil {
		t.Fatalf("GetScheduledTask: %v", err)
	}
	if got.At == nil || !got.At.Equal(runAt) {
		t.Errorf("At = %v, want %v", got.At, runAt)
	}
}

func TestStartStop_ArmsAndStopsCleanly(t *testing.T) {
	s := newTestStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := New(logger, s, func(context.Context, string, store.TaskExecution) error { return nil })

	everySec := int64(3600)
	if _, err := s.CreateScheduledTask(store.ScheduledTask{
		JobKey:       "collection_sweep",
		ScheduleKind: store.ScheduleEvery,
		EverySec:     &everySec,
		Timezone:     "UTC",
		Enabled:      true,
	}); err != nil {
		t.Fatalf("CreateScheduledTask: %v", err)
	}

	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sched.Stop()
}
