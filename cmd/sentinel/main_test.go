package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nugget/sentinel/internal/config"
	"github.com/nugget/sentinel/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCronForDaily(t *testing.T) {
	got := cronForDaily("08:30")
	want := "30 8 * * *"
	if got != want {
		t.Errorf("cronForDaily(08:30) = %q, want %q", got, want)
	}
}

func TestCronForWeekly(t *testing.T) {
	cases := []struct {
		day  int
		time string
		want string
	}{
		{1, "08:00", "0 8 * * 1"},  // Monday
		{7, "08:00", "0 8 * * 0"},  // Sunday -> cron dow 0
		{3, "17:45", "45 17 * * 3"},
	}
	for _, c := range cases {
		got := cronForWeekly(c.day, c.time)
		if got != c.want {
			t.Errorf("cronForWeekly(%d, %q) = %q, want %q", c.day, c.time, got, c.want)
		}
	}
}

func TestSplitHHMM_InvalidFallsBackToEightAM(t *testing.T) {
	h, m := splitHHMM("not-a-time")
	if h != 8 || m != 0 {
		t.Errorf("splitHHMM fallback = %d:%d, want 8:0", h, m)
	}
}

func TestDirOf(t *testing.T) {
	if got := dirOf("./data/sentinel.db"); got != "./data" {
		t.Errorf("dirOf = %q, want ./data", got)
	}
	if got := dirOf("sentinel.db"); got != "" {
		t.Errorf("dirOf with no slash = %q, want empty", got)
	}
}

func TestSeedDefaultSchedule_CreatesStandingJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	seedDefaultSchedule(testLogger(), s, config.ScheduleConfig{
		Enabled:    true,
		DailyTime:  "08:00",
		WeeklyDay:  1,
		WeeklyTime: "08:00",
		Timezone:   "UTC",
	})

	tasks, err := s.ListScheduledTasks(false)
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	keys := make(map[string]bool, len(tasks))
	for _, tk := range tasks {
		keys[tk.JobKey] = true
	}
	for _, want := range []string{"collection_sweep", "hourly_cleanup", "daily_report", "weekly_report"} {
		if !keys[want] {
			t.Errorf("expected seeded job %q, got %v", want, keys)
		}
	}

	// Calling again must not duplicate entries.
	seedDefaultSchedule(testLogger(), s, config.ScheduleConfig{Enabled: true, Timezone: "UTC"})
	again, err := s.ListScheduledTasks(false)
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	if len(again) != len(tasks) {
		t.Errorf("seedDefaultSchedule re-run changed task count: %d -> %d", len(tasks), len(again))
	}
}

func TestSeedDefaultSchedule_DisabledSkipsReportJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	seedDefaultSchedule(testLogger(), s, config.ScheduleConfig{Enabled: false})

	tasks, err := s.ListScheduledTasks(false)
	if err != nil {
		t.Fatalf("ListScheduledTasks: %v", err)
	}
	for _, tk := range tasks {
		if tk.JobKey == "daily_report" || tk.JobKey == "weekly_report" {
			t.Errorf("unexpected report job seeded while schedule disabled: %s", tk.JobKey)
		}
	}
	if len(tasks) != 2 {
		t.Errorf("expected 2 standing jobs (sweep+cleanup), got %d", len(tasks))
	}
}
