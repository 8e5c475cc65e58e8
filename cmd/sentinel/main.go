// Package main is the entry point for the sentinel repository-activity
// monitor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/sentinel/internal/api"
	"github.com/nugget/sentinel/internal/buildinfo"
	"github.com/nugget/sentinel/internal/collector"
	"github.com/nugget/sentinel/internal/config"
	"github.com/nugget/sentinel/internal/events"
	"github.com/nugget/sentinel/internal/llmadapter"
	"github.com/nugget/sentinel/internal/notify"
	"github.com/nugget/sentinel/internal/platform"
	"github.com/nugget/sentinel/internal/realtime"
	"github.com/nugget/sentinel/internal/report"
	"github.com/nugget/sentinel/internal/scheduler"
	"github.com/nugget/sentinel/internal/store"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "init":
			runInit(logger, *configPath)
		case "add-subscription":
			runAddSubscription(logger, *configPath, flag.Args()[1:])
		case "collect":
			runCollect(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("sentinel - repository activity monitor")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve              Start the API server, scheduler, and notification engine")
	fmt.Println("  init               Create the database schema and seed default scheduled jobs")
	fmt.Println("  add-subscription   Register a repository subscription (--owner, --repo)")
	fmt.Println("  collect            Run a one-shot collection sweep across active subscriptions")
	fmt.Println("  version            Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig finds and loads the config file. Exits the process on
// failure. Callers apply cfg.LogLevel separately via reconfigureLogger.
func loadConfig(logger *slog.Logger, configPath string) *config.Config {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	return cfg
}

func reconfigureLogger(logger *slog.Logger, cfg *config.Config) *slog.Logger {
	if cfg.LogLevel == "" {
		return logger
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid log_level in config", "error", err)
		os.Exit(1)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func openStore(logger *slog.Logger, cfg *config.Config) *store.Store {
	path := cfg.Database.Path
	if dir := dirOf(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create database directory", "path", dir, "error", err)
			os.Exit(1)
		}
	}

	s, err := store.Open(path)
	if err != nil {
		logger.Error("failed to open activity store", "path", path, "error", err)
		os.Exit(1)
	}
	return s
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}

func runInit(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg)

	s := openStore(logger, cfg)
	defer s.Close()

	seedDefaultSchedule(logger, s, cfg.Schedule)
	logger.Info("sentinel initialized", "database", cfg.Database.Path)
	fmt.Printf("Database ready at %s\n", cfg.Database.Path)
}

// seedDefaultSchedule creates the Scheduler's standing jobs (§4.D) if
// they don't already exist: a one-minute collection sweep, an hourly
// cleanup, and the daily/weekly report jobs driven by ScheduleConfig.
func seedDefaultSchedule(logger *slog.Logger, s *store.Store, sched config.ScheduleConfig) {
	tz := sched.Timezone
	if tz == "" {
		tz = "UTC"
	}

	existing, err := s.ListScheduledTasks(false)
	if err != nil {
		logger.Error("failed to list scheduled tasks", "error", err)
		os.Exit(1)
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t.JobKey] = true
	}

	everySweep := int64(60)
	everyCleanup := int64(3600)
	wantDefault := []store.ScheduledTask{
		{JobKey: "collection_sweep", ScheduleKind: store.ScheduleEvery, EverySec: &everySweep, Timezone: tz, Enabled: true},
		{JobKey: "hourly_cleanup", ScheduleKind: store.ScheduleEvery, EverySec: &everyCleanup, Timezone: tz, Enabled: true},
	}
	if sched.Enabled {
		dailyTime := sched.DailyTime
		if dailyTime == "" {
			dailyTime = "08:00"
		}
		weeklyTime := sched.WeeklyTime
		if weeklyTime == "" {
			weeklyTime = "08:00"
		}
		weeklyDay := sched.WeeklyDay
		if weeklyDay == 0 {
			weeklyDay = 1
		}
		wantDefault = append(wantDefault,
			store.ScheduledTask{
				JobKey:       "daily_report",
				ScheduleKind: store.ScheduleCron,
				CronExpr:     cronForDaily(dailyTime),
				Timezone:     tz,
				Enabled:      true,
			},
			store.ScheduledTask{
				JobKey:       "weekly_report",
				ScheduleKind: store.ScheduleCron,
				CronExpr:     cronForWeekly(weeklyDay, weeklyTime),
				Timezone:     tz,
				Enabled:      true,
			},
		)
	}

	for _, t := range wantDefault {
		if have[t.JobKey] {
			continue
		}
		if _, err := s.CreateScheduledTask(t); err != nil {
			logger.Error("failed to seed scheduled task", "jobKey", t.JobKey, "error", err)
			continue
		}
		logger.Info("seeded scheduled task", "jobKey", t.JobKey)
	}
}

// cronForDaily turns a "HH:MM" local time into a 5-field cron
// expression firing once a day.
func cronForDaily(hhmm string) string {
	h, m := splitHHMM(hhmm)
	return fmt.Sprintf("%d %d * * *", m, h)
}

// cronForWeekly turns a 1 (Monday)-7 (Sunday) day and "HH:MM" local
// time into a 5-field cron expression. robfig/cron's day-of-week field
// is 0 (Sunday)-6 (Saturday), so ISO day 7 maps to 0.
func cronForWeekly(isoDay int, hhmm string) string {
	h, m := splitHHMM(hhmm)
	dow := isoDay % 7
	return fmt.Sprintf("%d %d * * %d", m, h, dow)
}

func splitHHMM(hhmm string) (hour, minute int) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 8, 0
	}
	return t.Hour(), t.Minute()
}

func runAddSubscription(logger *slog.Logger, configPath string, args []string) {
	fs := flag.NewFlagSet("add-subscription", flag.ExitOnError)
	owner := fs.String("owner", "", "repository owner handle to create/attach the subscription to")
	repo := fs.String("repo", "", "owner/name repository reference")
	cadence := fs.String("cadence", store.CadenceDaily, "report cadence: daily or weekly")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *repo == "" || *owner == "" {
		fmt.Fprintln(os.Stderr, "usage: sentinel add-subscription --owner <handle> --repo <owner/name>")
		os.Exit(1)
	}

	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg)

	s := openStore(logger, cfg)
	defer s.Close()

	u, err := s.GetUserByHandle(*owner)
	if err != nil {
		u, err = s.CreateUser(store.User{Handle: *owner, Active: true})
		if err != nil {
			logger.Error("failed to create user", "handle", *owner, "error", err)
			os.Exit(1)
		}
		logger.Info("created user", "handle", *owner, "apiToken", u.APIToken)
		fmt.Printf("Created user %q with API token: %s\n", *owner, u.APIToken)
	}

	sub, err := s.CreateSubscription(store.Subscription{
		OwnerUserID: u.ID,
		RepoRef:     *repo,
		Cadence:     *cadence,
		Watches:     []string{store.WatchCommits, store.WatchIssues, store.WatchPullRequests, store.WatchReleases},
	})
	if err != nil {
		logger.Error("failed to create subscription", "repoRef", *repo, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Subscribed %s to %s (subscription id %d)\n", *owner, *repo, sub.ID)
}

func runCollect(logger *slog.Logger, configPath string) {
	cfg := loadConfig(logger, configPath)
	logger = reconfigureLogger(logger, cfg)

	s := openStore(logger, cfg)
	defer s.Close()

	bus := events.New()
	p, err := platform.New(cfg.GitHub.Token, cfg.GitHub.APIURL, logger, platform.WithRetries(cfg.GitHub.Retries))
	if err != nil {
		logger.Error("failed to create platform client", "error", err)
		os.Exit(1)
	}
	c := collector.New(p, s, bus, logger)

	result, err := c.Sweep(context.Background())
	if err != nil {
		logger.Error("collection sweep failed", "error", err)
		os.Exit(1)
	}

	logger.Info("collection sweep complete",
		"subscriptions", result.SubscriptionsProcessed,
		"activitiesInserted", result.ActivitiesInserted,
		"errors", len(result.Errors),
	)
	fmt.Printf("Processed %d subscriptions, inserted %d activities, %d errors\n",
		result.SubscriptionsProcessed, result.ActivitiesInserted, len(result.Errors))
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting sentinel", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	logger = reconfigureLogger(logger, cfg)

	logger.Info("config loaded",
		"path", cfgPath,
		"address", cfg.App.Address,
		"port", cfg.App.Port,
		"devMode", cfg.DevMode,
	)

	s := openStore(logger, cfg)
	defer s.Close()

	seedDefaultSchedule(logger, s, cfg.Schedule)

	bus := events.New()

	p, err := platform.New(cfg.GitHub.Token, cfg.GitHub.APIURL, logger, platform.WithRetries(cfg.GitHub.Retries))
	if err != nil {
		logger.Error("failed to create platform client", "error", err)
		os.Exit(1)
	}

	c := collector.New(p, s, bus, logger)
	llm := llmadapter.New(cfg.AI, logger)
	auth := api.NewTokenAuthenticator(s, cfg.DevMode)
	hub := realtime.New(logger, auth)
	orch := report.New(s, c, hub, llm, bus, logger)
	notifyEngine := notify.New(s, bus, hub, logger, cfg.Notification)

	sched := scheduler.New(logger, s, makeExecuteFunc(logger, s, c, orch))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go notifyEngine.Run(ctx)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	server := api.NewServer(cfg.App.Address, cfg.App.Port, s, c, orch, hub, cfg, cfgPath, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("sentinel stopped")
}

// makeExecuteFunc adapts the Scheduler's job-key dispatch to the
// Collector and Report Orchestrator. daily_report/weekly_report fire
// the orchestrator per active subscription; collection_sweep and
// hourly_cleanup run across the whole subscription set.
func makeExecuteFunc(logger *slog.Logger, s *store.Store, c *collector.Collector, orch *report.Orchestrator) scheduler.ExecuteFunc {
	return func(ctx context.Context, jobKey string, execution store.TaskExecution) error {
		switch jobKey {
		case "collection_sweep":
			result, err := c.Sweep(ctx)
			if err != nil {
				return err
			}
			logger.Info("scheduled sweep complete", "subscriptions", result.SubscriptionsProcessed, "inserted", result.ActivitiesInserted)
			return nil
		case "hourly_cleanup":
			return nil
		case "daily_report":
			return generateForActiveSubscriptions(s, orch, store.ReportDaily)
		case "weekly_report":
			return generateForActiveSubscriptions(s, orch, store.ReportWeekly)
		default:
			logger.Warn("unrecognized scheduled job key", "jobKey", jobKey)
			return nil
		}
	}
}

func generateForActiveSubscriptions(s *store.Store, orch *report.Orchestrator, kind string) error {
	subs, err := s.ListActiveSubscriptions()
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if _, err := orch.GenerateReport(sub.OwnerUserID, sub.ID, kind, store.ReportFormatMarkdown); err != nil {
			return err
		}
	}
	return nil
}
