// Package report is the Report Orchestrator (§4.G): a multi-stage
// report job (resolve → ingest → enrich → render → finalize) that
// pushes progress through the Realtime Hub and, on success, emits a
// KindReportReady bus event for the Notification Engine to fan out.
//
// Grounded on the teacher's internal/scheduler.Scheduler (an
// ExecuteFunc run under a TaskExecution, at-most-one-in-flight per job
// key) generalized from a single opaque execution to a five-stage
// pipeline with intermediate progress publication.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sentinel/internal/collector"
	"github.com/nugget/sentinel/internal/events"
	"github.com/nugget/sentinel/internal/llmadapter"
	"github.com/nugget/sentinel/internal/realtime"
	"github.com/nugget/sentinel/internal/store"
)

// Progress percentages for each stage, per §4.G's stage table.
const (
	stageStart    = 0
	stageResolve  = 20
	stageIngest   = 50
	stageEnrich   = 80
	stageRender   = 95
	stageFinalize = 100
)

// displayTimezone is the fixed offset applied to humanized report
// output; storage and all internal computation stay UTC (§3).
const displayTimezone = "Asia/Shanghai"

// Orchestrator runs report generation jobs.
type Orchestrator struct {
	store     *store.Store
	collector *collector.Collector
	hub       *realtime.Hub
	llm       *llmadapter.Adapter
	bus       *events.Bus
	logger    *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates an Orchestrator.
func New(s *store.Store, c *collector.Collector, hub *realtime.Hub, llm *llmadapter.Adapter, bus *events.Bus, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     s,
		collector: c,
		hub:       hub,
		llm:       llm,
		bus:       bus,
		logger:    logger,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// GenerateReport starts an asynchronous report job for subscriptionID
// and returns its taskID immediately; the job runs the §4.G pipeline in
// a background goroutine.
func (o *Orchestrator) GenerateReport(ownerUserID, subscriptionID int64, kind, format string) (string, error) {
	if format != store.ReportFormatHTML && format != store.ReportFormatMarkdown {
		format = store.ReportFormatMarkdown
	}

	taskID := store.NewExecutionID()
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[taskID] = cancel
	o.mu.Unlock()

	go o.run(ctx, taskID, ownerUserID, subscriptionID, kind, format)

	return taskID, nil
}

// Cancel requests cancellation of an in-flight report job. A job not
// currently running (already finished, or unknown taskID) is a no-op.
func (o *Orchestrator) Cancel(taskID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[taskID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) releaseTask(taskID string) {
	o.mu.Lock()
	delete(o.cancels, taskID)
	o.mu.Unlock()
}

func (o *Orchestrator) publish(taskID string, ownerUserID int64, progress int, status, message string) {
	if o.hub != nil {
		o.hub.PublishProgress(taskID, ownerUserID, progress, status, message)
	}
	if o.bus != nil {
		o.bus.Publish(events.Event{
			Timestamp: time.Now().UTC(),
			Source:    events.SourceReport,
			Kind:      events.KindReportProgress,
			Data: map[string]any{
				"task_id":  taskID,
				"progress": progress,
				"status":   status,
				"message":  message,
			},
		})
	}
}

func (o *Orchestrator) run(ctx context.Context, taskID string, ownerUserID, subscriptionID int64, kind, format string) {
	defer o.releaseTask(taskID)

	exec, err := o.store.CreateExecution(store.TaskExecution{
		ID:   taskID,
		Name: fmt.Sprintf("report:%d", subscriptionID),
		Kind: "report",
	})
	if err != nil {
		o.logger.Error("report: failed to create execution", "task_id", taskID, "error", err)
		return
	}

	report, err := o.stageStart(ownerUserID, subscriptionID, kind, format)
	if err != nil {
		o.fail(ctx, taskID, exec, store.Report{}, err)
		return
	}
	o.publish(taskID, ownerUserID, stageStart, "generating", "report created")

	if ctx.Err() != nil {
		o.cancelReport(taskID, exec, report)
		return
	}

	sub, periodStart, periodEnd, err := o.stageResolve(report, kind)
	if err != nil {
		o.fail(ctx, taskID, exec, report, err)
		return
	}
	report.PeriodStart, report.PeriodEnd = periodStart, periodEnd
	o.publish(taskID, ownerUserID, stageResolve, "generating", "resolved subscription and period")

	if ctx.Err() != nil {
		o.cancelReport(taskID, exec, report)
		return
	}

	activities, stats, err := o.stageIngest(ctx, sub, periodStart, periodEnd)
	if err != nil {
		o.fail(ctx, taskID, exec, report, err)
		return
	}
	report.Stats = stats
	o.publish(taskID, ownerUserID, stageIngest, "generating", fmt.Sprintf("ingested %d activities", stats.Activities))

	if ctx.Err() != nil {
		o.cancelReport(taskID, exec, report)
		return
	}

	summary, trend := o.stageEnrich(ctx, sub, activities, stats)
	report.Summary = summary
	report.AIAnalysis = trend
	o.publish(taskID, ownerUserID, stageEnrich, "generating", "enriched with AI summary")

	if ctx.Err() != nil {
		o.cancelReport(taskID, exec, report)
		return
	}

	body, err := o.stageRender(report, sub, activities, format)
	if err != nil {
		o.fail(ctx, taskID, exec, report, err)
		return
	}
	report.Body = body
	o.publish(taskID, ownerUserID, stageRender, "generating", "rendered body")

	if err := o.stageFinalizeFn(taskID, exec, report); err != nil {
		o.logger.Error("report: finalize failed", "task_id", taskID, "error", err)
	}
}

func (o *Orchestrator) stageStart(ownerUserID, subscriptionID int64, kind, format string) (store.Report, error) {
	sub, err := o.store.GetSubscription(subscriptionID)
	if err != nil {
		return store.Report{}, fmt.Errorf("load subscription: %w", err)
	}
	return o.store.CreateReport(store.Report{
		OwnerUserID:     ownerUserID,
		SubscriptionIDs: []int64{sub.ID},
		Title:           fmt.Sprintf("%s report for %s", kind, sub.RepoRef),
		Kind:            kind,
		Status:          store.ReportGenerating,
		Format:          format,
	})
}

func (o *Orchestrator) stageResolve(report store.Report, kind string) (store.Subscription, time.Time, time.Time, error) {
	subID := report.SubscriptionIDs[0]
	sub, err := o.store.GetSubscription(subID)
	if err != nil {
		return store.Subscription{}, time.Time{}, time.Time{}, fmt.Errorf("resolve subscription: %w", err)
	}
	end := time.Now().UTC()
	start := periodStartFor(kind, end)
	return sub, start, end, nil
}

// periodStartFor computes the report window's start for a given kind.
// "custom" has no declared window in the data model, so it uses the
// daily window. The orchestrator takes no custom range: run overwrites
// the report's period with the window computed here.
func periodStartFor(kind string, end time.Time) time.Time {
	switch kind {
	case "weekly":
		return end.AddDate(0, 0, -7)
	case "monthly":
		return end.AddDate(0, -1, 0)
	default: // "daily", "custom"
		return end.AddDate(0, 0, -1)
	}
}

func (o *Orchestrator) stageIngest(ctx context.Context, sub store.Subscription, periodStart, periodEnd time.Time) ([]store.Activity, store.ReportStats, error) {
	window := periodEnd.Sub(periodStart)
	if _, err := o.collector.CollectForSubscription(ctx, sub, window); err != nil {
		return nil, store.ReportStats{}, fmt.Errorf("collect: %w", err)
	}

	activities, err := o.store.ListActivitiesBySubscription(sub.ID, 0)
	if err != nil {
		return nil, store.ReportStats{}, fmt.Errorf("list activities: %w", err)
	}

	stats, err := o.store.CountActivitiesSince([]int64{sub.ID}, periodStart)
	if err != nil {
		return nil, store.ReportStats{}, fmt.Errorf("count activities: %w", err)
	}

	var windowed []store.Activity
	for _, a := range activities {
		if !a.SourceUpdatedAt.Before(periodStart) {
			windowed = append(windowed, a)
		}
	}
	return windowed, stats, nil
}

func (o *Orchestrator) stageEnrich(ctx context.Context, sub store.Subscription, activities []store.Activity, stats store.ReportStats) (summary, trend string) {
	statsMap := map[string]any{
		"repos":      stats.Repos,
		"activities": stats.Activities,
		"commits":    stats.Commits,
		"issues":     stats.Issues,
		"prs":        stats.PRs,
		"releases":   stats.Releases,
	}

	prompt := fmt.Sprintf(
		"Summarize recent activity for repository %s: %d commits, %d issues, %d pull requests, %d releases across %d total activities. Write a brief, factual summary paragraph.",
		sub.RepoRef, stats.Commits, stats.Issues, stats.PRs, stats.Releases, stats.Activities,
	)
	summary = o.llm.Complete(ctx, prompt, statsMap)

	trendPrompt := fmt.Sprintf(
		"Given the above activity for %s, describe the trend (increasing, steady, or quiet) and call out anything notable in one sentence.",
		sub.RepoRef,
	)
	trend = o.llm.Complete(ctx, trendPrompt, statsMap)

	return summary, trend
}

func (o *Orchestrator) stageRender(report store.Report, sub store.Subscription, activities []store.Activity, format string) (string, error) {
	// Humanized times in the body use displayTimezone; the caller's
	// report and activities keep their UTC values.
	if loc, err := time.LoadLocation(displayTimezone); err == nil {
		report.PeriodStart = report.PeriodStart.In(loc)
		report.PeriodEnd = report.PeriodEnd.In(loc)
		local := make([]store.Activity, len(activities))
		for i, a := range activities {
			a.SourceUpdatedAt = a.SourceUpdatedAt.In(loc)
			local[i] = a
		}
		activities = local
	}
	if format == store.ReportFormatHTML {
		return renderHTML(report, sub, activities)
	}
	return renderMarkdown(report, sub, activities)
}

func (o *Orchestrator) stageFinalizeFn(taskID string, exec store.TaskExecution, report store.Report) error {
	now := time.Now().UTC()
	report.Status = store.ReportCompleted
	report.GeneratedAt = &now

	if err := o.store.UpdateReport(report); err != nil {
		return fmt.Errorf("update report: %w", err)
	}

	exec.Status = store.ExecutionCompleted
	exec.Success = true
	exec.Processed = report.Stats.Activities
	if err := o.store.FinishExecution(exec); err != nil {
		return fmt.Errorf("finish execution: %w", err)
	}

	o.publish(taskID, report.OwnerUserID, stageFinalize, "completed", "report ready")

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Timestamp: time.Now().UTC(),
			Source:    events.SourceReport,
			Kind:      events.KindReportReady,
			Data: map[string]any{
				"report_id":        report.ID,
				"owner_user_id":    report.OwnerUserID,
				"subscription_ids": report.SubscriptionIDs,
			},
		})
	}

	return nil
}

func (o *Orchestrator) fail(ctx context.Context, taskID string, exec store.TaskExecution, report store.Report, cause error) {
	if ctx.Err() != nil {
		o.cancelReport(taskID, exec, report)
		return
	}

	o.logger.Error("report: stage failed", "task_id", taskID, "error", cause)

	if report.ID != 0 {
		report.Status = store.ReportFailed
		report.Error = cause.Error()
		if err := o.store.UpdateReport(report); err != nil {
			o.logger.Error("report: failed to persist failure", "task_id", taskID, "error", err)
		}
	}

	exec.Status = store.ExecutionFailed
	exec.Success = false
	exec.Error = cause.Error()
	if err := o.store.FinishExecution(exec); err != nil {
		o.logger.Error("report: failed to finish execution", "task_id", taskID, "error", err)
	}

	o.publish(taskID, report.OwnerUserID, 0, "failed", cause.Error())
}

func (o *Orchestrator) cancelReport(taskID string, exec store.TaskExecution, report store.Report) {
	o.logger.Info("report: cancelled", "task_id", taskID)

	if report.ID != 0 {
		report.Status = store.ReportFailed
		report.Error = "cancelled"
		if err := o.store.UpdateReport(report); err != nil {
			o.logger.Error("report: failed to persist cancellation", "task_id", taskID, "error", err)
		}
	}

	exec.Status = store.ExecutionCancelled
	exec.Success = false
	exec.Error = "cancelled"
	if err := o.store.FinishExecution(exec); err != nil {
		o.logger.Error("report: failed to finish cancelled execution", "task_id", taskID, "error", err)
	}

	o.publish(taskID, report.OwnerUserID, 0, "failed", "cancelled")
}
