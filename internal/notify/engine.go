// Package notify is the Notification Engine (§4.E): it consumes
// NewActivity and ReportReady events off the bus, evaluates each
// subscription owner's NotificationRules, and fans out to the
// configured delivery channels. Channel fan-out also runs directly off
// a subscription's declared channels, independent of rule matching.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nugget/sentinel/internal/config"
	"github.com/nugget/sentinel/internal/events"
	"github.com/nugget/sentinel/internal/notify/chat"
	"github.com/nugget/sentinel/internal/notify/email"
	"github.com/nugget/sentinel/internal/notify/webhook"
	"github.com/nugget/sentinel/internal/realtime"
	"github.com/nugget/sentinel/internal/store"
)

// Channel name constants, matching store.DeliveryTargets and
// SubscriptionDelivery.Channels values.
const (
	ChannelEmail   = "email"
	ChannelChat    = "chat"
	ChannelWebhook = "webhook"
)

// DeliverySummary reports per-channel outcome for one fan-out.
type DeliverySummary struct {
	Email   *bool
	Chat    *bool
	Webhook *bool
}

// Engine evaluates NotificationRules and dispatches channel deliveries.
type Engine struct {
	store  *store.Store
	bus    *events.Bus
	hub    *realtime.Hub
	logger *slog.Logger

	email   *email.Sender
	chat    *chat.Sender
	webhook *webhook.Sender

	defaults config.NotificationConfig
}

// New creates an Engine wired to the shared store, bus, and realtime hub.
// Every matched event is also pushed onto hub, per §2's "emits to E + F".
func New(s *store.Store, bus *events.Bus, hub *realtime.Hub, logger *slog.Logger, cfg config.NotificationConfig) *Engine {
	return &Engine{
		store:    s,
		bus:      bus,
		hub:      hub,
		logger:   logger,
		email:    email.New(cfg.Email),
		chat:     chat.New(),
		webhook:  webhook.New(),
		defaults: cfg,
	}
}

// Run subscribes to the bus and dispatches events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ch := e.bus.Subscribe(64)
	defer e.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case events.KindNewActivity:
				e.handleNewActivity(ctx, ev)
			case events.KindReportReady:
				e.handleReportReady(ctx, ev)
			}
		}
	}
}

func (e *Engine) handleNewActivity(ctx context.Context, ev events.Event) {
	subID, _ := ev.Data["subscription_id"].(int64)
	if subID == 0 {
		return
	}
	sub, err := e.store.GetSubscription(subID)
	if err != nil {
		e.logger.Error("notify: load subscription", "subscription_id", subID, "error", err)
		return
	}
	activityID, _ := ev.Data["activity_id"].(int64)
	activity, err := e.store.GetActivity(activityID)
	if err != nil {
		e.logger.Error("notify: load activity", "activity_id", activityID, "error", err)
		return
	}

	matched := e.evaluateRules(sub.OwnerUserID, activity, sub)
	for _, rule := range matched {
		e.bus.Publish(events.Event{
			Source: events.SourceNotify,
			Kind:   events.KindRuleTriggered,
			Data: map[string]any{
				"rule_id":       rule.ID,
				"owner_user_id": sub.OwnerUserID,
				"event_kind":    activity.Kind,
			},
		})
		if e.hub != nil {
			e.hub.SendToUser(sub.OwnerUserID, "", realtime.Envelope{
				Type: realtime.TypeRuleTriggered,
				Data: map[string]any{
					"rule_id":     rule.ID,
					"activity_id": activity.ExternalID,
					"event_kind":  activity.Kind,
				},
			})
		}
	}

	title := fmt.Sprintf("New %s in %s", activity.Kind, sub.RepoRef)
	if e.hub != nil {
		// Broadcast on the repo's channel only (§6/S6): the owner is
		// already reachable through it via their standing "user_<id>"
		// auto-subscription, so a second direct send would double-deliver.
		e.hub.BroadcastChannel("repository_"+sub.RepoRef, realtime.Envelope{
			Type: realtime.TypeActivityNotification,
			Data: map[string]any{
				"subscription_id": sub.ID,
				"externalId":      activity.ExternalID,
				"kind":            activity.Kind,
				"title":           activity.Title,
				"url":             activity.URL,
			},
		})
	}
	summary := e.dispatchChannels(ctx, sub, title, activity.Title, []chat.Activity{{
		Title:  activity.Title,
		URL:    activity.URL,
		Author: activity.Author.Login,
		Kind:   activity.Kind,
	}}, map[string]any{
		"subscription_id": sub.ID,
		"activity":        activity,
	})
	e.logger.Debug("notify: dispatched new activity", "subscription_id", sub.ID, "summary", summary)
}

func (e *Engine) handleReportReady(ctx context.Context, ev events.Event) {
	reportID, _ := ev.Data["report_id"].(int64)
	report, err := e.store.GetReport(reportID)
	if err != nil {
		e.logger.Error("notify: load report", "report_id", reportID, "error", err)
		return
	}

	for _, subID := range report.SubscriptionIDs {
		sub, err := e.store.GetSubscription(subID)
		if err != nil {
			continue
		}
		title := fmt.Sprintf("Report ready: %s", report.Title)
		if e.hub != nil {
			e.hub.SendToUser(sub.OwnerUserID, "", realtime.Envelope{
				Type: realtime.TypeReportNotification,
				Data: map[string]any{
					"report_id": report.ID,
					"title":     report.Title,
				},
			})
		}
		// report.Body carries the rendered report (markdown); email.Send
		// converts it to HTML itself, so the summary alone would under-
		// deliver what the recipient sees in other channels.
		summary := e.dispatchChannels(ctx, sub, title, report.Body, nil, map[string]any{
			"report_id": report.ID,
			"body":      report.Body,
		})
		e.logger.Debug("notify: dispatched report ready", "subscription_id", sub.ID, "summary", summary)
	}
}

// evaluateRules returns the rules owned by ownerUserID (plus system
// rules) that match the given activity within the given subscription,
// per §4.E's matching algorithm: every populated condition must match.
func (e *Engine) evaluateRules(ownerUserID int64, activity store.Activity, sub store.Subscription) []store.NotificationRule {
	rules, err := e.store.ListRulesForUser(ownerUserID)
	if err != nil {
		e.logger.Error("notify: list rules", "owner_user_id", ownerUserID, "error", err)
		return nil
	}

	var matched []store.NotificationRule
	for _, r := range rules {
		if ruleMatches(r.Conditions, activity, sub) {
			matched = append(matched, r)
		}
	}
	return matched
}

func ruleMatches(c store.RuleConditions, a store.Activity, sub store.Subscription) bool {
	if len(c.EventKinds) > 0 && !contains(c.EventKinds, a.Kind) {
		return false
	}
	if len(c.Repos) > 0 && !contains(c.Repos, sub.RepoRef) {
		return false
	}
	if len(c.Authors) > 0 && !contains(c.Authors, a.Author.Login) {
		return false
	}
	if len(c.Keywords) > 0 && !anyKeywordMatches(c.Keywords, a.Title, a.Body) {
		return false
	}
	for metric, bound := range c.Thresholds {
		value, ok := thresholdValue(a, metric)
		if !ok || value < bound {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func anyKeywordMatches(keywords []string, title, body string) bool {
	haystack := strings.ToLower(title + " " + body)
	for _, kw := range keywords {
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// thresholdValue extracts a named numeric metric from an Activity's
// Extras map, the only place per-activity metrics (e.g. additions,
// deletions, comment counts) are carried.
func thresholdValue(a store.Activity, metric string) (float64, bool) {
	raw, ok := a.Extras[metric]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// dispatchChannels fans out across the subscription's declared
// channels concurrently. Each channel's failure is isolated: logged,
// recorded in the summary, never returned to the caller.
func (e *Engine) dispatchChannels(ctx context.Context, sub store.Subscription, title, body string, activities []chat.Activity, data map[string]any) DeliverySummary {
	var summary DeliverySummary
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, channel := range sub.Delivery.Channels {
		channel := channel
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := e.sendOnChannel(ctx, channel, sub, title, body, activities, data)
			mu.Lock()
			defer mu.Unlock()
			switch channel {
			case ChannelEmail:
				summary.Email = &ok
			case ChannelChat:
				summary.Chat = &ok
			case ChannelWebhook:
				summary.Webhook = &ok
			}
		}()
	}
	wg.Wait()
	return summary
}

func (e *Engine) sendOnChannel(ctx context.Context, channel string, sub store.Subscription, title, body string, activities []chat.Activity, data map[string]any) bool {
	switch channel {
	case ChannelEmail:
		recipients := sub.Delivery.Targets.Emails
		if len(recipients) == 0 || !e.email.Enabled() {
			return false
		}
		if err := e.email.Send(ctx, recipients, title, body); err != nil {
			e.logger.Error("notify: email delivery failed", "subscription_id", sub.ID, "error", err)
			return false
		}
		return true

	case ChannelChat:
		urls := sub.Delivery.Targets.ChatHooks
		if len(urls) == 0 && e.defaults.Chat.Enabled {
			urls = []string{e.defaults.Chat.WebhookURL}
		}
		if len(urls) == 0 {
			return false
		}
		msg := chat.BuildMessage(title, map[string]string{"repo": sub.RepoRef}, activities)
		ok := true
		for _, url := range urls {
			if err := e.chat.Send(ctx, url, msg); err != nil {
				e.logger.Error("notify: chat delivery failed", "subscription_id", sub.ID, "error", err)
				ok = false
			}
		}
		return ok

	case ChannelWebhook:
		urls := sub.Delivery.Targets.WebhookURLs
		if len(urls) == 0 && e.defaults.Webhook.Enabled {
			urls = []string{e.defaults.Webhook.URL}
		}
		if len(urls) == 0 {
			return false
		}
		secret := e.defaults.Webhook.Secret
		env := webhook.Envelope{
			EventType: "sentinel.notification",
			Source:    "sentinel",
			Data:      data,
		}
		ok := true
		for _, url := range urls {
			if err := e.webhook.Send(ctx, url, secret, env); err != nil {
				e.logger.Error("notify: webhook delivery failed", "subscription_id", sub.ID, "error", err)
				ok = false
			}
		}
		return ok

	default:
		return false
	}
}
