// Package collector is the Collector (§4.C): it walks a subscription's
// watched kinds against the Platform Client, filters and normalizes
// each item, upserts it into the Activity Store, advances the
// subscription's watermark, and publishes a bus event for every newly
// inserted Activity.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/sentinel/internal/events"
	"github.com/nugget/sentinel/internal/platform"
	"github.com/nugget/sentinel/internal/store"
)

// DefaultFanOut bounds how many subscriptions are collected concurrently
// during a sweep.
const DefaultFanOut = 8

// DefaultWindow bounds how far back a collection looks on a
// subscription's first sync (§4.C step 2), and is the window a sweep or
// on-demand sync uses absent a more specific caller-supplied window
// (e.g. a report's period).
const DefaultWindow = 24 * time.Hour

// Platform is the subset of *platform.Client the Collector depends on.
// Narrowed to an interface so tests can fake the upstream without an
// httptest server.
type Platform interface {
	ListCommits(ctx context.Context, ref string, since time.Time) ([]platform.Commit, error)
	ListIssues(ctx context.Context, ref string, since time.Time, states platform.ItemStates) ([]platform.Issue, error)
	ListPullRequests(ctx context.Context, ref string, since time.Time, states platform.ItemStates) ([]platform.PullRequest, error)
	ListReleases(ctx context.Context, ref string, limit int) ([]platform.Release, error)
	ListDiscussions(ctx context.Context, ref string, since time.Time) ([]platform.Discussion, error)
}

// Collector runs collection sweeps over a set of subscriptions.
type Collector struct {
	platform Platform
	store    *store.Store
	bus      *events.Bus
	logger   *slog.Logger
	fanOut   int
}

// Option configures a Collector built by New.
type Option func(*Collector)

// WithFanOut overrides DefaultFanOut.
func WithFanOut(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.fanOut = n
		}
	}
}

// New creates a Collector.
func New(p Platform, s *store.Store, bus *events.Bus, logger *slog.Logger, opts ...Option) *Collector {
	c := &Collector{
		platform: p,
		store:    s,
		bus:      bus,
		logger:   logger,
		fanOut:   DefaultFanOut,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SweepResult summarizes one collection sweep across all active
// subscriptions.
type SweepResult struct {
	SubscriptionsProcessed int
	ActivitiesInserted     int
	Errors                 map[int64]error
}

// Sweep collects every active subscription concurrently, capped at
// c.fanOut in flight. A failure against one subscription does not stop
// the others — isolated failures land in SweepResult.Errors keyed by
// subscription ID.
func (c *Collector) Sweep(ctx context.Context) (SweepResult, error) {
	subs, err := c.store.ListActiveSubscriptions()
	if err != nil {
		return SweepResult{}, fmt.Errorf("list active subscriptions: %w", err)
	}

	result := SweepResult{Errors: make(map[int64]error)}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, c.fanOut)

	for _, sub := range subs {
		wg.Add(1)
		go func(sub store.Subscription) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			inserted, err := c.CollectForSubscription(ctx, sub, DefaultWindow)

			mu.Lock()
			defer mu.Unlock()
			result.SubscriptionsProcessed++
			result.ActivitiesInserted += inserted
			if err != nil {
				result.Errors[sub.ID] = err
			}
		}(sub)
	}

	wg.Wait()
	return result, nil
}

// CollectForSubscription runs one subscription's watched kinds through
// the Platform Client, upserts the normalized results, and advances the
// subscription's watermark to the latest item observed. since is
// clamped to max(sub.LastSyncAt, now-window), per §4.C step 2, so a
// first sync pulls only window worth of history rather than full
// upstream history. Returns the count of newly inserted activities.
// ctx cancellation is observed at every Platform Client call.
func (c *Collector) CollectForSubscription(ctx context.Context, sub store.Subscription, window time.Duration) (int, error) {
	since := time.Now().UTC().Add(-window)
	if sub.LastSyncAt != nil && sub.LastSyncAt.After(since) {
		since = *sub.LastSyncAt
	}

	watched := make(map[string]bool, len(sub.Watches))
	for _, w := range sub.Watches {
		watched[w] = true
	}

	inserted := 0
	high := since

	advance := func(t time.Time) {
		if t.After(high) {
			high = t
		}
	}

	if watched[store.WatchCommits] {
		n, latest, err := c.collectCommits(ctx, sub, since)
		if err != nil {
			return inserted, fmt.Errorf("collect commits: %w", err)
		}
		inserted += n
		advance(latest)
	}

	if watched[store.WatchIssues] {
		n, latest, err := c.collectIssues(ctx, sub, since)
		if err != nil {
			return inserted, fmt.Errorf("collect issues: %w", err)
		}
		inserted += n
		advance(latest)
	}

	if watched[store.WatchPullRequests] {
		n, latest, err := c.collectPullRequests(ctx, sub, since)
		if err != nil {
			return inserted, fmt.Errorf("collect pull requests: %w", err)
		}
		inserted += n
		advance(latest)
	}

	if watched[store.WatchReleases] {
		n, latest, err := c.collectReleases(ctx, sub, since)
		if err != nil {
			return inserted, fmt.Errorf("collect releases: %w", err)
		}
		inserted += n
		advance(latest)
	}

	if watched[store.WatchDiscussions] {
		n, latest, err := c.collectDiscussions(ctx, sub, since)
		if err != nil {
			return inserted, fmt.Errorf("collect discussions: %w", err)
		}
		inserted += n
		advance(latest)
	}

	if high.After(since) {
		if err := c.store.AdvanceLastSync(sub.ID, high); err != nil {
			return inserted, fmt.Errorf("advance last sync: %w", err)
		}
	}

	return inserted, nil
}

func (c *Collector) collectCommits(ctx context.Context, sub store.Subscription, since time.Time) (int, time.Time, error) {
	items, err := c.platform.ListCommits(ctx, sub.RepoRef, since)
	if err != nil {
		return 0, time.Time{}, err
	}

	inserted := 0
	var latest time.Time
	for _, item := range items {
		if c.excludedAuthor(sub, item.AuthorLogin) {
			continue
		}
		a := store.Activity{
			SubscriptionID:  sub.ID,
			Kind:            store.ActivityCommit,
			ExternalID:      item.SHA,
			Title:           firstLine(item.Message),
			Body:            item.Message,
			URL:             item.URL,
			Author:          store.ActivityAuthor{Login: item.AuthorLogin, DisplayName: item.AuthorName, Avatar: item.AuthorAvatar},
			SourceCreatedAt: item.CreatedAt,
			SourceUpdatedAt: item.UpdatedAt,
		}
		n, err := c.upsertAndPublish(sub, a)
		if err != nil {
			return inserted, latest, err
		}
		inserted += n
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}
	}
	return inserted, latest, nil
}

func (c *Collector) collectIssues(ctx context.Context, sub store.Subscription, since time.Time) (int, time.Time, error) {
	items, err := c.platform.ListIssues(ctx, sub.RepoRef, since, platform.StatesAll)
	if err != nil {
		return 0, time.Time{}, err
	}

	inserted := 0
	var latest time.Time
	for _, item := range items {
		if c.excludedAuthor(sub, item.AuthorLogin) || !c.labelsPass(sub, item.Labels) {
			continue
		}
		a := store.Activity{
			SubscriptionID:  sub.ID,
			Kind:            store.ActivityIssue,
			ExternalID:      fmt.Sprintf("%d", item.Number),
			Title:           item.Title,
			Body:            item.Body,
			URL:             item.URL,
			Author:          store.ActivityAuthor{Login: item.AuthorLogin, DisplayName: item.AuthorName, Avatar: item.AuthorAvatar},
			Labels:          item.Labels,
			State:           item.State,
			SourceCreatedAt: item.CreatedAt,
			SourceUpdatedAt: item.UpdatedAt,
		}
		n, err := c.upsertAndPublish(sub, a)
		if err != nil {
			return inserted, latest, err
		}
		inserted += n
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}
	}
	return inserted, latest, nil
}

func (c *Collector) collectPullRequests(ctx context.Context, sub store.Subscription, since time.Time) (int, time.Time, error) {
	items, err := c.platform.ListPullRequests(ctx, sub.RepoRef, since, platform.StatesAll)
	if err != nil {
		return 0, time.Time{}, err
	}

	inserted := 0
	var latest time.Time
	for _, item := range items {
		if c.excludedAuthor(sub, item.AuthorLogin) || !c.labelsPass(sub, item.Labels) {
			continue
		}
		a := store.Activity{
			SubscriptionID:  sub.ID,
			Kind:            store.ActivityPullRequest,
			ExternalID:      fmt.Sprintf("%d", item.Number),
			Title:           item.Title,
			Body:            item.Body,
			URL:             item.URL,
			Author:          store.ActivityAuthor{Login: item.AuthorLogin, DisplayName: item.AuthorName, Avatar: item.AuthorAvatar},
			Labels:          item.Labels,
			State:           item.State,
			SourceCreatedAt: item.CreatedAt,
			SourceUpdatedAt: item.UpdatedAt,
		}
		n, err := c.upsertAndPublish(sub, a)
		if err != nil {
			return inserted, latest, err
		}
		inserted += n
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}
	}
	return inserted, latest, nil
}

func (c *Collector) collectReleases(ctx context.Context, sub store.Subscription, since time.Time) (int, time.Time, error) {
	items, err := c.platform.ListReleases(ctx, sub.RepoRef, 30)
	if err != nil {
		return 0, time.Time{}, err
	}

	inserted := 0
	var latest time.Time
	for _, item := range items {
		if item.Draft || item.PublishedAt.Before(since) {
			continue
		}
		if c.excludedAuthor(sub, item.AuthorLogin) {
			continue
		}
		a := store.Activity{
			SubscriptionID:  sub.ID,
			Kind:            store.ActivityRelease,
			ExternalID:      item.TagName,
			Title:           item.Name,
			Body:            item.Body,
			URL:             item.URL,
			Author:          store.ActivityAuthor{Login: item.AuthorLogin, DisplayName: item.AuthorName, Avatar: item.AuthorAvatar},
			SourceCreatedAt: item.CreatedAt,
			SourceUpdatedAt: item.PublishedAt,
		}
		n, err := c.upsertAndPublish(sub, a)
		if err != nil {
			return inserted, latest, err
		}
		inserted += n
		if item.PublishedAt.After(latest) {
			latest = item.PublishedAt
		}
	}
	return inserted, latest, nil
}

func (c *Collector) collectDiscussions(ctx context.Context, sub store.Subscription, since time.Time) (int, time.Time, error) {
	items, err := c.platform.ListDiscussions(ctx, sub.RepoRef, since)
	if err != nil {
		return 0, time.Time{}, err
	}

	inserted := 0
	var latest time.Time
	for _, item := range items {
		if c.excludedAuthor(sub, item.AuthorLogin) {
			continue
		}
		a := store.Activity{
			SubscriptionID:  sub.ID,
			Kind:            "discussion",
			ExternalID:      fmt.Sprintf("%d", item.Number),
			Title:           item.Title,
			Body:            item.Body,
			URL:             item.URL,
			Author:          store.ActivityAuthor{Login: item.AuthorLogin, DisplayName: item.AuthorName, Avatar: item.AuthorAvatar},
			Extras:          map[string]any{"category": item.Category},
			SourceCreatedAt: item.CreatedAt,
			SourceUpdatedAt: item.UpdatedAt,
		}
		n, err := c.upsertAndPublish(sub, a)
		if err != nil {
			return inserted, latest, err
		}
		inserted += n
		if item.UpdatedAt.After(latest) {
			latest = item.UpdatedAt
		}
	}
	return inserted, latest, nil
}

func (c *Collector) upsertAndPublish(sub store.Subscription, a store.Activity) (int, error) {
	result, err := c.store.UpsertActivity(a)
	if err != nil {
		return 0, err
	}
	if !result.Inserted {
		return 0, nil
	}

	c.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceCollector,
		Kind:      events.KindNewActivity,
		Data: map[string]any{
			"subscription_id": sub.ID,
			"activity_id":     result.Activity.ID,
			"kind":            result.Activity.Kind,
			"external_id":     result.Activity.ExternalID,
			"repo_ref":        sub.RepoRef,
		},
	})
	return 1, nil
}

func (c *Collector) excludedAuthor(sub store.Subscription, login string) bool {
	for _, excluded := range sub.Filters.ExcludeAuthors {
		if excluded == login {
			return true
		}
	}
	return false
}

// labelsPass applies includeLabels/excludeLabels: when includeLabels is
// set, an item passes only if it carries at least one of those labels,
// so an item with no labels fails. Only issue/PR-shaped items go through
// this filter; commits, releases and discussions are never label-gated.
func (c *Collector) labelsPass(sub store.Subscription, labels []string) bool {
	for _, excluded := range sub.Filters.ExcludeLabels {
		for _, l := range labels {
			if l == excluded {
				return false
			}
		}
	}
	if len(sub.Filters.IncludeLabels) == 0 {
		return true
	}
	for _, included := range sub.Filters.IncludeLabels {
		for _, l := range labels {
			if l == included {
				return true
			}
		}
	}
	return false
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
