package collector

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/sentinel/internal/events"
	"github.com/nugget/sentinel/internal/platform"
	"github.com/nugget/sentinel/internal/store"
)

type fakePlatform struct {
	commits     []platform.Commit
	issues      []platform.Issue
	prs         []platform.PullRequest
	releases    []platform.Release
	discussions []platform.Discussion
}

func (f *fakePlatform) ListCommits(_ context.Context, _ string, _ time.Time) ([]platform.Commit, error) {
	return f.commits, nil
}
func (f *fakePlatform) ListIssues(_ context.Context, _ string, _ time.Time, _ platform.ItemStates) ([]platform.Issue, error) {
	return f.issues, nil
}
func (f *fakePlatform) ListPullRequests(_ context.Context, _ string, _ time.Time, _ platform.ItemStates) ([]platform.PullRequest, error) {
	return f.prs, nil
}
func (f *fakePlatform) ListReleases(_ context.Context, _ string, _ int) ([]platform.Release, error) {
	return f.releases, nil
}
func (f *fakePlatform) ListDiscussions(_ context.Context, _ string, _ time.Time) ([]platform.Discussion, error) {
	return f.discussions, nil
}

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

func TestCollectForSubscription_InsertsAndAdvancesWatermark(t *testing.T) {
	s := newTestStore(t)
	u, err := s.CreateUser(store.User{Handle: "alice"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sub, err := s.CreateSubscription(store.Subscription{
		OwnerUserID: u.ID,
		RepoRef:     "acme/widget",
		Watches:     []string{store.WatchCommits, store.WatchIssues},
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	now := time.Now().UTC()
	fp := &fakePlatform{
		commits: []platform.Commit{
			{SHA: "abc123", Message: "fix bug\n\ndetails", AuthorLogin: "bob", CreatedAt: now, UpdatedAt: now},
		},
		issues: []platform.Issue{
			{Number: 1, Title: "crash on startup", AuthorLogin: "carol", CreatedAt: now, UpdatedAt: now.Add(time.Minute)},
		},
	}

	bus := events.New()
	received := bus.Subscribe(8)
	defer bus.Unsubscribe(received)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(fp, s, bus, logger)

	inserted, err := c.CollectForSubscription(context.Background(), sub, DefaultWindow)
	if err != nil {
		t.Fatalf("CollectForSubscription: %v", err)
	}
	if inserted != 2 {
		t.Fatalf("inserted = %d, want 2", inserted)
	}

	activities, err := s.ListActivitiesBySubscription(sub.ID, 0)
	if err != nil {
		t.Fatalf("ListActivitiesBySubscription: %v", err)
	}
	if len(activities) != 2 {
		t.Fatalf("len(activities) = %d, want 2", len(activities))
	}

	got, err := s.GetSubscription(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.LastSyncAt == nil || !got.LastSyncAt.Equal(now.Add(time.Minute)) {
		t.Errorf("LastSyncAt = %v, want %v", got.LastSyncAt, now.Add(time.Minute))
	}

	for i := 0; i < 2; i++ {
		select {
		case e := <-received:
			if e.Kind != events.KindNewActivity {
				t.Errorf("event kind = %q, want %q", e.Kind, events.KindNewActivity)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for new_activity event")
		}
	}
}

func TestCollectForSubscription_ExcludesFilteredAuthor(t *testing.T) {
	s := newTestStore(t)
	u, err := s.CreateUser(store.User{Handle: "dave"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	sub, err := s.CreateSubscription(store.Subscription{
		OwnerUserID: u.ID,
		RepoRef:     "acme/widget",
		Watches:     []string{store.WatchCommits},
		Filters:     store.SubscriptionFilters{ExcludeAuthors: []string{"bot-user"}},
	})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	now := time.Now().UTC()
	fp := &fakePlatform{
		commits: []platform.Commit{
			{SHA: "abc123", Message: "auto-generated commit", AuthorLogin: "bot-user", CreatedAt: now, UpdatedAt: now},
		},
	}

	bus := events.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(fp, s, bus, logger)

	inserted, err := c.CollectForSubscription(context.Background(), sub, DefaultWindow)
	if err != nil {
		t.Fatalf("CollectForSubscription: %v", err)
	}
	if inserted != 0 {
		t.Errorf("inserted = %d, want 0 (excluded author)", inserted)
	}
}

func TestSweep_IsolatesPerSubscriptionErrors(t *testing.T) {
	s := newTestStore(t)
	u, err := s.CreateUser(store.User{Handle: "erin"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if _, err := s.CreateSubscription(store.Subscription{OwnerUserID: u.ID, RepoRef: "acme/one", Watches: []string{store.WatchCommits}}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}
	if _, err := s.CreateSubscription(store.Subscription{OwnerUserID: u.ID, RepoRef: "acme/two", Watches: []string{store.WatchCommits}}); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	fp := &fakePlatform{}
	bus := events.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(fp, s, bus, logger, WithFanOut(2))

	result, err := c.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if result.SubscriptionsProcessed != 2 {
		t.Errorf("SubscriptionsProcessed = %d, want 2", result.SubscriptionsProcessed)
	}
	if len(result.Errors) != 0 {
		t.Errorf("Errors = %v, want empty", result.Errors)
	}
}
