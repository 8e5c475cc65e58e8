package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/sentinel/internal/apierr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sentinel.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateUser(t *testing.T, s *Store, handle string) User {
	t.Helper()
	u, err := s.CreateUser(User{Handle: handle, Email: handle + "@example.com"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func TestCreateAndGetUser(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "alice")

	got, err := s.GetUser(u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got.Handle != "alice" {
		t.Errorf("Handle = %q, want alice", got.Handle)
	}
}

func TestGetUser_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUser(999)
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestCreateUser_AssignsAPIToken(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "gina")
	if u.APIToken == "" {
		t.Fatal("expected CreateUser to assign a non-empty APIToken")
	}

	got, err := s.GetUserByToken(u.APIToken)
	if err != nil {
		t.Fatalf("GetUserByToken: %v", err)
	}
	if got.ID != u.ID {
		t.Errorf("GetUserByToken resolved ID = %d, want %d", got.ID, u.ID)
	}
}

func TestGetUserByToken_UnknownIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUserByToken("not-a-real-token")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}

	_, err = s.GetUserByToken("")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("expected KindNotFound for empty token, got %v", err)
	}
}

func TestCreateSubscription_RepoRefValidation(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "bob")

	_, err := s.CreateSubscription(Subscription{OwnerUserID: u.ID, RepoRef: "not-valid"})
	if !apierr.Is(err, apierr.KindInvalidInput) {
		t.Errorf("expected KindInvalidInput, got %v", err)
	}
}

func TestCreateSubscription_DuplicateIsConflict(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "carol")

	if _, err := s.CreateSubscription(Subscription{OwnerUserID: u.ID, RepoRef: "acme/widget"}); err != nil {
		t.Fatalf("first CreateSubscription: %v", err)
	}

	_, err := s.CreateSubscription(Subscription{OwnerUserID: u.ID, RepoRef: "acme/widget"})
	if !apierr.Is(err, apierr.KindConflict) {
		t.Errorf("expected KindConflict, got %v", err)
	}
}

// TestUpsertActivity_IdempotentIngestion exercises invariant 1: for any
// sequence of upserts against the same (subscriptionId, kind,
// externalId), exactly one row survives.
func TestUpsertActivity_IdempotentIngestion(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "dave")
	sub, err := s.CreateSubscription(Subscription{OwnerUserID: u.ID, RepoRef: "acme/widget"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	now := time.Now().UTC()
	candidate := Activity{
		SubscriptionID:  sub.ID,
		Kind:            ActivityCommit,
		ExternalID:      "sha-1",
		Title:           "initial commit",
		SourceCreatedAt: now,
		SourceUpdatedAt: now,
	}

	first, err := s.UpsertActivity(candidate)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !first.Inserted {
		t.Error("first upsert should have inserted")
	}

	candidate.Title = "commit renamed in force-push"
	candidate.SourceUpdatedAt = now.Add(time.Minute)
	second, err := s.UpsertActivity(candidate)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Inserted {
		t.Error("second upsert should not have inserted a duplicate")
	}
	if second.Activity.ID != first.Activity.ID {
		t.Errorf("second upsert id = %d, want %d", second.Activity.ID, first.Activity.ID)
	}

	activities, err := s.ListActivitiesBySubscription(sub.ID, 0)
	if err != nil {
		t.Fatalf("ListActivitiesBySubscription: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("len(activities) = %d, want 1", len(activities))
	}
	if activities[0].Title != "commit renamed in force-push" {
		t.Errorf("Title = %q, want updated title", activities[0].Title)
	}
}

// TestAdvanceLastSync_Monotonic exercises invariant 2: lastSyncAt never
// moves backward.
func TestAdvanceLastSync_Monotonic(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "erin")
	sub, err := s.CreateSubscription(Subscription{OwnerUserID: u.ID, RepoRef: "acme/widget"})
	if err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	later := time.Now().UTC()
	earlier := later.Add(-time.Hour)

	if err := s.AdvanceLastSync(sub.ID, later); err != nil {
		t.Fatalf("AdvanceLastSync: %v", err)
	}
	if err := s.AdvanceLastSync(sub.ID, earlier); err != nil {
		t.Fatalf("AdvanceLastSync: %v", err)
	}

	got, err := s.GetSubscription(sub.ID)
	if err != nil {
		t.Fatalf("GetSubscription: %v", err)
	}
	if got.LastSyncAt == nil {
		t.Fatal("LastSyncAt is nil")
	}
	if !got.LastSyncAt.Equal(later) {
		t.Errorf("LastSyncAt = %v, want unchanged at %v (should not regress)", got.LastSyncAt, later)
	}
}

func TestReport_TerminalLifecycle(t *testing.T) {
	s := newTestStore(t)
	u := mustCreateUser(t, s, "frank")

	now := time.Now().UTC()
	r, err := s.CreateReport(Report{
		OwnerUserID: u.ID,
		Kind:        ReportDaily,
		PeriodStart: now.Add(-24 * time.Hour),
		PeriodEnd:   now,
	})
	if err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if r.Status != ReportPending {
		t.Errorf("Status = %q, want pending", r.Status)
	}

	r.Status = ReportGenerating
	if err := s.UpdateReport(r); err != nil {
		t.Fatalf("UpdateReport: %v", err)
	}

	r.Status = ReportCompleted
	r.Summary = "done"
	if err := s.UpdateReport(r); err != nil {
		t.Fatalf("UpdateReport: %v", err)
	}

	got, err := s.GetReport(r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != ReportCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
}

func TestExecution_AtMostOneInFlight(t *testing.T) {
	s := newTestStore(t)

	e1, err := s.CreateExecution(TaskExecution{Name: "collection_sweep", Kind: "sweep"})
	if err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	running, err := s.RunningExecutionByName("collection_sweep")
	if err != nil {
		t.Fatalf("RunningExecutionByName: %v", err)
	}
	if running.ID != e1.ID {
		t.Errorf("running.ID = %q, want %q", running.ID, e1.ID)
	}

	if err := s.FinishExecution(TaskExecution{ID: e1.ID, Name: e1.Name, StartedAt: e1.StartedAt, Status: ExecutionCompleted, Success: true}); err != nil {
		t.Fatalf("FinishExecution: %v", err)
	}

	_, err = s.RunningExecutionByName("collection_sweep")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("expected KindNotFound after finishing, got %v", err)
	}
}

func TestCancelStaleRunning(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateExecution(TaskExecution{Name: "hourly_cleanup", Kind: "cleanup"}); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	n, err := s.CancelStaleRunning()
	if err != nil {
		t.Fatalf("CancelStaleRunning: %v", err)
	}
	if n != 1 {
		t.Errorf("cancelled count = %d, want 1", n)
	}

	_, err = s.RunningExecutionByName("hourly_cleanup")
	if !apierr.Is(err, apierr.KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}
