package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// newTestClient creates a Platform Client backed by the given handler.
// The test server is closed automatically when the test finishes.
func newTestClient(t *testing.T, handler http.Handler, opts ...Option) *Client {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c, err := New("test-token", ts.URL, logger, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestClientGetRepo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo", func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"description":    "a test repo",
			"default_branch": "main",
			"html_url":       "https://github.com/owner/repo",
			"updated_at":     "2026-01-15T10:00:00Z",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux)
	repo, err := c.GetRepo(context.Background(), "owner/repo")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}

	if repo.Owner != "owner" || repo.Name != "repo" {
		t.Errorf("Owner/Name = %s/%s, want owner/repo", repo.Owner, repo.Name)
	}
	if repo.Description != "a test repo" {
		t.Errorf("Description = %q, want %q", repo.Description, "a test repo")
	}
	if repo.DefaultBranch != "main" {
		t.Errorf("DefaultBranch = %q, want main", repo.DefaultBranch)
	}
	if repo.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should not be zero")
	}
}

func TestClientGetRepo_NotFound(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"message": "Not Found"})
	})

	c := newTestClient(t, mux)
	_, err := c.GetRepo(context.Background(), "owner/repo")
	if !Is(err, KindNotFound) {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestClientListCommits_StopsAtSince(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/commits", func(w http.ResponseWriter, r *http.Request) {
		resp := []map[string]any{
			{
				"sha":      "newer",
				"html_url": "https://github.com/owner/repo/commit/newer",
				"commit": map[string]any{
					"message": "newer commit",
					"author":  map[string]any{"name": "alice", "date": "2026-01-15T00:00:00Z"},
				},
				"author": map[string]any{"login": "alice"},
			},
			{
				"sha":      "older",
				"html_url": "https://github.com/owner/repo/commit/older",
				"commit": map[string]any{
					"message": "older commit, before since",
					"author":  map[string]any{"name": "bob", "date": "2025-12-01T00:00:00Z"},
				},
				"author": map[string]any{"login": "bob"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux)
	commits, err := c.ListCommits(context.Background(), "owner/repo", since)
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}

	if len(commits) != 1 {
		t.Fatalf("got %d commits, want 1 (older than since should be filtered)", len(commits))
	}
	if commits[0].SHA != "newer" {
		t.Errorf("SHA = %q, want newer", commits[0].SHA)
	}
}

func TestClientListIssues_FiltersPullRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/issues", func(w http.ResponseWriter, _ *http.Request) {
		resp := []map[string]any{
			{
				"number":     1,
				"title":      "Real issue",
				"state":      "open",
				"html_url":   "https://github.com/owner/repo/issues/1",
				"created_at": "2026-01-01T00:00:00Z",
				"updated_at": "2026-01-02T00:00:00Z",
				"user":       map[string]any{"login": "alice"},
			},
			{
				"number":       2,
				"title":        "A PR",
				"state":        "open",
				"html_url":     "https://github.com/owner/repo/pull/2",
				"created_at":   "2026-01-01T00:00:00Z",
				"updated_at":   "2026-01-02T00:00:00Z",
				"user":         map[string]any{"login": "bob"},
				"pull_request": map[string]any{"url": "https://api.github.com/repos/owner/repo/pulls/2"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux)
	issues, err := c.ListIssues(context.Background(), "owner/repo", time.Time{}, StatesAll)
	if err != nil {
		t.Fatalf("ListIssues: %v", err)
	}

	if len(issues) != 1 {
		t.Fatalf("got %d issues, want 1 (PR should be filtered)", len(issues))
	}
	if issues[0].Title != "Real issue" {
		t.Errorf("Title = %q, want %q", issues[0].Title, "Real issue")
	}
}

func TestClientListReleases_RespectsLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/releases", func(w http.ResponseWriter, _ *http.Request) {
		resp := []map[string]any{
			{"tag_name": "v3", "name": "v3", "html_url": "https://github.com/owner/repo/releases/v3", "created_at": "2026-03-01T00:00:00Z", "published_at": "2026-03-01T00:00:00Z"},
			{"tag_name": "v2", "name": "v2", "html_url": "https://github.com/owner/repo/releases/v2", "created_at": "2026-02-01T00:00:00Z", "published_at": "2026-02-01T00:00:00Z"},
			{"tag_name": "v1", "name": "v1", "html_url": "https://github.com/owner/repo/releases/v1", "created_at": "2026-01-01T00:00:00Z", "published_at": "2026-01-01T00:00:00Z"},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux)
	releases, err := c.ListReleases(context.Background(), "owner/repo", 2)
	if err != nil {
		t.Fatalf("ListReleases: %v", err)
	}
	if len(releases) != 2 {
		t.Fatalf("got %d releases, want 2", len(releases))
	}
	if releases[0].TagName != "v3" {
		t.Errorf("TagName = %q, want v3", releases[0].TagName)
	}
}

func TestClientRetriesOnServerError(t *testing.T) {
	attempts := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo", func(w http.ResponseWriter, _ *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		resp := map[string]any{
			"description":    "recovered",
			"default_branch": "main",
			"html_url":       "https://github.com/owner/repo",
			"updated_at":     "2026-01-15T10:00:00Z",
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux, WithRetries(3))
	repo, err := c.GetRepo(context.Background(), "owner/repo")
	if err != nil {
		t.Fatalf("GetRepo: %v", err)
	}
	if repo.Description != "recovered" {
		t.Errorf("Description = %q, want recovered", repo.Description)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestClientExhaustsRetries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c := newTestClient(t, mux, WithRetries(1))
	_, err := c.GetRepo(context.Background(), "owner/repo")
	if !Is(err, KindTransientUpstream) {
		t.Errorf("expected KindTransientUpstream, got %v", err)
	}
}

func TestClientUnauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"message": "Bad credentials"})
	})

	c := newTestClient(t, mux)
	_, err := c.GetRepo(context.Background(), "owner/repo")
	if !Is(err, KindUnauthorized) {
		t.Errorf("expected KindUnauthorized, got %v", err)
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		input     string
		wantOwner string
		wantName  string
		wantErr   bool
	}{
		{"owner/repo", "owner", "repo", false},
		{"org/my-project", "org", "my-project", false},
		{"noslash", "", "", true},
		{"/repo", "", "", true},
		{"owner/", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			owner, name, err := splitRepo(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("splitRepo(%q) err = %v, wantErr = %v", tt.input, err, tt.wantErr)
			}
			if owner != tt.wantOwner {
				t.Errorf("owner = %q, want %q", owner, tt.wantOwner)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
		})
	}
}

func TestClientPageCap_BoundsPagination(t *testing.T) {
	pages := 0
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/owner/repo/commits", func(w http.ResponseWriter, r *http.Request) {
		pages++
		sha := fmt.Sprintf("commit-%d", pages)
		resp := []map[string]any{
			{
				"sha":      sha,
				"html_url": "https://github.com/owner/repo/commit/" + sha,
				"commit": map[string]any{
					"message": "filler",
					"author":  map[string]any{"name": "alice", "date": "2026-06-01T00:00:00Z"},
				},
				"author": map[string]any{"login": "alice"},
			},
		}
		w.Header().Set("Link", fmt.Sprintf(`<http://x/?page=%d>; rel="next"`, pages+1))
		// Force exactly PerPage items each page so the loop never sees a
		// short page and relies entirely on the page cap to terminate.
		for i := 0; i < 99; i++ {
			resp = append(resp, resp[0])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux, WithPageCap(2))
	_, err := c.ListCommits(context.Background(), "owner/repo", time.Time{})
	if err != nil {
		t.Fatalf("ListCommits: %v", err)
	}
	if pages != 2 {
		t.Errorf("pages fetched = %d, want 2 (page cap should bound pagination)", pages)
	}
}
