package platform

import (
	"context"
	"time"

	"github.com/google/go-github/v69/github"
)

// GetRepo fetches repository metadata.
func (c *Client) GetRepo(ctx context.Context, ref string) (Repo, error) {
	owner, name, err := splitRepo(ref)
	if err != nil {
		return Repo{}, err
	}
	if err := c.acquire(ctx); err != nil {
		return Repo{}, err
	}

	var ghRepo *github.Repository
	err = c.withRetry(ctx, "GetRepo", func() (*github.Response, error) {
		var resp *github.Response
		var innerErr error
		ghRepo, resp, innerErr = c.gh.Repositories.Get(ctx, owner, name)
		return resp, innerErr
	})
	if err != nil {
		return Repo{}, err
	}

	updatedAt, _ := parseStrictTime(ghRepo.GetUpdatedAt())
	return Repo{
		Owner:         owner,
		Name:          name,
		Description:   ghRepo.GetDescription(),
		DefaultBranch: ghRepo.GetDefaultBranch(),
		URL:           ghRepo.GetHTMLURL(),
		UpdatedAt:     updatedAt,
	}, nil
}

// ListCommits returns commits pushed since the given time, newest page
// first, bounded by the page cap.
func (c *Client) ListCommits(ctx context.Context, ref string, since time.Time) ([]Commit, error) {
	owner, name, err := splitRepo(ref)
	if err != nil {
		return nil, err
	}

	var out []Commit
	opts := &github.CommitsListOptions{
		Since:       since,
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for page := 0; page < c.pageCap; page++ {
		if err := c.acquire(ctx); err != nil {
			return out, err
		}

		var ghCommits []*github.RepositoryCommit
		err := c.withRetry(ctx, "ListCommits", func() (*github.Response, error) {
			var resp *github.Response
			var innerErr error
			ghCommits, resp, innerErr = c.gh.Repositories.ListCommits(ctx, owner, name, opts)
			return resp, innerErr
		})
		if err != nil {
			return out, err
		}

		stop := false
		for _, gc := range ghCommits {
			createdAt, ok := parseStrictTime(gc.GetCommit().GetAuthor().GetDate())
			if !ok {
				continue
			}
			if createdAt.Before(since) {
				stop = true
				continue
			}
			out = append(out, Commit{
				SHA:          gc.GetSHA(),
				Message:      gc.GetCommit().GetMessage(),
				AuthorLogin:  gc.GetAuthor().GetLogin(),
				AuthorName:   gc.GetCommit().GetAuthor().GetName(),
				AuthorAvatar: gc.GetAuthor().GetAvatarURL(),
				URL:          gc.GetHTMLURL(),
				CreatedAt:    createdAt,
				UpdatedAt:    createdAt,
			})
		}

		if stop || len(ghCommits) < opts.PerPage {
			break
		}
		opts.Page++
	}

	return out, nil
}

// ListIssues returns issues updated since the given time in the given
// states ("open", "closed", "all"; empty means "all"). Pull requests
// returned by the underlying issues endpoint are excluded.
func (c *Client) ListIssues(ctx context.Context, ref string, since time.Time, states ItemStates) ([]Issue, error) {
	owner, name, err := splitRepo(ref)
	if err != nil {
		return nil, err
	}

	state := string(states)
	if state == "" {
		state = string(StatesAll)
	}

	var out []Issue
	opts := &github.IssueListByRepoOptions{
		State:       state,
		Since:       since,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for page := 0; page < c.pageCap; page++ {
		if err := c.acquire(ctx); err != nil {
			return out, err
		}

		var ghIssues []*github.Issue
		err := c.withRetry(ctx, "ListIssues", func() (*github.Response, error) {
			var resp *github.Response
			var innerErr error
			ghIssues, resp, innerErr = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return resp, innerErr
		})
		if err != nil {
			return out, err
		}

		stop := false
		for _, gi := range ghIssues {
			if gi.PullRequestLinks != nil {
				continue // returned by the issues endpoint but not an Issue
			}
			updatedAt, ok := parseStrictTime(gi.GetUpdatedAt())
			if !ok {
				continue
			}
			if updatedAt.Before(since) {
				stop = true
				continue
			}
			createdAt, _ := parseStrictTime(gi.GetCreatedAt())

			labels := make([]string, 0, len(gi.Labels))
			for _, l := range gi.Labels {
				labels = append(labels, l.GetName())
			}

			out = append(out, Issue{
				Number:       gi.GetNumber(),
				Title:        gi.GetTitle(),
				Body:         gi.GetBody(),
				State:        gi.GetState(),
				Labels:       labels,
				AuthorLogin:  gi.GetUser().GetLogin(),
				AuthorName:   gi.GetUser().GetName(),
				AuthorAvatar: gi.GetUser().GetAvatarURL(),
				URL:          gi.GetHTMLURL(),
				CreatedAt:    createdAt,
				UpdatedAt:    updatedAt,
			})
		}

		if stop || len(ghIssues) < opts.PerPage {
			break
		}
		opts.Page++
	}

	return out, nil
}

// ListPullRequests returns pull requests updated since the given time.
// The REST list endpoint has no server-side "since" filter, so results
// are requested newest-updated-first; items older than since are
// skipped, and paging stops after the first page that contains one.
func (c *Client) ListPullRequests(ctx context.Context, ref string, since time.Time, states ItemStates) ([]PullRequest, error) {
	owner, name, err := splitRepo(ref)
	if err != nil {
		return nil, err
	}

	state := string(states)
	if state == "" {
		state = string(StatesAll)
	}

	var out []PullRequest
	opts := &github.PullRequestListOptions{
		State:       state,
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	for page := 0; page < c.pageCap; page++ {
		if err := c.acquire(ctx); err != nil {
			return out, err
		}

		var ghPRs []*github.PullRequest
		err := c.withRetry(ctx, "ListPullRequests", func() (*github.Response, error) {
			var resp *github.Response
			var innerErr error
			ghPRs, resp, innerErr = c.gh.PullRequests.List(ctx, owner, name, opts)
			return resp, innerErr
		})
		if err != nil {
			return out, err
		}

		stop := false
		for _, gp := range ghPRs {
			updatedAt, ok := parseStrictTime(gp.GetUpdatedAt())
			if !ok {
				continue
			}
			if updatedAt.Before(since) {
				stop = true
				continue
			}
			createdAt, _ := parseStrictTime(gp.GetCreatedAt())

			labels := make([]string, 0, len(gp.Labels))
			for _, l := range gp.Labels {
				labels = append(labels, l.GetName())
			}

			out = append(out, PullRequest{
				Number:       gp.GetNumber(),
				Title:        gp.GetTitle(),
				Body:         gp.GetBody(),
				State:        gp.GetState(),
				Labels:       labels,
				AuthorLogin:  gp.GetUser().GetLogin(),
				AuthorName:   gp.GetUser().GetName(),
				AuthorAvatar: gp.GetUser().GetAvatarURL(),
				URL:          gp.GetHTMLURL(),
				CreatedAt:    createdAt,
				UpdatedAt:    updatedAt,
			})
		}

		if stop || len(ghPRs) < opts.PerPage {
			break
		}
		opts.Page++
	}

	return out, nil
}

// ListReleases returns up to limit releases, newest first.
func (c *Client) ListReleases(ctx context.Context, ref string, limit int) ([]Release, error) {
	owner, name, err := splitRepo(ref)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 30
	}

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}

	var ghReleases []*github.RepositoryRelease
	err = c.withRetry(ctx, "ListReleases", func() (*github.Response, error) {
		var resp *github.Response
		var innerErr error
		ghReleases, resp, innerErr = c.gh.Repositories.ListReleases(ctx, owner, name, &github.ListOptions{PerPage: limit})
		return resp, innerErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]Release, 0, len(ghReleases))
	for i, gr := range ghReleases {
		if i >= limit {
			break
		}
		createdAt, _ := parseStrictTime(gr.GetCreatedAt())
		publishedAt, _ := parseStrictTime(gr.GetPublishedAt())
		out = append(out, Release{
			TagName:      gr.GetTagName(),
			Name:         gr.GetName(),
			Body:         gr.GetBody(),
			AuthorLogin:  gr.GetAuthor().GetLogin(),
			AuthorName:   gr.GetAuthor().GetName(),
			AuthorAvatar: gr.GetAuthor().GetAvatarURL(),
			URL:          gr.GetHTMLURL(),
			Draft:        gr.GetDraft(),
			Prerelease:   gr.GetPrerelease(),
			CreatedAt:    createdAt,
			PublishedAt:  publishedAt,
		})
	}
	return out, nil
}
