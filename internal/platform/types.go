// Package platform is the rate-limited, retrying client against the
// code-host REST surface (§4.A). It normalizes upstream timestamps to
// UTC, paginates list endpoints up to a hard cap, and classifies every
// failure into a small error taxonomy the Collector can branch on.
package platform

import (
	"errors"
	"fmt"
	"time"
)

// Error classifies a Platform Client failure. Collector and Report
// Orchestrator code branches on errors.Is against these sentinels
// rather than inspecting HTTP status codes directly.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind is the platform-level failure taxonomy from §4.A.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "not_found"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindRateLimitExhausted ErrorKind = "rate_limit_exhausted"
	KindTransientUpstream ErrorKind = "transient_upstream"
	KindMalformed         ErrorKind = "malformed"
)

func wrapf(kind ErrorKind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err carries the given ErrorKind, following wrapped
// chains.
func Is(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// Repo mirrors the repository metadata GetRepo exposes.
type Repo struct {
	Owner       string
	Name        string
	Description string
	DefaultBranch string
	URL         string
	UpdatedAt   time.Time
}

// Commit is a normalized commit item.
type Commit struct {
	SHA       string
	Message   string
	AuthorLogin string
	AuthorName  string
	AuthorAvatar string
	URL       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Issue is a normalized issue item (pull requests are excluded — the
// issues endpoint on the reference platform returns both and the
// client filters PRs out, matching forge.GitHub.ListIssues).
type Issue struct {
	Number      int
	Title       string
	Body        string
	State       string
	Labels      []string
	AuthorLogin string
	AuthorName  string
	AuthorAvatar string
	URL         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PullRequest is a normalized pull request item.
type PullRequest struct {
	Number      int
	Title       string
	Body        string
	State       string
	Labels      []string
	AuthorLogin string
	AuthorName  string
	AuthorAvatar string
	URL         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Release is a normalized release item.
type Release struct {
	TagName     string
	Name        string
	Body        string
	AuthorLogin string
	AuthorName  string
	AuthorAvatar string
	URL         string
	Draft       bool
	Prerelease  bool
	CreatedAt   time.Time
	PublishedAt time.Time
}

// Discussion is a normalized discussion item — supplemental to the
// original four list operations; discussions appear in the Subscription
// watch bitset (§3) but the distilled operation list omitted a matching
// accessor.
type Discussion struct {
	Number      int
	Title       string
	Body        string
	Category    string
	AuthorLogin string
	AuthorName  string
	AuthorAvatar string
	URL         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemStates restricts ListIssues/ListPullRequests to a state filter;
// empty means "all".
type ItemStates string

const (
	StatesOpen   ItemStates = "open"
	StatesClosed ItemStates = "closed"
	StatesAll    ItemStates = "all"
)
