// Package store is the Activity Store: transactional upsert/query over
// users, subscriptions, activities, reports, and task executions. All
// entities share a single SQLite database handle, mirroring the way a
// single process owns one relational system of record.
package store

import "time"

// User owns Subscriptions and Reports.
type User struct {
	ID          int64           `json:"id"`
	Handle      string          `json:"handle"`
	Email       string          `json:"email"`
	DisplayName string          `json:"displayName"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
	Preferences UserPreferences `json:"preferences"`
	// APIToken is the opaque bearer token presented by API and
	// websocket clients. Never returned by list/get JSON responses
	// outside of the user's own creation response — see api.userResponse.
	APIToken string `json:"-"`
}

// UserPreferences holds per-channel on/off toggles.
type UserPreferences struct {
	ChannelToggles map[string]bool `json:"channelToggles"`
}

// Subscription status values.
const (
	SubscriptionActive   = "active"
	SubscriptionPaused   = "paused"
	SubscriptionInactive = "inactive"
)

// Subscription cadence values.
const (
	CadenceDaily   = "daily"
	CadenceWeekly  = "weekly"
	CadenceMonthly = "monthly"
)

// Watch kind names, used as the Subscription.Watches bitset labels.
// Activity.Kind uses the singular Activity* values below instead;
// discussions are stored with kind "discussion", which has no constant.
const (
	WatchCommits        = "commits"
	WatchIssues         = "issues"
	WatchPullRequests   = "pullRequests"
	WatchReleases       = "releases"
	WatchDiscussions    = "discussions"
)

// Subscription is a user's declared interest in one repository.
type Subscription struct {
	ID          int64               `json:"id"`
	OwnerUserID int64               `json:"ownerUserId"`
	RepoRef     string              `json:"repoRef"`
	Status      string              `json:"status"`
	Cadence     string              `json:"cadence"`
	Watches     []string            `json:"watches"`
	Filters     SubscriptionFilters `json:"filters"`
	Delivery    SubscriptionDelivery `json:"delivery"`
	LastSyncAt  *time.Time          `json:"lastSyncAt"`
	CreatedAt   time.Time           `json:"createdAt"`
}

// SubscriptionFilters narrows which upstream items are ingested.
type SubscriptionFilters struct {
	ExcludeAuthors []string `json:"excludeAuthors"`
	IncludeLabels  []string `json:"includeLabels"`
	ExcludeLabels  []string `json:"excludeLabels"`
}

// SubscriptionDelivery declares which channels receive notifications for
// this subscription and the channel-specific targets.
type SubscriptionDelivery struct {
	Channels []string        `json:"channels"`
	Targets  DeliveryTargets `json:"targets"`
}

// DeliveryTargets holds per-channel destination addresses.
type DeliveryTargets struct {
	Emails      []string `json:"emails"`
	ChatHooks   []string `json:"chatHooks"`
	WebhookURLs []string `json:"webhookUrls"`
}

// Activity kind values.
const (
	ActivityCommit      = "commit"
	ActivityIssue       = "issue"
	ActivityPullRequest = "pullRequest"
	ActivityRelease     = "release"
)

// Activity is a single normalized upstream event.
type Activity struct {
	ID               int64             `json:"id"`
	SubscriptionID   int64             `json:"subscriptionId"`
	Kind             string            `json:"kind"`
	ExternalID       string            `json:"externalId"`
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	URL              string            `json:"url"`
	Author           ActivityAuthor    `json:"author"`
	Labels           []string          `json:"labels"`
	State            string            `json:"state"`
	Extras           map[string]any    `json:"extras"`
	SourceCreatedAt  time.Time         `json:"sourceCreatedAt"`
	SourceUpdatedAt  time.Time         `json:"sourceUpdatedAt"`
	IngestedAt       time.Time         `json:"ingestedAt"`
}

// ActivityAuthor identifies the upstream actor attributed to an Activity.
type ActivityAuthor struct {
	Login       string `json:"login"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
}

// UpsertResult reports whether an Activity upsert inserted a new row.
type UpsertResult struct {
	Inserted bool
	Activity Activity
}

// Report kind and status values.
const (
	ReportDaily   = "daily"
	ReportWeekly  = "weekly"
	ReportMonthly = "monthly"
	ReportCustom  = "custom"

	ReportPending    = "pending"
	ReportGenerating = "generating"
	ReportCompleted  = "completed"
	ReportFailed     = "failed"

	ReportFormatHTML     = "html"
	ReportFormatMarkdown = "markdown"
)

// Report is a generated activity digest for one or more subscriptions.
type Report struct {
	ID              int64        `json:"id"`
	OwnerUserID     int64        `json:"ownerUserId"`
	SubscriptionIDs []int64      `json:"subscriptionIds"`
	Title           string       `json:"title"`
	Kind            string       `json:"kind"`
	Status          string       `json:"status"`
	Format          string       `json:"format"`
	PeriodStart     time.Time    `json:"periodStart"`
	PeriodEnd       time.Time    `json:"periodEnd"`
	Summary         string       `json:"summary"`
	Body            string       `json:"body"`
	AIAnalysis      string       `json:"aiAnalysis"`
	Stats           ReportStats  `json:"stats"`
	Error           string       `json:"error"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	GeneratedAt     *time.Time   `json:"generatedAt"`
}

// ReportStats summarizes the activity counted into a Report.
type ReportStats struct {
	Repos      int `json:"repos"`
	Activities int `json:"activities"`
	Commits    int `json:"commits"`
	Issues     int `json:"issues"`
	PRs        int `json:"prs"`
	Releases   int `json:"releases"`
}

// TaskExecution status values.
const (
	ExecutionRunning   = "running"
	ExecutionCompleted = "completed"
	ExecutionFailed    = "failed"
	ExecutionCancelled = "cancelled"
)

// TaskExecution records one run of a scheduled or on-demand job.
type TaskExecution struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt"`
	DurationSec float64    `json:"durationSec"`
	Success     bool       `json:"success"`
	Error       string     `json:"error"`
	Processed   int        `json:"processed"`
	Details     map[string]any `json:"details"`
}
