package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v69/github"
	"golang.org/x/time/rate"

	"github.com/nugget/sentinel/internal/httpkit"
)

// DefaultRetries is the default number of retry attempts on transient
// failures (§4.A).
const DefaultRetries = 3

// DefaultPageCap bounds the worst-case pagination cost of a single list
// call.
const DefaultPageCap = 10

// DefaultHourlyQuota is the token bucket capacity assumed when the
// upstream hasn't yet reported its real rate-limit header (first call
// of the process).
const DefaultHourlyQuota = 5000

// Client is the rate-limited, retrying Platform Client.
type Client struct {
	gh         *github.Client
	logger     *slog.Logger
	retries    int
	pageCap    int
	limiter    *rate.Limiter
	token      string
	apiURL     string
	httpClient *http.Client
}

// Option configures a Client built by New.
type Option func(*Client)

// WithRetries overrides DefaultRetries.
func WithRetries(n int) Option { return func(c *Client) { c.retries = n } }

// WithPageCap overrides DefaultPageCap.
func WithPageCap(n int) Option { return func(c *Client) { c.pageCap = n } }

// New creates a Platform Client authenticated with token against
// apiURL (pass "" or "https://api.github.com" for github.com).
func New(token, apiURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	httpClient := httpkit.NewClient(httpkit.WithTimeout(30 * time.Second))
	gh := github.NewClient(httpClient).WithAuthToken(token)

	if apiURL != "" && apiURL != "https://api.github.com" {
		var err error
		gh, err = gh.WithEnterpriseURLs(apiURL, apiURL)
		if err != nil {
			return nil, fmt.Errorf("configure enterprise url: %w", err)
		}
	}

	c := &Client{
		gh:      gh,
		logger:  logger,
		retries: DefaultRetries,
		pageCap: DefaultPageCap,
		// Token bucket sized to the hourly quota, refilled continuously
		// rather than in one hourly burst: quota/3600 tokens per second.
		limiter:    rate.NewLimiter(rate.Limit(float64(DefaultHourlyQuota)/3600.0), DefaultHourlyQuota),
		token:      token,
		apiURL:     apiURL,
		httpClient: httpClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// graphQLEndpoint returns the GraphQL v4 endpoint matching apiURL: the
// public github.com API or, for Enterprise Server, the host's own
// /api/graphql path.
func (c *Client) graphQLEndpoint() string {
	if c.apiURL == "" || c.apiURL == "https://api.github.com" {
		return "https://api.github.com/graphql"
	}
	base := strings.TrimSuffix(c.apiURL, "/")
	base = strings.TrimSuffix(base, "/api/v3")
	return base + "/api/graphql"
}

// acquire blocks for a token, up to ctx's deadline. A blocked acquire
// that never resolves before ctx is done surfaces as RateLimitExhausted
// rather than a bare context error, matching §4.A's "depletion blocks
// callers up to a configurable ceiling, then fails".
func (c *Client) acquire(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return wrapf(KindRateLimitExhausted, err, "token bucket exhausted")
	}
	return nil
}

// withRetry runs fn, retrying up to c.retries times on transient
// failures. Delay is exponential with jitter; a 429/abuse response's
// Retry-After is honored directly when present.
func (c *Client) withRetry(ctx context.Context, operation string, fn func() (*github.Response, error)) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			if c.logger != nil {
				c.logger.Warn("platform client retrying", "operation", operation, "attempt", attempt, "delay", delay)
			}
		}

		resp, err := fn()
		if err == nil {
			c.checkRate(resp)
			return nil
		}
		lastErr = err

		classified := classifyError(err, resp)
		if !isRetryable(classified) {
			return classified
		}
		if attempt == c.retries {
			return wrapf(KindTransientUpstream, err, "%s: retries exhausted", operation)
		}
	}
	return lastErr
}

// retryDelay computes exponential backoff with jitter, honoring an
// explicit Retry-After when the upstream gave one.
func retryDelay(attempt int, lastErr error) time.Duration {
	var rlErr *github.RateLimitError
	if errors.As(lastErr, &rlErr) {
		if wait := time.Until(rlErr.Rate.Reset.Time); wait > 0 {
			return wait
		}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(lastErr, &abuseErr) && abuseErr.RetryAfter != nil {
		return *abuseErr.RetryAfter
	}
	var errResp *github.ErrorResponse
	if errors.As(lastErr, &errResp) && errResp.Response != nil && errResp.Response.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(errResp.Response.Header.Get("Retry-After")); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}

	base := time.Duration(math.Pow(2, float64(attempt))) * 200 * time.Millisecond
	jitter := time.Duration(rand.Int64N(int64(base) / 2))
	return base + jitter
}

func isRetryable(err error) bool {
	return Is(err, KindTransientUpstream) || Is(err, KindRateLimitExhausted)
}

func classifyError(err error, resp *github.Response) error {
	var rlErr *github.RateLimitError
	if errors.As(err, &rlErr) {
		return wrapf(KindRateLimitExhausted, err, "rate limit exceeded")
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return wrapf(KindRateLimitExhausted, err, "secondary rate limit")
	}

	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return wrapf(KindNotFound, err, "resource not found")
		case http.StatusUnauthorized, http.StatusForbidden:
			return wrapf(KindUnauthorized, err, "token rejected")
		case http.StatusTooManyRequests:
			return wrapf(KindRateLimitExhausted, err, "rate limited")
		default:
			if resp.StatusCode >= 500 {
				return wrapf(KindTransientUpstream, err, "upstream %d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return wrapf(KindMalformed, err, "upstream rejected request: %d", resp.StatusCode)
			}
		}
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return wrapf(KindTransientUpstream, err, "timeout")
	}

	return wrapf(KindTransientUpstream, err, "request failed")
}

// checkRate resizes the token bucket to the upstream's declared hourly
// quota (X-RateLimit-Limit) when it differs from the current size, and
// logs a warning when the declared remaining quota is low.
func (c *Client) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	if limit := resp.Rate.Limit; limit > 0 && limit != c.limiter.Burst() {
		c.limiter.SetLimit(rate.Limit(float64(limit) / 3600.0))
		c.limiter.SetBurst(limit)
	}
	if c.logger == nil {
		return
	}
	if resp.Rate.Remaining > 0 && resp.Rate.Remaining < 100 {
		c.logger.Warn("platform rate limit low",
			"remaining", resp.Rate.Remaining,
			"limit", resp.Rate.Limit,
			"reset", resp.Rate.Reset.Format(time.RFC3339))
	}
}

// splitRepo splits "owner/name" into its components.
func splitRepo(ref string) (owner, name string, err error) {
	parts := strings.SplitN(ref, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", wrapf(KindMalformed, nil, "invalid repoRef %q", ref)
	}
	return parts[0], parts[1], nil
}

// parseStrictTime normalizes a decoded upstream timestamp to UTC. An
// absent (zero) timestamp yields a zero time and a false ok rather than
// being defaulted to "now". The RFC3339 parsing itself happens when
// go-github decodes the response, so a malformed timestamp fails the
// whole call; it is not dropped from just that record.
func parseStrictTime(t github.Timestamp) (time.Time, bool) {
	if t.IsZero() {
		return time.Time{}, false
	}
	return t.Time.UTC(), true
}
