// Package repogateway wraps the shared versioned object repository (a
// Hugging Face Hub-shaped dataset repo) behind a typed client that
// handles optimistic-concurrency retry, rate-limit-aware waits, and a
// pull-request fallback when direct commits are rejected.
package repogateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// CommitOp is one file write within a commit.
type CommitOp struct {
	PathInRepo string
	Data       []byte
}

// CommitRequest describes an atomic multi-file commit.
type CommitRequest struct {
	Operations []CommitOp
	Message    string
	CreatePR   bool
}

// Transport is the minimal surface a concrete repo backend must
// implement; Client layers retry, backoff, and rate-limit handling on
// top of it. Production code backs it with an HTTP client
// (internal/repogateway/httptransport.go); tests back it with a fake.
type Transport interface {
	ListFiles(ctx context.Context) ([]string, error)
	Download(ctx context.Context, pathInRepo string) ([]byte, error)
	CreateCommit(ctx context.Context, req CommitRequest) error
	// ResolveURL returns the public CDN download URL for pathInRepo,
	// without verifying the path exists.
	ResolveURL(pathInRepo string) string
}

const (
	maxCommitAttempts  = 6
	defaultExistenceTTL = 2 * time.Minute

	minRecommendedBatch = 1
	maxRecommendedBatch = 64
	batchIdleHalveAfter = 30 * time.Minute
)

// Client is a typed wrapper over Transport adding the gateway's own
// concurrency-control and rate-limit semantics.
type Client struct {
	transport Transport
	logger    *slog.Logger
	cache     *existenceCache

	commitMu sync.Mutex // serializes all commits, matching the original's single-writer assumption

	rlMu              sync.Mutex
	recommendedBatch  int
	lastBatchActivity time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger overrides the default slog.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithExistenceTTL overrides the default FileExists cache TTL.
func WithExistenceTTL(ttl time.Duration) Option {
	return func(c *Client) { c.cache = newExistenceCache(ttl) }
}

// NewClient builds a Client over the given transport.
func NewClient(transport Transport, opts ...Option) *Client {
	c := &Client{
		transport:        transport,
		logger:           slog.Default(),
		cache:            newExistenceCache(defaultExistenceTTL),
		recommendedBatch: minRecommendedBatch,
		now:              time.Now,
		sleep:            sleepOrDone,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ListFiles returns every path currently in the repo.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	return c.transport.ListFiles(ctx)
}

// ResolveURL returns the public CDN download URL for pathInRepo.
func (c *Client) ResolveURL(pathInRepo string) string {
	return c.transport.ResolveURL(pathInRepo)
}

// FileExists reports whether pathInRepo exists, serving from the
// bounded-time cache when possible.
func (c *Client) FileExists(ctx context.Context, pathInRepo string) bool {
	now := c.now()

	if exists, found := c.cache.get(pathInRepo, now); found {
		return exists
	}

	data, err := c.transport.Download(ctx, pathInRepo)
	exists := err == nil && data != nil

	c.cache.put(pathInRepo, exists, now)

	return exists
}

// Download fetches the raw contents of pathInRepo.
func (c *Client) Download(ctx context.Context, pathInRepo string) ([]byte, error) {
	data, err := c.transport.Download(ctx, pathInRepo)
	if err != nil {
		return nil, fmt.Errorf("repogateway: download %s: %w", pathInRepo, err)
	}

	return data, nil
}

// Commit performs an atomic multi-file commit with optimistic-
// concurrency retry, rate-limit handling, and PR-fallback on rejection.
// It is grounded on hf_sync.py's create-commit-with-PR-retry pattern and
// hf_upload.py's _create_commit_retry backoff/rate-limit constants.
func (c *Client) Commit(ctx context.Context, req CommitRequest) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	var lastErr error

	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		err := c.transport.CreateCommit(ctx, req)
		if err == nil {
			for _, op := range req.Operations {
				c.cache.invalidate(op.PathInRepo)
			}

			c.noteCommitSuccess()

			return nil
		}

		if needsPullRequest(err) && !req.CreatePR {
			prReq := req
			prReq.CreatePR = true

			if prErr := c.transport.CreateCommit(ctx, prReq); prErr == nil {
				for _, op := range req.Operations {
					c.cache.invalidate(op.PathInRepo)
				}

				c.noteCommitSuccess()

				return nil
			} else if _, limited := rateLimitWait(prErr); !limited && !isRetryable(prErr) {
				return fmt.Errorf("%w: %s", ErrUsePullRequest, prErr)
			} else {
				err = prErr
			}
		}

		if wait, limited := rateLimitWait(err); limited {
			c.noteRateLimit()

			jittered := time.Duration(float64(wait) * (0.8 + 0.4*rand.Float64()))

			c.logger.Warn("repogateway: rate limited, waiting",
				"wait", jittered, "attempt", attempt)

			if !c.sleep(ctx, jittered) {
				return fmt.Errorf("%w: %w", ErrTooManyRequests, ctx.Err())
			}

			// Rate-limit waits do not consume an attempt, matching the
			// original's unbounded-retry-on-429 behavior.
			attempt--
			lastErr = err

			continue
		}

		if isPreconditionFailed(err) {
			backoff := time.Duration(minFloat(8.0, 0.5*pow2(attempt)) * 1e9 * (0.5 + rand.Float64()))

			c.logger.Warn("repogateway: precondition failed, retrying",
				"backoff", backoff, "attempt", attempt)

			if !c.sleep(ctx, backoff) {
				return fmt.Errorf("%w: %w", ErrPreconditionFailed, ctx.Err())
			}

			lastErr = err

			continue
		}

		return fmt.Errorf("repogateway: commit failed: %w", err)
	}

	if lastErr != nil {
		return fmt.Errorf("%w after %d attempts: %w", ErrTooManyRequests, maxCommitAttempts, lastErr)
	}

	return fmt.Errorf("%w after %d attempts", ErrTooManyRequests, maxCommitAttempts)
}

// RecommendedBatchSize returns the adaptive batch size suggestion,
// halving it once batchIdleHalveAfter has passed since the last
// successful commit or rate limit.
func (c *Client) RecommendedBatchSize(defaultSize int) int {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()

	if !c.lastBatchActivity.IsZero() && c.now().Sub(c.lastBatchActivity) >= batchIdleHalveAfter {
		c.recommendedBatch = maxInt(minRecommendedBatch, c.recommendedBatch/2)
		c.lastBatchActivity = c.now()
	}

	if c.recommendedBatch <= minRecommendedBatch {
		return defaultSize
	}

	return c.recommendedBatch
}

func (c *Client) noteRateLimit() {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()

	c.recommendedBatch = maxInt(2, minInt(maxRecommendedBatch, c.recommendedBatch*2))
	c.lastBatchActivity = c.now()
}

func (c *Client) noteCommitSuccess() {
	c.rlMu.Lock()
	defer c.rlMu.Unlock()

	c.lastBatchActivity = c.now()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func needsPullRequest(err error) bool {
	s := err.Error()

	return strings.Contains(s, "create_pr=1") ||
		(strings.Contains(s, "create_pr") && strings.Contains(s, "Pull Request"))
}

func isPreconditionFailed(err error) bool {
	if errors.Is(err, ErrPreconditionFailed) {
		return true
	}

	s := err.Error()

	return strings.Contains(s, " 412") || strings.Contains(s, "Precondition Failed") ||
		strings.Contains(s, "A commit has happened since")
}

func isRetryable(err error) bool {
	return isPreconditionFailed(err) || needsPullRequest(err)
	// rateLimitWait is checked separately by callers.
}

// rateLimitWait classifies a commit error as rate-limited and, if so,
// returns how long to wait. Matches hf_upload.py's
// _hf_rate_limit_wait_s: an hourly-commit-quota phrase waits a full
// hour; an explicit "retry after N seconds" is honored verbatim;
// anything else recognizably a 429 waits five seconds.
func rateLimitWait(err error) (time.Duration, bool) {
	s := err.Error()

	lower := strings.ToLower(s)

	if strings.Contains(lower, "repository commits") ||
		strings.Contains(lower, "commits (") ||
		strings.Contains(lower, "128 per hour") {
		return time.Hour, true
	}

	if idx := strings.Index(lower, "retry after"); idx >= 0 {
		var secs float64
		if _, scanErr := fmt.Sscanf(lower[idx:], "retry after %f seconds", &secs); scanErr == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second)), true
		}
	}

	if strings.Contains(s, "429") || strings.Contains(lower, "too many requests") {
		return 5 * time.Second, true
	}

	return 0, false
}

func pow2(n int) float64 {
	v := 1.0
	for i := 0; i < n; i++ {
		v *= 2
	}

	return v
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}

	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}

	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// FormatSize renders a byte count for log lines, grounded on the
// teacher's dustin/go-humanize usage for human-readable sizes.
func FormatSize(n int64) string {
	return humanize.Bytes(uint64(n))
}
