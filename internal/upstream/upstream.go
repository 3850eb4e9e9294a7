// Package upstream implements a rate-limit-aware client for the
// Unsplash-shaped photo API: listing, searching, resolving and
// downloading photos, with a rotating API-key pool (advanced on each 403
// response) and a sticky throttle that backs off exponentially on 429
// responses.
//
// Grounded on requests_worker.py's _load_unsplash_key_pool (key-pool
// rotation) and spec.md §4.5's retry/backoff constants: a minimum
// 1.2-second interval between requests, up to 8 retries on a sticky
// throttle and 3 transport-level retries, with exponential backoff
// starting at 2 seconds and capped at 120 seconds.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

var (
	// ErrThrottled means the sticky rate-limit throttle is engaged and
	// the caller exhausted its retry budget waiting it out.
	ErrThrottled = errors.New("upstream: throttled")
	// ErrRateLimited means the upstream API kept returning 403 after the
	// client had rotated through its key pool.
	ErrRateLimited = errors.New("upstream: rate limited on all keys")
)

const (
	minRequestInterval = 1_200 * time.Millisecond
	maxThrottleRetries = 8
	initialBackoff     = 2 * time.Second
	maxBackoff         = 120 * time.Second
)

// Photo is the subset of the Unsplash photo resource this pipeline
// needs.
type Photo struct {
	ID               string   `json:"id"`
	Width            int      `json:"width"`
	Height           int      `json:"height"`
	Description      string   `json:"description"`
	AltDescription   string   `json:"alt_description"`
	Tags             []Tag    `json:"tags"`
	Topics           []Topic  `json:"topics"`
	CreatedAt        string   `json:"created_at"`
	Links            Links    `json:"links"`
	User             User     `json:"user"`
	Exif             Exif     `json:"exif"`
}

type Tag struct {
	Title string `json:"title"`
}

type Topic struct {
	Slug string `json:"slug"`
}

type Links struct {
	Download         string `json:"download"`
	DownloadLocation string `json:"download_location"`
	HTML             string `json:"html"`
}

type User struct {
	Username string `json:"username"`
	Name     string `json:"name"`
}

type Exif struct {
	FocalLength string `json:"focal_length"`
}

type searchResponse struct {
	Results []Photo `json:"results"`
}

// Client is a rate-limit-aware Unsplash-shaped API client.
type Client struct {
	baseURL string
	http    *retryablehttp.Client

	keysMu  sync.Mutex
	keys    []string
	keyIdx  int

	throttleMu sync.Mutex
	throttled  bool

	lastRequestMu sync.Mutex
	lastRequest   time.Time

	now func() time.Time
}

// New builds a Client with the given access key (or key pool, for
// rotation on repeated 403s) against baseURL.
func New(baseURL string, keys []string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 4 * time.Second
	rc.Logger = nil

	if len(keys) == 0 {
		keys = []string{""}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		keys:    keys,
		now:     time.Now,
	}
}

func (c *Client) currentKey() string {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	return c.keys[c.keyIdx%len(c.keys)]
}

func (c *Client) rotateKey() {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	c.keyIdx = (c.keyIdx + 1) % len(c.keys)
}

// Throttled reports whether the sticky rate-limit throttle is currently
// engaged (exposed for the Prometheus throttle-state gauge).
func (c *Client) Throttled() bool {
	c.throttleMu.Lock()
	defer c.throttleMu.Unlock()

	return c.throttled
}

func (c *Client) setThrottled(v bool) {
	c.throttleMu.Lock()
	c.throttled = v
	c.throttleMu.Unlock()
}

func (c *Client) waitForSlot(ctx context.Context) error {
	c.lastRequestMu.Lock()
	defer c.lastRequestMu.Unlock()

	now := c.now()

	if elapsed := now.Sub(c.lastRequest); elapsed < minRequestInterval {
		wait := minRequestInterval - elapsed

		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.lastRequest = c.now()

	return nil
}

// doJSON performs a GET request with throttle/backoff handling and
// key-pool rotation on 403, decoding the JSON response into out.
func (c *Client) doJSON(ctx context.Context, path string, query map[string]string, out any) error {
	backoff := initialBackoff

	for attempt := 0; attempt < maxThrottleRetries; attempt++ {
		if err := c.waitForSlot(ctx); err != nil {
			return err
		}

		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return err
		}

		q := req.URL.Query()
		for k, v := range query {
			q.Set(k, v)
		}

		req.URL.RawQuery = q.Encode()
		req.Header.Set("Authorization", "Client-ID "+c.currentKey())

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("upstream: request %s: %w", path, err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			c.setThrottled(false)

			defer resp.Body.Close()

			if out != nil {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return fmt.Errorf("upstream: decode %s: %w", path, err)
				}
			}

			return nil

		case http.StatusForbidden:
			resp.Body.Close()
			c.rotateKey()

			if attempt == len(c.keys)-1 || attempt >= maxThrottleRetries-1 {
				return ErrRateLimited
			}

			continue

		case http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()

			c.setThrottled(true)

			wait := retryAfter
			if wait <= 0 {
				wait = backoff
			}

			if !c.sleepRespectingCtx(ctx, wait) {
				return ctx.Err()
			}

			backoff = minDuration(backoff*2, maxBackoff)

			continue

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			resp.Body.Close()

			return fmt.Errorf("upstream: %s returned %d: %s", path, resp.StatusCode, string(body))
		}
	}

	return fmt.Errorf("%w: exhausted %d attempts for %s", ErrThrottled, maxThrottleRetries, path)
}

func (c *Client) sleepRespectingCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}

	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil {
		return time.Duration(secs) * time.Second
	}

	return 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}

	return b
}

// ListPhotos fetches a page of the curated photo feed, ordered by
// order (e.g. "latest", "popular").
func (c *Client) ListPhotos(ctx context.Context, page int, order string) ([]Photo, error) {
	var photos []Photo

	err := c.doJSON(ctx, "/photos", map[string]string{
		"page":     strconv.Itoa(page),
		"order_by": order,
		"per_page": "30",
	}, &photos)

	return photos, err
}

// SearchPhotos runs a keyword search.
func (c *Client) SearchPhotos(ctx context.Context, query string, page int, order string) ([]Photo, error) {
	var resp searchResponse

	err := c.doJSON(ctx, "/search/photos", map[string]string{
		"query":    query,
		"page":     strconv.Itoa(page),
		"order_by": order,
		"per_page": "30",
	}, &resp)

	return resp.Results, err
}

// PhotoDetails fetches full metadata for a single photo id.
func (c *Client) PhotoDetails(ctx context.Context, id string) (Photo, error) {
	var p Photo

	err := c.doJSON(ctx, "/photos/"+id, nil, &p)

	return p, err
}

// ResolveDownload triggers the download_location redirect endpoint
// Unsplash requires be hit before downloading, returning the resolved
// direct-download URL.
func (c *Client) ResolveDownload(ctx context.Context, downloadLocation string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}

	if err := c.waitForSlot(ctx); err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, downloadLocation, nil)
	if err != nil {
		return "", err
	}

	req.Header.Set("Authorization", "Client-ID "+c.currentKey())

	httpResp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upstream: resolve download: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upstream: resolve download returned %d", httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("upstream: decode resolved download: %w", err)
	}

	return resp.URL, nil
}

// DownloadFile streams url's content to w.
func (c *Client) DownloadFile(ctx context.Context, url string, w io.Writer) error {
	if err := c.waitForSlot(ctx); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("upstream: download file returned %d", resp.StatusCode)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("upstream: copy downloaded file: %w", err)
	}

	return nil
}
