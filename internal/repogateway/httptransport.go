package repogateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPTransport implements Transport against a Hugging Face Hub-shaped
// REST API, using retryablehttp for transport-level 5xx/connection-reset
// retries that sit below the gateway's own optimistic-concurrency and
// rate-limit handling.
type HTTPTransport struct {
	baseURL  string
	repoID   string
	repoType string
	token    string
	client   *retryablehttp.Client
}

// NewHTTPTransport builds a transport against baseURL (e.g.
// "https://huggingface.co") for the given dataset repo.
func NewHTTPTransport(baseURL, repoID, repoType, token string, logger *slog.Logger) *HTTPTransport {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil // the gateway does its own structured logging

	return &HTTPTransport{
		baseURL:  strings.TrimRight(baseURL, "/"),
		repoID:   repoID,
		repoType: normalizeRepoType(repoType),
		token:    token,
		client:   rc,
	}
}

func normalizeRepoType(t string) string {
	if t == "" {
		return "datasets"
	}

	return t
}

func (t *HTTPTransport) resolveURL(pathInRepo string) string {
	kind := t.repoType
	if kind == "model" {
		return fmt.Sprintf("%s/%s/resolve/main/%s", t.baseURL, t.repoID, pathInRepo)
	}

	return fmt.Sprintf("%s/datasets/%s/resolve/main/%s", t.baseURL, t.repoID, pathInRepo)
}

// ResolveURL returns the public CDN download URL for pathInRepo.
func (t *HTTPTransport) ResolveURL(pathInRepo string) string {
	return t.resolveURL(pathInRepo)
}

func (t *HTTPTransport) apiURL(suffix string) string {
	kind := t.repoType
	if kind == "model" {
		return fmt.Sprintf("%s/api/models/%s/%s", t.baseURL, t.repoID, suffix)
	}

	return fmt.Sprintf("%s/api/datasets/%s/%s", t.baseURL, t.repoID, suffix)
}

func (t *HTTPTransport) authHeader(req *retryablehttp.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

// ListFiles lists every file path currently tracked in the repo.
func (t *HTTPTransport) ListFiles(ctx context.Context) ([]string, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.apiURL("tree/main"), nil)
	if err != nil {
		return nil, err
	}

	t.authHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var entries []struct {
		Type string `json:"type"`
		Path string `json:"path"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode tree listing: %w", err)
	}

	paths := make([]string, 0, len(entries))

	for _, e := range entries {
		if e.Type == "file" {
			paths = append(paths, e.Path)
		}
	}

	return paths, nil
}

// Download fetches the raw bytes of pathInRepo.
func (t *HTTPTransport) Download(ctx context.Context, pathInRepo string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, t.resolveURL(pathInRepo), nil)
	if err != nil {
		return nil, err
	}

	t.authHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	return io.ReadAll(resp.Body)
}

// CreateCommit pushes an atomic multi-file commit via the Hub's
// multipart commit endpoint.
func (t *HTTPTransport) CreateCommit(ctx context.Context, commit CommitRequest) error {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	header := map[string]any{"key": "header", "value": map[string]any{
		"summary":  commit.Message,
		"create_pr": commit.CreatePR,
	}}
	if err := writeNDJSON(mw, header); err != nil {
		return err
	}

	for _, op := range commit.Operations {
		part := map[string]any{
			"key": "file",
			"value": map[string]any{
				"path":     op.PathInRepo,
				"encoding": "base64",
			},
		}

		if err := writeNDJSON(mw, part); err != nil {
			return err
		}

		pw, err := mw.CreateFormField(op.PathInRepo)
		if err != nil {
			return err
		}

		if _, err := pw.Write(op.Data); err != nil {
			return err
		}
	}

	if err := mw.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, t.apiURL("commit/main"), buf.Bytes(),
	)
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", mw.FormDataContentType())
	t.authHeader(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	return statusError(resp)
}

func writeNDJSON(mw *multipart.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	b = append(b, '\n')

	return mw.WriteField("ndjson-header", string(b))
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
}
