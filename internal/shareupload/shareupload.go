// Package shareupload implements the chunked tRPC upload flow that
// publishes a Gaussian-splat file to the public share viewer and
// returns its model-file URL.
//
// Grounded on gsplat_share.py's _chunked_upload_and_get_model_file_url:
// a tRPC-shaped JSON-RPC handshake (chunkedUploadInitiate →
// chunkedUploadChunk* → chunkedUploadFinalize) over a base64-encoded
// chunk stream, plus _trpc_extract_data/_trpc_extract_error (the tRPC
// batch envelope can be a single object or a one-element array) and
// _deep_find_first (a bounded-depth key search over the finalize
// response, since the exact shape of the returned URL field varies).
package shareupload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nameearly/sharpsplat/internal/encoder"
)

const defaultChunkSize = 50 * 1024 * 1024

// directUploadThreshold is the file size above which the upload is
// chunked instead of sent as one base64-encoded request body, matching
// gsplat_share.py's upload_and_create_view (20MB).
const directUploadThreshold = 20 * 1024 * 1024

// ErrUploadRejected means the remote tRPC endpoint reported an error in
// its response envelope.
var ErrUploadRejected = errors.New("shareupload: remote rejected the request")

// ErrNoModelFileURL means chunkedUploadFinalize succeeded but no
// recognizable URL field could be found in its response.
var ErrNoModelFileURL = errors.New("shareupload: finalize response had no model file URL")

// ErrNoShareID means createOrder succeeded but the response had no
// shareId field to build a viewer URL from.
var ErrNoShareID = errors.New("shareupload: createOrder response had no shareId")

// Client drives the chunked tRPC upload flow against a gsplat share
// service.
type Client struct {
	baseURL   string
	http      *retryablehttp.Client
	chunkSize int
}

// New builds a Client for the share service at baseURL.
func New(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.Logger = nil

	return &Client{baseURL: baseURL, http: rc, chunkSize: defaultChunkSize}
}

// Metadata describes the share-view entry created for the upload.
type Metadata struct {
	Title          string
	Description    string
	ExpirationType string // e.g. "1week"
}

// UploadAndGetModelFileURL uploads the file at path in chunks and
// returns the resulting model-file URL.
func (c *Client) UploadAndGetModelFileURL(ctx context.Context, path string, meta Metadata) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("shareupload: stat %s: %w", path, err)
	}

	fileSize := info.Size()
	if fileSize <= 0 {
		return "", fmt.Errorf("shareupload: %s is empty", path)
	}

	totalChunks := int((fileSize + int64(c.chunkSize) - 1) / int64(c.chunkSize))
	if totalChunks < 1 {
		totalChunks = 1
	}

	filename := filepath.Base(path)

	uploadID, err := c.initiate(ctx, filename, fileSize, totalChunks, meta)
	if err != nil {
		return "", err
	}

	if err := c.uploadChunks(ctx, path, uploadID, totalChunks); err != nil {
		return "", err
	}

	return c.finalize(ctx, uploadID, filename, totalChunks, meta)
}

// ViewOptions configures UploadAndCreateView.
type ViewOptions struct {
	Meta Metadata
	// UseSmallPLY first runs splat-transform to produce a
	// visibility-filtered, web-sized PLY and uploads that instead of
	// the full-resolution file.
	UseSmallPLY      bool
	SplatTransform   *encoder.Encoder
	FilterVisibility int
}

// ViewResult is the created share-view entry.
type ViewResult struct {
	ViewURL      string
	ShareID      string
	OrderID      string
	ModelFileURL string
}

// UploadAndCreateView uploads plyPath (optionally downsampling it first
// via splat-transform) and creates a share-viewer order, returning its
// public URL. Grounded on gsplat_share.py's upload_and_create_view.
func (c *Client) UploadAndCreateView(ctx context.Context, plyPath string, opts ViewOptions) (ViewResult, error) {
	uploadPath := plyPath

	if opts.UseSmallPLY && opts.SplatTransform != nil {
		smallPath := plyPath + ".small.ply"
		if err := opts.SplatTransform.ToSmallPLY(ctx, plyPath, smallPath); err == nil {
			uploadPath = smallPath
		}
	}

	info, err := os.Stat(uploadPath)
	if err != nil {
		return ViewResult{}, fmt.Errorf("shareupload: stat %s: %w", uploadPath, err)
	}

	var modelFileURL string

	if info.Size() >= directUploadThreshold {
		modelFileURL, err = c.UploadAndGetModelFileURL(ctx, uploadPath, opts.Meta)
		if err != nil {
			return ViewResult{}, err
		}
	} else {
		modelFileURL, err = c.directUpload(ctx, uploadPath)
		if err != nil {
			return ViewResult{}, err
		}
	}

	return c.createOrder(ctx, modelFileURL, opts.Meta)
}

// directUpload sends the whole file as one base64 payload, for files
// under the chunked-upload threshold.
func (c *Client) directUpload(ctx context.Context, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("shareupload: read %s: %w", path, err)
	}

	payload := map[string]any{
		"0": map[string]any{
			"gaussianSplatFile": map[string]any{
				"name": filepath.Base(path),
				"data": base64.StdEncoding.EncodeToString(raw),
				"type": guessFileType(path),
				"size": len(raw),
			},
		},
	}

	resp, err := c.trpcPost(ctx, "/share/trpc/order.uploadGaussianSplat?batch=1", payload)
	if err != nil {
		return "", err
	}

	if rpcErr := extractError(resp); rpcErr != nil {
		return "", fmt.Errorf("%w: uploadGaussianSplat: %v", ErrUploadRejected, rpcErr)
	}

	data := extractData(resp)

	if s, ok := data.(string); ok && s != "" {
		return s, nil
	}

	if url := deepFindFirst(data, []string{"modelFileUrl", "fileUrl", "url"}, 6); url != "" {
		return url, nil
	}

	return "", ErrNoModelFileURL
}

func (c *Client) createOrder(ctx context.Context, modelFileURL string, meta Metadata) (ViewResult, error) {
	expiration := meta.ExpirationType
	if expiration == "" {
		expiration = "1week"
	}

	payload := map[string]any{
		"0": map[string]any{
			"modelFileUrl":   modelFileURL,
			"title":          meta.Title,
			"description":    meta.Description,
			"expirationType": expiration,
		},
	}

	resp, err := c.trpcPost(ctx, "/share/trpc/order.createOrder?batch=1", payload)
	if err != nil {
		return ViewResult{}, err
	}

	if rpcErr := extractError(resp); rpcErr != nil {
		return ViewResult{}, fmt.Errorf("%w: createOrder: %v", ErrUploadRejected, rpcErr)
	}

	data := extractData(resp)

	m, _ := data.(map[string]any)

	shareID, _ := stringField(m, "shareId")
	if shareID == "" {
		shareID = deepFindFirst(data, []string{"shareId"}, 6)
	}

	if shareID == "" {
		return ViewResult{}, ErrNoShareID
	}

	orderID, _ := stringField(m, "id")
	if orderID == "" {
		orderID = deepFindFirst(data, []string{"id"}, 6)
	}

	return ViewResult{
		ViewURL:      strings.TrimRight(c.baseURL, "/") + "/viewer/" + shareID,
		ShareID:      shareID,
		OrderID:      orderID,
		ModelFileURL: modelFileURL,
	}, nil
}

// guessFileType infers the upload content-type tag from the file
// extension, matching gsplat_share.py's _guess_gsplat_file_type.
func guessFileType(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "ply", "spz", "splat":
		return strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	default:
		return "ply"
	}
}

func (c *Client) initiate(ctx context.Context, filename string, fileSize int64, totalChunks int, meta Metadata) (string, error) {
	payload := map[string]any{
		"0": map[string]any{
			"filename":    filename,
			"fileSize":    fileSize,
			"chunkSize":   c.chunkSize,
			"contentType": "",
			"metadata":    metadataPayload(meta),
		},
	}

	resp, err := c.trpcPost(ctx, "/share/trpc/order.chunkedUploadInitiate?batch=1", payload)
	if err != nil {
		return "", err
	}

	if rpcErr := extractError(resp); rpcErr != nil {
		return "", fmt.Errorf("%w: initiate: %v", ErrUploadRejected, rpcErr)
	}

	data := extractData(resp)

	switch v := data.(type) {
	case map[string]any:
		if id, ok := stringField(v, "uploadId", "id"); ok {
			return id, nil
		}
	case string:
		return v, nil
	}

	return "", fmt.Errorf("shareupload: initiate response had no uploadId")
}

func (c *Client) uploadChunks(ctx context.Context, path, uploadID string, totalChunks int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("shareupload: open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, c.chunkSize)

	for idx := 0; idx < totalChunks; idx++ {
		n, readErr := io.ReadFull(f, buf)
		if n == 0 && readErr != nil {
			break
		}

		payload := map[string]any{
			"0": map[string]any{
				"uploadId":    uploadID,
				"chunkIndex":  idx,
				"totalChunks": totalChunks,
				"data":        base64.StdEncoding.EncodeToString(buf[:n]),
				"size":        n,
			},
		}

		resp, err := c.trpcPost(ctx, "/share/trpc/order.chunkedUploadChunk?batch=1", payload)
		if err != nil {
			return err
		}

		if rpcErr := extractError(resp); rpcErr != nil {
			return fmt.Errorf("%w: chunk %d: %v", ErrUploadRejected, idx, rpcErr)
		}

		if readErr != nil && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return fmt.Errorf("shareupload: read chunk %d: %w", idx, readErr)
		}
	}

	return nil
}

func (c *Client) finalize(ctx context.Context, uploadID, filename string, totalChunks int, meta Metadata) (string, error) {
	payload := map[string]any{
		"0": map[string]any{
			"uploadId":    uploadID,
			"totalChunks": totalChunks,
			"filename":    filename,
			"metadata":    metadataPayload(meta),
		},
	}

	resp, err := c.trpcPost(ctx, "/share/trpc/order.chunkedUploadFinalize?batch=1", payload)
	if err != nil {
		return "", err
	}

	if rpcErr := extractError(resp); rpcErr != nil {
		return "", fmt.Errorf("%w: finalize: %v", ErrUploadRejected, rpcErr)
	}

	data := extractData(resp)

	if s, ok := data.(string); ok && s != "" {
		return s, nil
	}

	if url := deepFindFirst(data, []string{"modelFileUrl", "fileUrl", "url"}, 6); url != "" {
		return url, nil
	}

	return "", ErrNoModelFileURL
}

func metadataPayload(meta Metadata) map[string]any {
	expiration := meta.ExpirationType
	if expiration == "" {
		expiration = "1week"
	}

	return map[string]any{
		"title":          meta.Title,
		"description":    meta.Description,
		"expirationType": expiration,
	}
}

func (c *Client) trpcPost(ctx context.Context, path string, payload any) (any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("shareupload: marshal payload: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shareupload: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shareupload: %s returned %d", path, resp.StatusCode)
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("shareupload: decode %s response: %w", path, err)
	}

	return out, nil
}

// extractData unwraps the tRPC batch envelope, which is either a
// one-element array ([{"result": {"data": {"json": ...}}}]) or a bare
// object ({"result": ...} or {"data": ...}).
func extractData(resp any) any {
	switch v := resp.(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}

		item, _ := v[0].(map[string]any)

		return unwrapResultData(item)
	case map[string]any:
		if result, ok := v["result"]; ok {
			return unwrapResultData(map[string]any{"result": result})
		}

		if data, ok := v["data"]; ok {
			return data
		}

		return v
	default:
		return nil
	}
}

func unwrapResultData(item map[string]any) any {
	result, _ := item["result"].(map[string]any)
	data, ok := result["data"]

	if !ok {
		return nil
	}

	if dataMap, ok := data.(map[string]any); ok {
		if j, ok := dataMap["json"]; ok {
			return j
		}
	}

	return data
}

func extractError(resp any) any {
	switch v := resp.(type) {
	case []any:
		if len(v) == 0 {
			return nil
		}

		item, _ := v[0].(map[string]any)

		return item["error"]
	case map[string]any:
		return v["error"]
	default:
		return nil
	}
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v, true
		}
	}

	return "", false
}

// deepFindFirst searches obj for the first string value at any of keys,
// bounded to maxDepth nested levels, matching gsplat_share.py's
// _deep_find_first.
func deepFindFirst(obj any, keys []string, maxDepth int) string {
	if maxDepth <= 0 || obj == nil {
		return ""
	}

	switch v := obj.(type) {
	case map[string]any:
		for _, k := range keys {
			if s, ok := v[k].(string); ok && s != "" {
				return s
			}
		}

		for _, child := range v {
			if found := deepFindFirst(child, keys, maxDepth-1); found != "" {
				return found
			}
		}
	case []any:
		for _, child := range v {
			if found := deepFindFirst(child, keys, maxDepth-1); found != "" {
				return found
			}
		}
	}

	return ""
}
