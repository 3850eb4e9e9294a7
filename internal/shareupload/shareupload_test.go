package shareupload

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeepFindFirstFindsNestedKey(t *testing.T) {
	obj := map[string]any{
		"outer": map[string]any{
			"inner": map[string]any{
				"modelFileUrl": "https://example.test/model.splat",
			},
		},
	}

	got := deepFindFirst(obj, []string{"modelFileUrl", "fileUrl", "url"}, 6)
	assert.Equal(t, "https://example.test/model.splat", got)
}

func TestDeepFindFirstRespectsMaxDepth(t *testing.T) {
	obj := map[string]any{
		"a": map[string]any{
			"b": map[string]any{
				"url": "https://too-deep.test",
			},
		},
	}

	got := deepFindFirst(obj, []string{"url"}, 1)
	assert.Equal(t, "", got)
}

func TestExtractDataUnwrapsBatchedArrayEnvelope(t *testing.T) {
	var resp any
	raw := `[{"result":{"data":{"json":{"uploadId":"up-1"}}}}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	data := extractData(resp)
	m, ok := data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "up-1", m["uploadId"])
}

func TestExtractDataUnwrapsBareObjectEnvelope(t *testing.T) {
	var resp any
	raw := `{"data":{"uploadId":"up-2"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	data := extractData(resp)
	m, ok := data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "up-2", m["uploadId"])
}

func TestExtractErrorFindsErrorInArrayEnvelope(t *testing.T) {
	var resp any
	raw := `[{"error":{"message":"nope"}}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))

	assert.NotNil(t, extractError(resp))
}

// fakeShareServer plays the three-step chunked upload handshake: it
// records the index of each chunk it receives and returns a fixed model
// file URL from finalize.
func fakeShareServer(t *testing.T, wantChunks int) (*httptest.Server, *[]int) {
	t.Helper()

	received := make([]int, 0, wantChunks)

	mux := http.NewServeMux()

	mux.HandleFunc("/share/trpc/order.chunkedUploadInitiate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"result":{"data":{"json":{"uploadId":"test-upload"}}}}]`))
	})

	mux.HandleFunc("/share/trpc/order.chunkedUploadChunk", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		entry, ok := body["0"].(map[string]any)
		require.True(t, ok)

		idx, ok := entry["chunkIndex"].(float64)
		require.True(t, ok)
		received = append(received, int(idx))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"result":{"data":{"json":{"ok":true}}}}]`))
	})

	mux.HandleFunc("/share/trpc/order.chunkedUploadFinalize", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"result":{"data":{"json":{"modelFileUrl":"https://share.test/view/abc"}}}}]`))
	})

	return httptest.NewServer(mux), &received
}

func TestUploadAndGetModelFileURLDrivesFullHandshake(t *testing.T) {
	server, received := fakeShareServer(t, 1)
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "scene.ply")
	require.NoError(t, os.WriteFile(path, []byte("fake ply payload"), 0o644))

	c := New(server.URL)
	c.chunkSize = 4 // force multiple chunks from a tiny payload

	url, err := c.UploadAndGetModelFileURL(t.Context(), path, Metadata{Title: "scene"})
	require.NoError(t, err)
	assert.Equal(t, "https://share.test/view/abc", url)
	assert.Greater(t, len(*received), 1)
}

func TestUploadAndGetModelFileURLFailsOnRejectedInitiate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/share/trpc/order.chunkedUploadInitiate", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"error":{"message":"too large"}}]`))
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "scene.ply")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	c := New(server.URL)

	_, err := c.UploadAndGetModelFileURL(t.Context(), path, Metadata{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUploadRejected)
}
