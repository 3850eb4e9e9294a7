package indexstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/repogateway"
)

type memTransport struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemTransport() *memTransport {
	return &memTransport{files: make(map[string][]byte)}
}

func (m *memTransport) ListFiles(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}

	return out, nil
}

func (m *memTransport) Download(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, repogateway.ErrNotFound
	}

	return data, nil
}

func (m *memTransport) CreateCommit(ctx context.Context, req repogateway.CommitRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, op := range req.Operations {
		m.files[op.PathInRepo] = op.Data
	}

	return nil
}

func (m *memTransport) ResolveURL(pathInRepo string) string {
	return "https://example.test/resolve/main/" + pathInRepo
}

func newTestStore(t *testing.T, opts Options) (*Store, *repogateway.Client) {
	t.Helper()

	gw := repogateway.NewClient(newMemTransport())

	opts.SaveDir = t.TempDir()
	if opts.RepoPath == "" {
		opts.RepoPath = "train.jsonl"
	}

	s := New(gw, opts)
	require.NoError(t, s.LoadOrInit(context.Background()))

	return s, gw
}

func TestAddDeduplicatesByID(t *testing.T) {
	s, _ := newTestStore(t, Options{AssetMode: "both", TextMode: "full"})

	assert.True(t, s.Add(model.Row{ImageID: "a"}))
	assert.False(t, s.Add(model.Row{ImageID: "a"}))
	assert.Equal(t, 1, s.Len())
}

func TestNormalizeRowAppliesAssetAndTextModes(t *testing.T) {
	s, _ := newTestStore(t, Options{AssetMode: "url", TextMode: "minimal"})

	s.Add(model.Row{ImageID: "b", ImagePath: "/local/b.jpg", ImageURL: "https://x/b.jpg", Description: "a photo"})

	s.mu.Lock()
	row := s.byID["b"]
	s.mu.Unlock()

	assert.Empty(t, row.ImagePath, "url mode must drop path columns")
	assert.Equal(t, "https://x/b.jpg", row.ImageURL)
	assert.Empty(t, row.Description, "minimal text mode must drop description")
}

func TestNormalizeRowIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t, Options{AssetMode: "both", TextMode: "full"})

	row := model.Row{
		ImageID:            "c",
		ImagePath:          "/x.jpg",
		Tags:               []string{"Nature", "nature", "Ocean"},
		GsplatModelFileURL: "https://host/share/file/abc123.ply?x=1#frag",
	}

	once := s.normalizeRow(row)
	twice := s.normalizeRow(once)

	assert.Equal(t, once, twice)
	assert.Equal(t, "abc123", once.GsplatModelFileURL)
}

func TestNormalizeRowFoldsTagsAndTopicsIntoTextVariants(t *testing.T) {
	s, _ := newTestStore(t, Options{AssetMode: "both", TextMode: "full"})

	row := model.Row{
		ImageID:    "d",
		Tags:       []string{"Nature", "Ocean"},
		TagsText:   "nature extra,tag",
		Topics:     []string{"Wallpapers"},
		TopicsText: "",
	}

	norm := s.normalizeRow(row)

	assert.Equal(t, []string{"Nature", "Ocean", "extra", "tag"}, norm.Tags)
	assert.Equal(t, "Nature Ocean extra tag", norm.TagsText)
	assert.Equal(t, []string{"Wallpapers"}, norm.Topics)
	assert.Equal(t, "Wallpapers", norm.TopicsText)
}

func TestAddStampsIndexedAtOnceOnFirstSight(t *testing.T) {
	s, _ := newTestStore(t, Options{AssetMode: "both", TextMode: "full"})

	s.Add(model.Row{ImageID: "e"})

	s.mu.Lock()
	first := s.byID["e"].IndexedAt
	s.mu.Unlock()

	require.False(t, first.IsZero())

	s.Add(model.Row{ImageID: "e", Description: "updated"})

	s.mu.Lock()
	second := s.byID["e"].IndexedAt
	s.mu.Unlock()

	assert.Equal(t, first, second, "re-adding an existing id must not restamp IndexedAt")
}

func TestMaybeFlushRespectsFlushEveryThreshold(t *testing.T) {
	s, gw := newTestStore(t, Options{AssetMode: "both", TextMode: "full", FlushEvery: 2})

	s.Add(model.Row{ImageID: "1"})
	require.NoError(t, s.MaybeFlush(context.Background(), false))

	_, err := gw.Download(context.Background(), "train.jsonl")
	assert.Error(t, err, "flush must not fire before the threshold")

	s.Add(model.Row{ImageID: "2"})
	require.NoError(t, s.MaybeFlush(context.Background(), false))

	data, err := gw.Download(context.Background(), "train.jsonl")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestVerifyReportsAsymmetricDifferences(t *testing.T) {
	s, gw := newTestStore(t, Options{AssetMode: "both", TextMode: "full"})

	s.Add(model.Row{ImageID: "in-catalogue-only"})
	require.NoError(t, s.MaybeFlush(context.Background(), true))

	require.NoError(t, gw.Commit(context.Background(), repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: "done/in-done-only", Data: []byte{}}},
	}))

	report, err := s.Verify(context.Background(), "done")
	require.NoError(t, err)

	assert.Contains(t, report.MissingFromCatalogue, "in-done-only")
	assert.Contains(t, report.MissingFromDone, "in-catalogue-only")
}

func TestMaybeRefreshMergesRemoteRowsNotOverwritingLocal(t *testing.T) {
	s, gw := newTestStore(t, Options{AssetMode: "both", TextMode: "full", RefreshSecs: time.Millisecond})

	s.Add(model.Row{ImageID: "local-only", Description: "mine"})

	require.NoError(t, gw.Commit(context.Background(), repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: "train.jsonl", Data: []byte(`{"image_id":"remote-only"}` + "\n")}},
	}))

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.MaybeRefresh(context.Background()))

	assert.True(t, s.Has("local-only"))
	assert.True(t, s.Has("remote-only"))
}
