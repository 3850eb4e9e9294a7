package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameearly/sharpsplat/internal/control"
	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/rangestore"
	"github.com/nameearly/sharpsplat/internal/repogateway"
	"github.com/nameearly/sharpsplat/internal/upstream"
)

func upstreamPhotoFixture() upstream.Photo {
	return upstream.Photo{
		ID: "abc123",
		Tags: []upstream.Tag{
			{Title: "nature"},
			{Title: "mountain"},
		},
		Topics: []upstream.Topic{
			{Slug: "wallpapers"},
		},
		Links: upstream.Links{HTML: "https://unsplash.com/photos/abc123"},
		User:  upstream.User{Username: "jane", Name: "Jane Doe"},
	}
}

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

func newTestRuntime(t *testing.T) (*Runtime, *rangestore.Store) {
	t.Helper()

	gw := repogateway.NewClient(newMemTransport())
	ranges := rangestore.New(gw)

	_, gate := control.NewGate(context.Background())

	cfg := DefaultConfig()
	cfg.PageSize = 10
	cfg.RangeSize = 20

	rt := New(cfg, Deps{
		Ranges: ranges,
		Repo:   gw,
		Gate:   gate,
		Logger: slog.Default(),
	})

	return rt, ranges
}

func TestHashMod3IsDeterministicAndBounded(t *testing.T) {
	a := hashMod3("worker-1")
	b := hashMod3("worker-1")
	assert.Equal(t, a, b)
	assert.Less(t, a, uint32(3))

	c := hashMod3("worker-2")
	assert.Less(t, c, uint32(3))
}

func TestRoundUpToMultiple(t *testing.T) {
	assert.Equal(t, int64(30), roundUpToMultiple(25, 10))
	assert.Equal(t, int64(30), roundUpToMultiple(30, 10))
	assert.Equal(t, int64(0), roundUpToMultiple(0, 10))
}

func TestSelectRangeClaimsAnAlignedCandidate(t *testing.T) {
	rt, _ := newTestRuntime(t)

	rng, prog, err := rt.selectRange(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rng)
	require.NotNil(t, prog)

	assert.Equal(t, int64(0), int64(rng.Start)%int64(rt.cfg.RangeSize), "claimed range must start on a range-size boundary")
	assert.Equal(t, rng.Start, prog.Frontier, "a fresh claim with no persisted progress starts its frontier at the range start")
}

func TestSelectRangeSkipsAlreadyDoneRanges(t *testing.T) {
	rt, ranges := newTestRuntime(t)

	ctx := context.Background()

	first, _, err := rt.selectRange(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	require.NoError(t, ranges.MarkDoneRange(ctx, *first))

	second, _, err := rt.selectRange(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.NotEqual(t, *first, *second, "a second selection must not reclaim a range already marked done")
}

func TestSelectRangeReturnsNilWhenGateStopped(t *testing.T) {
	rt, _ := newTestRuntime(t)
	rt.deps.Gate.Stop()

	rng, prog, err := rt.selectRange(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rng)
	assert.Nil(t, prog)
}

func TestItemFromPhotoFlattensTagsAndTopics(t *testing.T) {
	p := upstreamPhotoFixture()

	item := itemFromPhoto(p, model.Offset(7))

	assert.Equal(t, "abc123", item.ID)
	assert.Equal(t, model.Offset(7), item.Offset)
	assert.ElementsMatch(t, []string{"nature", "mountain"}, item.Tags)
	assert.ElementsMatch(t, []string{"wallpapers"}, item.Topics)
	assert.Equal(t, "jane", item.UserUsername)
}

func identityResolve(path string) string {
	return "https://example.test/resolve/main/" + path
}

func TestRowFromItemSetsSPZPathOnlyWhenPresent(t *testing.T) {
	item := model.Item{ID: "abc123"}

	withSPZ := rowFromItem(item, true, identityResolve)
	assert.Equal(t, "abc123/abc123.spz", withSPZ.SPZPath)
	assert.Equal(t, "https://example.test/resolve/main/abc123/abc123.spz", withSPZ.SPZURL)

	withoutSPZ := rowFromItem(item, false, identityResolve)
	assert.Equal(t, "", withoutSPZ.SPZPath)
	assert.Equal(t, "", withoutSPZ.SPZURL)
}

func TestRowFromItemPopulatesImageAndPLYURLs(t *testing.T) {
	item := model.Item{ID: "abc123"}

	row := rowFromItem(item, false, identityResolve)

	assert.Equal(t, "abc123", row.ImageID)
	assert.Equal(t, "https://example.test/resolve/main/abc123/abc123.jpg", row.ImageURL)
	assert.Equal(t, "https://example.test/resolve/main/abc123/abc123.ply", row.PLYURL)
}
