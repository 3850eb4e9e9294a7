package rangestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/progress"
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

func TestTryLockRangeIsMutuallyExclusive(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s1 := New(gw)
	s2 := New(gw)

	r := model.Range{Start: 0, End: 999}

	ok, err := s1.TryLockRange(context.Background(), r)
	require.NoError(t, err)
	assert.True(t, ok)

	ok2, err := s2.TryLockRange(context.Background(), r)
	require.NoError(t, err)
	assert.False(t, ok2, "a live lease must block a second claimant")
}

func TestMarkDoneRangeIsIdempotentAndUpdatesPrefix(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	r := model.Range{Start: 0, End: 99}

	require.NoError(t, s.MarkDoneRange(context.Background(), r))
	require.NoError(t, s.MarkDoneRange(context.Background(), r)) // idempotent

	assert.Equal(t, model.Offset(100), s.DonePrefix())
}

func TestDonePrefixStopsAtFirstGap(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	require.NoError(t, s.MarkDoneRange(context.Background(), model.Range{Start: 0, End: 99}))
	require.NoError(t, s.MarkDoneRange(context.Background(), model.Range{Start: 200, End: 299}))

	prefix, err := s.RefreshDonePrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Offset(100), prefix, "the gap [100,199] must stop prefix advancement")

	require.NoError(t, s.MarkDoneRange(context.Background(), model.Range{Start: 100, End: 199}))

	prefix2, err := s.RefreshDonePrefix(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Offset(300), prefix2)
}

func TestHeartbeatIsThrottledPerRange(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	fakeNow := time.Unix(0, 0)
	s.now = func() time.Time { return fakeNow }

	r := model.Range{Start: 0, End: 9}
	snap := progress.Snapshot{RangeStart: 0, RangeEnd: 9, Frontier: 3}

	require.NoError(t, s.Heartbeat(context.Background(), r, snap))

	got, ok, err := s.ReadProgress(context.Background(), r)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.Offset(3), got.Frontier)

	// A second heartbeat within the same instant must be suppressed.
	snap.Frontier = 7
	require.NoError(t, s.Heartbeat(context.Background(), r, snap))

	got2, _, err := s.ReadProgress(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, model.Offset(3), got2.Frontier, "throttled heartbeat must not have overwritten the snapshot")

	fakeNow = fakeNow.Add(2 * time.Second)
	require.NoError(t, s.Heartbeat(context.Background(), r, snap))

	got3, _, err := s.ReadProgress(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, model.Offset(7), got3.Frontier)
}

func TestMarkAbandonedRangeDoesNotMarkDone(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	r := model.Range{Start: 0, End: 99}

	require.NoError(t, s.MarkAbandonedRange(context.Background(), r, model.AbandonMaxImages))

	_, done := s.doneRanges[r]
	assert.False(t, done, "an abandoned range must not be treated as done")
}

func TestReadProgressMissingIsNotAnError(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	_, ok, err := s.ReadProgress(context.Background(), model.Range{Start: 0, End: 9})
	require.NoError(t, err)
	assert.False(t, ok)
}
