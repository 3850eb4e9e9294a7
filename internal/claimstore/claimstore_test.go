package claimstore

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

// memTransport is a minimal in-memory repogateway.Transport fake for the
// claimstore tests (the rangestore tests define their own copy).
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

func TestTryLockStatusAcquiresThenBlocksOthers(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	state, _ := s.TryLockStatus(context.Background(), "photo-1", "")
	assert.Equal(t, model.LockAcquired, state)

	// A second store (different instance/owner) sees it as held.
	s2 := New(gw)

	state2, retryAt := s2.TryLockStatus(context.Background(), "photo-1", "")
	assert.Equal(t, model.LockHeldByOther, state2)
	assert.True(t, retryAt.After(time.Now()))
}

func TestMarkDoneIsIdempotentAndObservedByOtherStores(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw)

	require.NoError(t, s.MarkDone(context.Background(), "photo-2"))
	require.NoError(t, s.MarkDone(context.Background(), "photo-2")) // idempotent

	assert.True(t, s.IsDone("photo-2"))

	s2 := New(gw)
	require.NoError(t, s2.Preload(context.Background()))
	assert.True(t, s2.IsDone("photo-2"))

	state, _ := s2.TryLockStatus(context.Background(), "photo-2", "")
	assert.Equal(t, model.LockDone, state)
}

func TestStaleLockCanBeReacquired(t *testing.T) {
	gw := repogateway.NewClient(newMemTransport())
	s := New(gw, WithStaleAfter(time.Minute))
	s.now = func() time.Time { return time.Unix(1_000_000, 0) }

	state, _ := s.TryLockStatus(context.Background(), "photo-3", "")
	require.Equal(t, model.LockAcquired, state)

	later := New(gw, WithStaleAfter(time.Minute))
	later.now = func() time.Time { return time.Unix(1_000_200, 0) } // +200s, past the 60s stale window

	state2, _ := later.TryLockStatus(context.Background(), "photo-3", "")
	assert.Equal(t, model.LockAcquired, state2)
}
