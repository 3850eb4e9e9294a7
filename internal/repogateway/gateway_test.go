package repogateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport lets tests script a sequence of CreateCommit outcomes
// without touching the network.
type fakeTransport struct {
	mu sync.Mutex

	files map[string][]byte

	commitErrs []error // consumed in order; nil means success
	commitN    int

	lastCommitWasPR bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{files: make(map[string][]byte)}
}

func (f *fakeTransport) ListFiles(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}

	return out, nil
}

func (f *fakeTransport) Download(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.files[path]
	if !ok {
		return nil, ErrNotFound
	}

	return data, nil
}

func (f *fakeTransport) CreateCommit(ctx context.Context, req CommitRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastCommitWasPR = req.CreatePR

	var err error
	if f.commitN < len(f.commitErrs) {
		err = f.commitErrs[f.commitN]
	}

	f.commitN++

	if err != nil {
		return err
	}

	for _, op := range req.Operations {
		f.files[op.PathInRepo] = op.Data
	}

	return nil
}

func (f *fakeTransport) ResolveURL(pathInRepo string) string {
	return "https://example.test/resolve/main/" + pathInRepo
}

func TestCommitSucceedsImmediately(t *testing.T) {
	ft := newFakeTransport()
	c := NewClient(ft)

	err := c.Commit(context.Background(), CommitRequest{
		Operations: []CommitOp{{PathInRepo: "done/abc", Data: []byte{}}},
		Message:    "done abc",
	})
	require.NoError(t, err)
	assert.True(t, c.FileExists(context.Background(), "done/abc"))
}

func TestCommitRetriesOnPreconditionFailed(t *testing.T) {
	ft := newFakeTransport()
	ft.commitErrs = []error{
		errors.New("412 Precondition Failed: A commit has happened since"),
		nil,
	}

	c := NewClient(ft)
	c.sleep = func(ctx context.Context, d time.Duration) bool { return true } // skip real backoff delay in tests

	err := c.Commit(context.Background(), CommitRequest{
		Operations: []CommitOp{{PathInRepo: "locks/x", Data: []byte("1")}},
		Message:    "lock x",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, ft.commitN)
}

func TestCommitFallsBackToPullRequest(t *testing.T) {
	ft := newFakeTransport()
	ft.commitErrs = []error{
		errors.New("direct commits disabled, use create_pr=1 to open a Pull Request"),
	}

	c := NewClient(ft)

	err := c.Commit(context.Background(), CommitRequest{
		Operations: []CommitOp{{PathInRepo: "done/y", Data: []byte{}}},
		Message:    "done y",
	})
	require.NoError(t, err)
	assert.True(t, ft.lastCommitWasPR)
}

func TestCommitExhaustsAttemptsOnRepeatedPreconditionFailure(t *testing.T) {
	ft := newFakeTransport()
	errs := make([]error, 0, maxCommitAttempts)

	for i := 0; i < maxCommitAttempts; i++ {
		errs = append(errs, errors.New("412 Precondition Failed"))
	}

	ft.commitErrs = errs

	c := NewClient(ft)
	c.sleep = func(ctx context.Context, d time.Duration) bool { return true }

	err := c.Commit(context.Background(), CommitRequest{
		Operations: []CommitOp{{PathInRepo: "locks/z", Data: []byte("1")}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestFileExistsCachesResult(t *testing.T) {
	ft := newFakeTransport()
	ft.files["ranges/done/0-99"] = []byte{}

	c := NewClient(ft)

	assert.True(t, c.FileExists(context.Background(), "ranges/done/0-99"))

	// Remove from backing store; cached positive result should still hold.
	delete(ft.files, "ranges/done/0-99")
	assert.True(t, c.FileExists(context.Background(), "ranges/done/0-99"))
}

func TestRecommendedBatchSizeDoublesOnRateLimitAndHalvesWhenIdle(t *testing.T) {
	ft := newFakeTransport()
	ft.commitErrs = []error{errors.New("429 too many requests"), nil}

	c := NewClient(ft)
	c.sleep = func(ctx context.Context, d time.Duration) bool { return true }

	fakeNow := time.Unix(1000, 0)
	c.now = func() time.Time { return fakeNow }

	err := c.Commit(context.Background(), CommitRequest{
		Operations: []CommitOp{{PathInRepo: "done/q", Data: []byte{}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.RecommendedBatchSize(1))

	fakeNow = fakeNow.Add(31 * time.Minute)
	assert.Equal(t, 1, c.RecommendedBatchSize(1))
}
