// Package claimstore implements the per-item lease-and-done index: a
// lightweight distributed lock over the shared repo gateway letting
// concurrent workers agree on which photo each of them owns without a
// central lock service.
//
// It is a Go port of the Python harvester's LockDoneSync: a lease file
// under locks/<id> recording (timestamp, owner, extra) and a zero-byte
// marker under done/<id>. A lease is considered stale once it is older
// than StaleAfter, at which point any worker may re-acquire it.
package claimstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/repogateway"
)

const defaultStaleAfter = 6 * time.Hour

// Store tracks per-item claims against a shared repo gateway.
type Store struct {
	gw       *repogateway.Client
	locksDir string
	doneDir  string

	instanceID string
	staleAfter time.Duration

	mu   sync.Mutex
	done map[string]struct{}

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter overrides the default 6-hour lease staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// WithDirs overrides the default "locks"/"done" path prefixes.
func WithDirs(locksDir, doneDir string) Option {
	return func(s *Store) {
		s.locksDir = strings.Trim(locksDir, "/")
		s.doneDir = strings.Trim(doneDir, "/")
	}
}

// New creates a claim store backed by gw. It performs no I/O itself;
// call Preload to seed the in-memory done set from the repo's current
// done/ listing.
func New(gw *repogateway.Client, opts ...Option) *Store {
	s := &Store{
		gw:         gw,
		locksDir:   "locks",
		doneDir:    "done",
		instanceID: uuid.NewString(),
		staleAfter: defaultStaleAfter,
		done:       make(map[string]struct{}),
		now:        time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) lockPath(id string) string { return s.locksDir + "/" + id }
func (s *Store) donePath(id string) string { return s.doneDir + "/" + id }

// Preload lists the repo's done/ directory and seeds the local done
// cache, so IsDone can answer without a round trip for already-known
// ids.
func (s *Store) Preload(ctx context.Context) error {
	files, err := s.gw.ListFiles(ctx)
	if err != nil {
		return fmt.Errorf("claimstore: preload: %w", err)
	}

	prefix := s.doneDir + "/"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range files {
		if id, ok := strings.CutPrefix(f, prefix); ok && id != "" {
			s.done[id] = struct{}{}
		}
	}

	return nil
}

// IsDone reports whether id is already marked done, from the local
// cache only.
func (s *Store) IsDone(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.done[id]

	return ok
}

// TryLockStatus attempts to claim id, returning the resulting state and,
// for non-acquired outcomes, a retry-after time.
func (s *Store) TryLockStatus(ctx context.Context, id, extra string) (model.LockState, time.Time) {
	if id == "" {
		return model.LockError, time.Time{}
	}

	if s.IsDone(id) {
		return model.LockDone, time.Time{}
	}

	info, err := s.readLock(ctx, id)
	if err != nil {
		return model.LockError, s.now().Add(30 * time.Second)
	}

	if info != nil {
		age := s.now().Sub(info.ts)
		if age < s.staleAfter {
			return model.LockHeldByOther, info.ts.Add(s.staleAfter)
		}
	}

	if err := s.writeLock(ctx, id, extra); err != nil {
		return model.LockError, s.now().Add(30 * time.Second)
	}

	return model.LockAcquired, s.now().Add(s.staleAfter)
}

// TryLock is a convenience wrapper returning only whether the lock was
// acquired.
func (s *Store) TryLock(ctx context.Context, id, extra string) bool {
	state, _ := s.TryLockStatus(ctx, id, extra)

	return state == model.LockAcquired
}

// MarkDone writes the done marker for id and updates the local cache.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("claimstore: empty id")
	}

	err := s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: s.donePath(id), Data: []byte{}}},
		Message:    "done " + id,
	})
	if err != nil {
		return fmt.Errorf("claimstore: mark done %s: %w", id, err)
	}

	s.mu.Lock()
	s.done[id] = struct{}{}
	s.mu.Unlock()

	return nil
}

type lockInfo struct {
	ts    time.Time
	owner string
	extra string
}

func (s *Store) readLock(ctx context.Context, id string) (*lockInfo, error) {
	data, err := s.gw.Download(ctx, s.lockPath(id))
	if err != nil {
		if errors.Is(err, repogateway.ErrNotFound) {
			// No lease exists yet; this is the common path, not an error.
			return nil, nil
		}

		return nil, err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")

	info := &lockInfo{}

	if len(lines) >= 1 && lines[0] != "" {
		if secs, perr := strconv.ParseFloat(lines[0], 64); perr == nil {
			info.ts = time.Unix(0, int64(secs*float64(time.Second)))
		}
	}

	if len(lines) >= 2 {
		info.owner = lines[1]
	}

	if len(lines) >= 3 {
		info.extra = lines[2]
	}

	return info, nil
}

func (s *Store) writeLock(ctx context.Context, id, extra string) error {
	ts := float64(s.now().UnixNano()) / float64(time.Second)
	payload := fmt.Sprintf("%f\n%s\n%s\n", ts, s.instanceID, extra)

	return s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: s.lockPath(id), Data: []byte(payload)}},
		Message:    "lock " + id,
	})
}
