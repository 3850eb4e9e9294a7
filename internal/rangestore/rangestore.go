// Package rangestore implements the per-range lease-and-done index and
// the done-prefix computation workers use to pick unclaimed ranges.
//
// It is a Go port of the Python harvester's RangeLockSync, plus a
// heartbeat/progress-snapshot operation pipeline.py threads inline
// through its download loop (range_coord.heartbeat(...), throttled to
// at most once per second).
package rangestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/progress"
	"github.com/nameearly/sharpsplat/internal/repogateway"
)

const (
	defaultStaleAfter    = 6 * time.Hour
	defaultHeartbeatEvery = time.Second
)

// Store tracks per-range claims, completion, and progress snapshots
// against a shared repo gateway.
type Store struct {
	gw *repogateway.Client

	locksDir    string
	doneDir     string
	progressDir string

	instanceID string
	staleAfter time.Duration

	mu          sync.Mutex
	doneRanges  map[model.Range]struct{}
	donePrefix  model.Offset

	hbMu          sync.Mutex
	lastHeartbeat map[model.Range]time.Time
	heartbeatEvery time.Duration

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter overrides the default 6-hour range-lease staleness
// window.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) { s.staleAfter = d }
}

// WithDirs overrides the default "ranges/locks"/"ranges/done"/"ranges/progress"
// path prefixes.
func WithDirs(locksDir, doneDir, progressDir string) Option {
	return func(s *Store) {
		s.locksDir = strings.Trim(locksDir, "/")
		s.doneDir = strings.Trim(doneDir, "/")
		s.progressDir = strings.Trim(progressDir, "/")
	}
}

// New creates a range store backed by gw. Call RefreshDonePrefix to seed
// the in-memory done-range set before first use.
func New(gw *repogateway.Client, opts ...Option) *Store {
	s := &Store{
		gw:             gw,
		locksDir:       "ranges/locks",
		doneDir:        "ranges/done",
		progressDir:    "ranges/progress",
		instanceID:     uuid.NewString(),
		staleAfter:     defaultStaleAfter,
		doneRanges:     make(map[model.Range]struct{}),
		lastHeartbeat:  make(map[model.Range]time.Time),
		heartbeatEvery: defaultHeartbeatEvery,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// InstanceID returns the identifier this store writes into its range
// leases, used by the pipeline's range-selection stride (spec.md §4.7:
// `step = 1 + hash(owner_id) mod 3`) so candidate scanning is
// deterministic per worker without needing a second identity source.
func (s *Store) InstanceID() string { return s.instanceID }

func rangeName(r model.Range) string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

func (s *Store) lockPath(r model.Range) string     { return s.locksDir + "/" + rangeName(r) }
func (s *Store) donePath(r model.Range) string      { return s.doneDir + "/" + rangeName(r) }
func (s *Store) progressPath(r model.Range) string { return s.progressDir + "/" + rangeName(r) + ".json" }

func parseRangeName(name string) (model.Range, bool) {
	parts := strings.SplitN(name, "-", 2)
	if len(parts) != 2 {
		return model.Range{}, false
	}

	a, err1 := strconv.ParseInt(parts[0], 10, 64)
	b, err2 := strconv.ParseInt(parts[1], 10, 64)

	if err1 != nil || err2 != nil || a < 0 || b < a {
		return model.Range{}, false
	}

	return model.Range{Start: model.Offset(a), End: model.Offset(b)}, true
}

// RefreshDonePrefix re-lists the done-range directory and recomputes the
// contiguous-from-zero done prefix.
func (s *Store) RefreshDonePrefix(ctx context.Context) (model.Offset, error) {
	files, err := s.gw.ListFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("rangestore: refresh done prefix: %w", err)
	}

	prefix := s.doneDir + "/"

	ranges := make(map[model.Range]struct{})

	for _, f := range files {
		name, ok := strings.CutPrefix(f, prefix)
		if !ok {
			continue
		}

		if r, ok := parseRangeName(name); ok {
			ranges[r] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.doneRanges = ranges
	s.donePrefix = computeDonePrefix(ranges)

	return s.donePrefix, nil
}

func computeDonePrefix(ranges map[model.Range]struct{}) model.Offset {
	if len(ranges) == 0 {
		return 0
	}

	sorted := make([]model.Range, 0, len(ranges))
	for r := range ranges {
		sorted = append(sorted, r)
	}

	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}

		return sorted[i].End < sorted[j].End
	})

	expected := model.Offset(0)

	for _, r := range sorted {
		if r.Start != expected {
			break
		}

		expected = r.End + 1
	}

	return expected
}

// DonePrefix returns the last computed done prefix without a round trip.
func (s *Store) DonePrefix() model.Offset {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.donePrefix
}

// TryLockRange attempts to claim r, returning false if it is already
// done or held by a live (non-stale) lease, including one this store
// wrote itself.
func (s *Store) TryLockRange(ctx context.Context, r model.Range) (bool, error) {
	if r.End < r.Start {
		return false, fmt.Errorf("rangestore: invalid range %v", r)
	}

	s.mu.Lock()
	_, done := s.doneRanges[r]
	s.mu.Unlock()

	if done {
		return false, nil
	}

	data, err := s.gw.Download(ctx, s.lockPath(r))
	if err == nil {
		if ts, ok := parseLockTimestamp(data); ok {
			if s.now().Sub(ts) < s.staleAfter {
				return false, nil
			}
		}
	}

	ts := float64(s.now().UnixNano()) / float64(time.Second)
	payload := fmt.Sprintf("%f\n%s\n", ts, s.instanceID)

	commitErr := s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: s.lockPath(r), Data: []byte(payload)}},
		Message:    "range lock " + rangeName(r),
	})
	if commitErr != nil {
		return false, fmt.Errorf("rangestore: lock %v: %w", r, commitErr)
	}

	return true, nil
}

func parseLockTimestamp(data []byte) (time.Time, bool) {
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) == 0 || lines[0] == "" {
		return time.Time{}, false
	}

	secs, err := strconv.ParseFloat(lines[0], 64)
	if err != nil {
		return time.Time{}, false
	}

	return time.Unix(0, int64(secs*float64(time.Second))), true
}

// MarkDoneRange writes the done marker for r and updates the local
// done-range set and prefix.
func (s *Store) MarkDoneRange(ctx context.Context, r model.Range) error {
	err := s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: s.donePath(r), Data: []byte{}}},
		Message:    "range done " + rangeName(r),
	})
	if err != nil {
		return fmt.Errorf("rangestore: mark done %v: %w", r, err)
	}

	s.mu.Lock()
	s.doneRanges[r] = struct{}{}
	s.donePrefix = computeDonePrefix(s.doneRanges)
	s.mu.Unlock()

	return nil
}

// abandonedDir holds markers for ranges a worker gave up on without
// finishing, recording why, so operators can see why a range's
// throughput stalled without it looking done.
const abandonedDir = "ranges/abandoned"

// MarkAbandonedRange records that the calling worker stopped working r
// before reaching its end, for a reason such as a budget cap or a stop
// request. Unlike MarkDoneRange, this does not add r to the in-memory
// done set: an abandoned range remains claimable by the next worker
// once its lease goes stale.
func (s *Store) MarkAbandonedRange(ctx context.Context, r model.Range, reason model.AbandonReason) error {
	path := abandonedDir + "/" + rangeName(r)
	payload := fmt.Sprintf("%f\n%s\n%s\n", float64(s.now().UnixNano())/float64(time.Second), s.instanceID, reason)

	if err := s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: path, Data: []byte(payload)}},
		Message:    "range abandoned " + rangeName(r),
	}); err != nil {
		return fmt.Errorf("rangestore: mark abandoned %v: %w", r, err)
	}

	return nil
}

// Heartbeat persists a progress snapshot for r, throttled to at most
// once per heartbeatEvery (default 1s) per range to avoid flooding the
// gateway with commits while a worker is actively scanning.
func (s *Store) Heartbeat(ctx context.Context, r model.Range, snapshot progress.Snapshot) error {
	now := s.now()

	s.hbMu.Lock()
	last, ok := s.lastHeartbeat[r]
	if ok && now.Sub(last) < s.heartbeatEvery {
		s.hbMu.Unlock()

		return nil
	}

	s.lastHeartbeat[r] = now
	s.hbMu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("rangestore: marshal heartbeat for %v: %w", r, err)
	}

	if err := s.gw.Commit(ctx, repogateway.CommitRequest{
		Operations: []repogateway.CommitOp{{PathInRepo: s.progressPath(r), Data: data}},
		Message:    "heartbeat " + rangeName(r),
	}); err != nil {
		return fmt.Errorf("rangestore: heartbeat %v: %w", r, err)
	}

	return nil
}

// ReadProgress loads the last persisted snapshot for r, if any.
func (s *Store) ReadProgress(ctx context.Context, r model.Range) (progress.Snapshot, bool, error) {
	data, err := s.gw.Download(ctx, s.progressPath(r))
	if err != nil {
		if errors.Is(err, repogateway.ErrNotFound) {
			return progress.Snapshot{}, false, nil
		}

		return progress.Snapshot{}, false, fmt.Errorf("rangestore: read progress for %v: %w", r, err)
	}

	var snap progress.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return progress.Snapshot{}, false, fmt.Errorf("rangestore: decode progress for %v: %w", r, err)
	}

	return snap, true, nil
}
