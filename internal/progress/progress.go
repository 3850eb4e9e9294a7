// Package progress tracks the in-memory scan state of a single claimed
// range: which offsets have been seen, which are done, which are
// claimed-but-pending, and where the frontier (the first offset not yet
// confirmed done or claimed) currently sits.
//
// It is a direct port of the Python harvester's OrderedProgress class:
// holes are kept as a sorted, non-overlapping list of inclusive
// [low, high] intervals, and the frontier only advances past offsets
// that are either done or currently claimed.
package progress

import (
	"sort"
	"time"

	"github.com/nameearly/sharpsplat/internal/model"
)

type interval struct {
	low, high model.Offset
}

// Progress is the per-range offset state machine. It is not safe for
// concurrent use; callers must serialize access to it themselves.
type Progress struct {
	RangeStart model.Offset
	RangeEnd   model.Offset
	Frontier   model.Offset

	holes        []interval
	offsetToID   map[model.Offset]string
	doneConfirmed map[model.Offset]struct{}
	claimed      map[model.Offset]struct{}
	blockedUntil map[model.Offset]time.Time
}

// New creates progress state for [rangeStart, rangeEnd] with the given
// starting frontier.
func New(rangeStart, rangeEnd, frontier model.Offset) *Progress {
	return &Progress{
		RangeStart:    rangeStart,
		RangeEnd:      rangeEnd,
		Frontier:      frontier,
		offsetToID:    make(map[model.Offset]string),
		doneConfirmed: make(map[model.Offset]struct{}),
		claimed:       make(map[model.Offset]struct{}),
		blockedUntil:  make(map[model.Offset]time.Time),
	}
}

// inRange reports whether offset falls within the closed range
// [RangeStart, RangeEnd] (inclusive on both ends, matching the original
// implementation's boundary convention).
func (p *Progress) inRange(offset model.Offset) bool {
	return offset >= p.RangeStart && offset <= p.RangeEnd
}

// Remember records which photo id sits at a given offset, so the hole
// scanner can skip offsets whose identity is still unknown.
func (p *Progress) Remember(offset model.Offset, photoID string) {
	if !p.inRange(offset) || photoID == "" {
		return
	}

	p.offsetToID[offset] = photoID
}

func (p *Progress) addHolePoint(offset model.Offset) {
	if !p.inRange(offset) || offset < p.Frontier {
		return
	}

	for _, h := range p.holes {
		if h.low <= offset && offset <= h.high {
			return
		}
	}

	newLow, newHigh := offset, offset

	out := make([]interval, 0, len(p.holes)+1)
	inserted := false

	for _, h := range p.holes {
		switch {
		case h.high+1 < newLow:
			out = append(out, h)
		case newHigh+1 < h.low:
			if !inserted {
				out = append(out, interval{newLow, newHigh})
				inserted = true
			}

			out = append(out, h)
		default:
			if h.low < newLow {
				newLow = h.low
			}

			if h.high > newHigh {
				newHigh = h.high
			}
		}
	}

	if !inserted {
		out = append(out, interval{newLow, newHigh})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].low < out[j].low })

	p.holes = out
}

func (p *Progress) removeHolePoint(offset model.Offset) {
	if len(p.holes) == 0 {
		return
	}

	out := make([]interval, 0, len(p.holes)+1)

	for _, h := range p.holes {
		switch {
		case offset < h.low || offset > h.high:
			out = append(out, h)
		case h.low == h.high:
			// single-point hole equal to offset: drop it.
		case offset == h.low:
			out = append(out, interval{h.low + 1, h.high})
		case offset == h.high:
			out = append(out, interval{h.low, h.high - 1})
		default:
			out = append(out, interval{h.low, offset - 1})
			out = append(out, interval{offset + 1, h.high})
		}
	}

	p.holes = out
}

// MarkSeenUnfinished records offset as scanned but not yet resolved,
// opening a hole for it to be revisited later.
func (p *Progress) MarkSeenUnfinished(offset model.Offset) {
	p.addHolePoint(offset)
}

// MarkDone records offset as confirmed complete and advances the
// frontier past any now-contiguous run of done or claimed offsets.
func (p *Progress) MarkDone(offset model.Offset) {
	if !p.inRange(offset) {
		return
	}

	p.doneConfirmed[offset] = struct{}{}
	delete(p.claimed, offset)
	delete(p.blockedUntil, offset)
	p.removeHolePoint(offset)
	p.advanceFrontier()
}

// MarkFilled is an alias for MarkDone, matching the original's naming.
func (p *Progress) MarkFilled(offset model.Offset) {
	p.MarkDone(offset)
}

func (p *Progress) advanceFrontier() {
	for {
		if _, done := p.doneConfirmed[p.Frontier]; done {
			p.Frontier++

			continue
		}

		if _, claimed := p.claimed[p.Frontier]; claimed {
			p.Frontier++

			continue
		}

		break
	}
}

const minClaimHold = 60 * time.Second

// MarkClaimed records offset as claimed by a worker for at least
// holdFor (floored at 5 seconds, defaulting to 60s if holdFor <= 0).
func (p *Progress) MarkClaimed(offset model.Offset, holdFor time.Duration) {
	if holdFor <= 0 {
		holdFor = minClaimHold
	}

	if p.inRange(offset) {
		p.claimed[offset] = struct{}{}
		p.removeHolePoint(offset)
		p.advanceFrontier()
	}

	hold := holdFor
	if hold < 5*time.Second {
		hold = 5 * time.Second
	}

	p.MarkBlocked(offset, time.Now().Add(hold))
}

// MarkClaimedUntil records offset as claimed until an explicit deadline.
func (p *Progress) MarkClaimedUntil(offset model.Offset, until time.Time) {
	if !p.inRange(offset) {
		return
	}

	p.claimed[offset] = struct{}{}
	p.removeHolePoint(offset)
	p.MarkBlocked(offset, until)
	p.advanceFrontier()
}

// MarkErrorRetry reopens offset as a hole, blocked for at least holdFor
// (floored at 1 second).
func (p *Progress) MarkErrorRetry(offset model.Offset, holdFor time.Duration) {
	if !p.inRange(offset) {
		return
	}

	p.addHolePoint(offset)

	hold := holdFor
	if hold < time.Second {
		hold = time.Second
	}

	p.MarkBlocked(offset, time.Now().Add(hold))
}

// RefreshExpired releases claimed offsets whose block deadline has
// passed as of now, reopening them as holes unless already done.
func (p *Progress) RefreshExpired(now time.Time) {
	var expired []model.Offset

	for o := range p.claimed {
		if !p.blockedUntil[o].After(now) {
			expired = append(expired, o)
		}
	}

	for _, o := range expired {
		delete(p.claimed, o)
		delete(p.blockedUntil, o)

		if _, done := p.doneConfirmed[o]; !done {
			p.addHolePoint(o)
		}
	}
}

// MarkBlocked records offset as blocked until at least until, keeping
// the later of any existing deadline and the new one.
func (p *Progress) MarkBlocked(offset model.Offset, until time.Time) {
	if !p.inRange(offset) {
		return
	}

	if prev, ok := p.blockedUntil[offset]; !ok || until.After(prev) {
		p.blockedUntil[offset] = until
	}
}

// HasPending reports whether any holes remain to be scanned.
func (p *Progress) HasPending() bool {
	return len(p.holes) > 0
}

// NextHoleOffset returns the next offset eligible for (re)scan as of
// now: within a hole, at or past the frontier, with a remembered photo
// id, and not currently blocked. It returns (0, false) if none qualify.
func (p *Progress) NextHoleOffset(now time.Time) (model.Offset, bool) {
	p.RefreshExpired(now)

	for _, h := range p.holes {
		for o := h.low; o <= h.high; o++ {
			if o < p.Frontier {
				continue
			}

			if _, known := p.offsetToID[o]; !known {
				continue
			}

			if bu, blocked := p.blockedUntil[o]; blocked && bu.After(now) {
				continue
			}

			return o, true
		}
	}

	return 0, false
}

// Snapshot is the JSON-serializable form of Progress used for
// heartbeat/progress-file persistence (see internal/rangestore).
type Snapshot struct {
	RangeStart model.Offset    `json:"range_start"`
	RangeEnd   model.Offset    `json:"range_end"`
	Frontier   model.Offset    `json:"frontier"`
	Holes      [][2]model.Offset `json:"holes"`
}

// ToSnapshot exports the range bounds, frontier, and holes for
// persistence. Claimed/blocked/offset-id state is intentionally not
// persisted: it is process-local and rebuilt by rescanning on restart.
func (p *Progress) ToSnapshot() Snapshot {
	holes := make([][2]model.Offset, 0, len(p.holes))
	for _, h := range p.holes {
		holes = append(holes, [2]model.Offset{h.low, h.high})
	}

	return Snapshot{
		RangeStart: p.RangeStart,
		RangeEnd:   p.RangeEnd,
		Frontier:   p.Frontier,
		Holes:      holes,
	}
}

// ApplySnapshot restores frontier and holes from a snapshot, clamping
// the frontier to [RangeStart, RangeEnd+1] and holes to the current
// range bounds.
func (p *Progress) ApplySnapshot(s Snapshot) {
	switch {
	case s.Frontier < p.RangeStart:
		p.Frontier = p.RangeStart
	case s.Frontier > p.RangeEnd+1:
		p.Frontier = p.RangeEnd + 1
	default:
		p.Frontier = s.Frontier
	}

	out := make([]interval, 0, len(s.Holes))

	for _, h := range s.Holes {
		low, high := h[0], h[1]
		if high < low {
			continue
		}

		if low < p.RangeStart {
			low = p.RangeStart
		}

		if high > p.RangeEnd {
			high = p.RangeEnd
		}

		if low <= high {
			out = append(out, interval{low, high})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].low < out[j].low })

	p.holes = out
}
