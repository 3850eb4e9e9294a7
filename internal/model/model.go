// Package model defines the data types shared across the harvesting
// pipeline: items discovered from the upstream photo API, the offset
// ranges workers claim, and the catalogue row each completed item
// produces.
package model

import "time"

// Offset identifies a photo's position in the deterministic scan order
// the discover stage walks. It is stable for the lifetime of a dataset.
type Offset int64

// Range is a contiguous span of offsets, [Start, End] with both ends
// inclusive (End is the range's last offset, as in the "<a>-<b>" range
// names), that a single worker claims and scans to completion.
type Range struct {
	Start Offset
	End   Offset
}

// Contains reports whether offset lies within the range.
func (r Range) Contains(offset Offset) bool {
	return offset >= r.Start && offset <= r.End
}

// Len returns the number of offsets the range spans.
func (r Range) Len() int64 {
	if r.End < r.Start {
		return 0
	}

	return int64(r.End-r.Start) + 1
}

// Item is a photo discovered from the upstream API, carried through the
// pipeline from discovery to commit.
type Item struct {
	ID     string
	Offset Offset

	DownloadURL  string
	ResolvedURL  string
	LocalPath    string
	Width        int
	Height       int
	FocalLength  string

	Tags           []string
	Topics         []string
	AltDescription string
	Description    string
	UnsplashID     string
	UnsplashURL    string
	CreatedAt      string
	UserUsername   string
	UserName       string
}

// PredictionResult is the output of the external predictor for one item:
// the primary Gaussian-splat file plus its derived encodings.
type PredictionResult struct {
	ItemID      string
	PLYPath     string
	SPZPath     string
	SmallPLYPath string
	ModelFileURL string
}

// Row is one normalized record in the local append-only catalogue,
// mirroring the published dataset's columns (see internal/indexstore).
// Required: ImageID. The rest follow the schema spec.md §6 publishes:
// asset url/path pairs, the gsplat_* share-viewer columns, and the
// folded tags_text/topics_text token sequences alongside the raw lists.
type Row struct {
	ImageID string `json:"image_id"`

	ImagePath string `json:"image_path,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	PLYPath   string `json:"ply_path,omitempty"`
	PLYURL    string `json:"ply_url,omitempty"`
	SPZPath   string `json:"spz_path,omitempty"`
	SPZURL    string `json:"spz_url,omitempty"`

	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	Tags       []string `json:"tags,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	TagsText   string   `json:"tags_text,omitempty"`
	TopicsText string   `json:"topics_text,omitempty"`

	Description    string `json:"description,omitempty"`
	AltDescription string `json:"alt_description,omitempty"`

	UnsplashID   string `json:"unsplash_id,omitempty"`
	UnsplashURL  string `json:"unsplash_url,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
	UserUsername string `json:"user_username,omitempty"`
	UserName     string `json:"user_name,omitempty"`

	GsplatURL          string `json:"gsplat_url,omitempty"`
	GsplatShareID      string `json:"gsplat_share_id,omitempty"`
	GsplatOrderID      string `json:"gsplat_order_id,omitempty"`
	GsplatModelFileURL string `json:"gsplat_model_file_url,omitempty"`

	Extra map[string]string `json:"extra,omitempty"`

	// IndexedAt is local bookkeeping only; it is not part of the
	// published schema and never round-trips through the catalogue file.
	IndexedAt time.Time `json:"-"`
}

// LockState is the outcome of a claim or range lock attempt.
type LockState int

const (
	// LockAcquired means the caller now owns the lease.
	LockAcquired LockState = iota
	// LockHeldByOther means a live, non-stale lease is held elsewhere.
	LockHeldByOther
	// LockDone means the item or range is already marked done.
	LockDone
	// LockError means the attempt failed for a reason other than
	// contention (network error, malformed remote state).
	LockError
)

func (s LockState) String() string {
	switch s {
	case LockAcquired:
		return "acquired"
	case LockHeldByOther:
		return "locked_by_other"
	case LockDone:
		return "done"
	case LockError:
		return "error"
	default:
		return "unknown"
	}
}

// AbandonReason classifies why a worker released a range without
// finishing it.
type AbandonReason int

const (
	AbandonUnknown AbandonReason = iota
	AbandonMaxImages
	AbandonMaxScan
	AbandonStopped
	AbandonRateLimited
	AbandonLoopExit
)

func (r AbandonReason) String() string {
	switch r {
	case AbandonMaxImages:
		return "max_images"
	case AbandonMaxScan:
		return "max_scan"
	case AbandonStopped:
		return "stopped"
	case AbandonRateLimited:
		return "rate_limited"
	case AbandonLoopExit:
		return "loop_exit"
	default:
		return "unknown"
	}
}
