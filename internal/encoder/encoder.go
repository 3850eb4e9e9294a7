// Package encoder wraps the two conversion subprocesses that turn a
// predicted PLY gaussian-splat into the additional encodings the
// catalogue publishes: a compact SPZ file and a visibility-filtered
// "small" PLY for the web share viewer.
//
// Grounded on spz_export.py (two interchangeable ply→spz backends) and
// gsplat_share.py's make_small_ply (`splat-transform -w <src>
// --filter-visibility <n> <out>`).
package encoder

import (
	"context"
	"fmt"
	"time"

	"github.com/nameearly/sharpsplat/internal/subprocess"
)

// Encoder runs the spz-export and splat-transform binaries.
type Encoder struct {
	spzBin                string
	spzTimeout            time.Duration
	splatTransformBin     string
	splatTransformTimeout time.Duration
}

// New builds an Encoder from resolved binary paths and per-run
// timeouts.
func New(spzBin string, spzTimeout time.Duration, splatTransformBin string, splatTransformTimeout time.Duration) *Encoder {
	return &Encoder{
		spzBin:                spzBin,
		spzTimeout:            spzTimeout,
		splatTransformBin:     splatTransformBin,
		splatTransformTimeout: splatTransformTimeout,
	}
}

// ToSPZ converts plyPath to the compact SPZ encoding at spzPath.
func (e *Encoder) ToSPZ(ctx context.Context, plyPath, spzPath string) error {
	args := []string{"--input", plyPath, "--output", spzPath}

	result, err := subprocess.Run(ctx, e.spzBin, args, e.spzTimeout)
	if err != nil {
		return fmt.Errorf("encoder: spz export (%s): %w", result.Outcome, err)
	}

	return nil
}

// defaultVisibilityFilter is the minimum view count splat-transform
// keeps a Gaussian for when producing the small share-viewer PLY.
const defaultVisibilityFilter = 1

// ToSmallPLY produces a visibility-filtered, web-viewer-sized PLY from
// the full-resolution plyPath.
func (e *Encoder) ToSmallPLY(ctx context.Context, plyPath, smallPLYPath string) error {
	args := []string{
		"-w", plyPath,
		"--filter-visibility", fmt.Sprint(defaultVisibilityFilter),
		smallPLYPath,
	}

	result, err := subprocess.Run(ctx, e.splatTransformBin, args, e.splatTransformTimeout)
	if err != nil {
		return fmt.Errorf("encoder: small ply (%s): %w", result.Outcome, err)
	}

	return nil
}
