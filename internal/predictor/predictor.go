// Package predictor wraps the external neural predictor binary that
// turns a downloaded image into a 3D-Gaussian-splat PLY file.
package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/nameearly/sharpsplat/internal/model"
	"github.com/nameearly/sharpsplat/internal/subprocess"
)

// Predictor invokes a resolved binary: `<bin> --input <image> --output <ply>`.
type Predictor struct {
	bin     string
	timeout time.Duration
}

// New builds a Predictor for the given binary and per-run timeout.
func New(bin string, timeout time.Duration) *Predictor {
	return &Predictor{bin: bin, timeout: timeout}
}

// Predict runs the predictor on imagePath, writing the Gaussian-splat
// PLY to plyPath.
func (p *Predictor) Predict(ctx context.Context, item model.Item, imagePath, plyPath string) (model.PredictionResult, error) {
	args := []string{"--input", imagePath, "--output", plyPath}

	result, err := subprocess.Run(ctx, p.bin, args, p.timeout)
	if err != nil {
		return model.PredictionResult{}, fmt.Errorf("predictor: %s (%s): %w", item.ID, result.Outcome, err)
	}

	return model.PredictionResult{ItemID: item.ID, PLYPath: plyPath}, nil
}
