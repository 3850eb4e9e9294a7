package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nameearly/sharpsplat/internal/config"
	"github.com/nameearly/sharpsplat/internal/control"
	"github.com/nameearly/sharpsplat/internal/encoder"
	"github.com/nameearly/sharpsplat/internal/metrics"
	"github.com/nameearly/sharpsplat/internal/pipeline"
	"github.com/nameearly/sharpsplat/internal/predictor"
	"github.com/nameearly/sharpsplat/internal/shareupload"
	"github.com/nameearly/sharpsplat/internal/upstream"
)

// NewRunCommand builds the `sharpsplat run` subcommand: claim ranges and
// drive the discover/predict/commit pipeline until stopped or exhausted.
func NewRunCommand() *cobra.Command {
	var (
		configPath string
		query      string
		order      string
		workDir    string
		shareBase  string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the harvester pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			logger := buildLogger(cfg, verbose)

			gw := buildGateway(cfg, logger)
			claims := buildClaimStore(gw, cfg)
			ranges := buildRangeStore(gw, cfg)
			index := buildIndexStore(gw, cfg)

			if err := index.LoadOrInit(cmd.Context()); err != nil {
				return fmt.Errorf("run: init index: %w", err)
			}

			up := upstream.New(cfg.Upstream.BaseURL, keyPool(cfg))
			pred := predictor.New(cfg.Tooling.PredictorBin, cfg.Tooling.PredictorTimeout)
			enc := encoder.New(
				cfg.Tooling.EncoderBin, cfg.Tooling.EncoderTimeout,
				cfg.Tooling.SplatTransformBin, cfg.Tooling.SplatTransformTimeout,
			)

			var share *shareupload.Client
			if shareBase != "" {
				share = shareupload.New(shareBase)
			}

			ctx, gate := control.NewGate(cmd.Context())
			stopWatching := control.WatchSignals(gate)
			defer stopWatching()

			budget := control.NewBudget(cfg.Control.MaxRequests, cfg.Control.MaxDiscoverScans)

			reg := metrics.New(prometheus.DefaultRegisterer)

			pcfg := pipeline.DefaultConfig()
			pcfg.Query = query
			pcfg.ShareUpload = share != nil
			pcfg.InjectExif = cfg.Upstream.InjectExif

			if order != "" {
				pcfg.Order = order
			}

			rt := pipeline.New(pcfg, pipeline.Deps{
				Upstream:  up,
				Claims:    claims,
				Ranges:    ranges,
				Repo:      gw,
				Index:     index,
				Predictor: pred,
				Encoder:   enc,
				Share:     share,
				ShareMeta: shareupload.Metadata{Title: "sharpsplat", ExpirationType: "1week"},
				Gate:      gate,
				Budget:    budget,
				Metrics:   reg,
				Logger:    logger,
				WorkDir:   workDir,
			})

			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "sharpsplat: pipeline starting")

			if err := rt.Run(ctx); err != nil {
				return err
			}

			if gate.Stopped() {
				color.New(color.FgYellow).Fprintln(cmd.OutOrStdout(), "sharpsplat: stopped")
			} else {
				color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "sharpsplat: done")
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to an optional config file")
	cmd.Flags().StringVar(&query, "query", "", "restrict discovery to a search query instead of the curated feed")
	cmd.Flags().StringVar(&order, "order", "", "upstream listing order (default from pipeline.DefaultConfig)")
	cmd.Flags().StringVar(&workDir, "work-dir", "./work", "local scratch directory for downloaded images and predicted artifacts")
	cmd.Flags().StringVar(&shareBase, "share-base", "", "base URL of the gsplat share-viewer service (empty disables share uploads)")

	return cmd
}

func keyPool(cfg *config.Config) []string {
	if len(cfg.Upstream.KeyPool) > 0 {
		return cfg.Upstream.KeyPool
	}

	if cfg.Upstream.AccessKey != "" {
		return []string{cfg.Upstream.AccessKey}
	}

	return nil
}
