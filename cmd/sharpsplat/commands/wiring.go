// Package commands implements sharpsplat's CLI subcommands.
package commands

import (
	"log/slog"
	"time"

	"github.com/nameearly/sharpsplat/internal/claimstore"
	"github.com/nameearly/sharpsplat/internal/config"
	"github.com/nameearly/sharpsplat/internal/indexstore"
	"github.com/nameearly/sharpsplat/internal/logging"
	"github.com/nameearly/sharpsplat/internal/rangestore"
	"github.com/nameearly/sharpsplat/internal/repogateway"
)

// buildGateway constructs the shared repo gateway client from cfg.
func buildGateway(cfg *config.Config, logger *slog.Logger) *repogateway.Client {
	transport := repogateway.NewHTTPTransport(cfg.Repo.BaseURL, cfg.Repo.RepoID, cfg.Repo.RepoType, cfg.Repo.Token, logger)

	return repogateway.NewClient(
		transport,
		repogateway.WithLogger(logger),
		repogateway.WithExistenceTTL(time.Duration(cfg.Repo.ExistenceCacheTTLSecs*float64(time.Second))),
	)
}

func buildClaimStore(gw *repogateway.Client, cfg *config.Config) *claimstore.Store {
	return claimstore.New(
		gw,
		claimstore.WithDirs(cfg.Repo.LocksDir, cfg.Repo.DoneDir),
		claimstore.WithStaleAfter(time.Duration(cfg.Repo.LockStaleSecs*float64(time.Second))),
	)
}

func buildRangeStore(gw *repogateway.Client, cfg *config.Config) *rangestore.Store {
	return rangestore.New(
		gw,
		rangestore.WithDirs(cfg.Repo.RangeLocksDir, cfg.Repo.RangeDoneDir, "ranges/progress"),
		rangestore.WithStaleAfter(time.Duration(cfg.Repo.RangeLockStaleSecs*float64(time.Second))),
	)
}

func buildIndexStore(gw *repogateway.Client, cfg *config.Config) *indexstore.Store {
	return indexstore.New(gw, indexstore.Options{
		SaveDir:           cfg.Index.SaveDir,
		RepoPath:          cfg.Index.RepoPath,
		FlushEvery:        cfg.Index.FlushEvery,
		FlushSecs:         time.Duration(cfg.Index.FlushSecs * float64(time.Second)),
		RefreshSecs:       time.Duration(cfg.Index.RefreshSecs * float64(time.Second)),
		Compact:           cfg.Index.Compact,
		CompactDropEmpty:  cfg.Index.CompactDropEmpty,
		AssetMode:         cfg.Index.AssetMode,
		TextMode:          cfg.Index.TextMode,
		DropDerivableURLs: cfg.Index.DropDerivableURLs,
		DropUserName:      cfg.Index.DropUserName,
		DropUnsplashID:    cfg.Index.DropUnsplashID,
	})
}

func buildLogger(cfg *config.Config, verbose bool) *slog.Logger {
	logCfg := cfg.Logging
	if verbose {
		logCfg.Level = "debug"
	}

	return logging.New(logCfg)
}
