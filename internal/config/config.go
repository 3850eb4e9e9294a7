// Package config loads and validates sharpsplat's environment-variable
// configuration, grounded on the teacher's viper-based loader
// (pkg/config/config.go) but binding exact environment variable names
// rather than a dotted-prefix hierarchy, matching the variable names
// spec.md §6 and the original hf_utils.py env_* helpers use verbatim
// (HF_REPO_ID, HF_LOCK_STALE_SECS, UNSPLASH_ACCESS_KEY, ...).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrMissingRepoID       = errors.New("config: HF_REPO_ID is required")
	ErrInvalidStaleSecs    = errors.New("config: lock stale seconds must be positive")
	ErrInvalidIndexAssetMode = errors.New("config: HF_INDEX_ASSET_MODE must be one of url|path|both|none")
	ErrInvalidIndexTextMode  = errors.New("config: HF_INDEX_TEXT_MODE must be one of full|minimal|none")
)

// Config holds the full runtime configuration for a sharpsplat worker.
type Config struct {
	Repo     RepoConfig
	Upstream UpstreamConfig
	Index    IndexConfig
	Control  ControlConfig
	Tooling  ToolingConfig
	Logging  LoggingConfig
}

// RepoConfig configures the shared object repository and the per-item
// and per-range lock/done path prefixes.
type RepoConfig struct {
	RepoID   string
	RepoType string
	Token    string
	BaseURL  string

	LocksDir      string
	DoneDir       string
	RangeLocksDir string
	RangeDoneDir  string

	LockStaleSecs      float64
	RangeLockStaleSecs float64

	ExistenceCacheTTLSecs float64
}

// UpstreamConfig configures the Unsplash-shaped photo API client.
type UpstreamConfig struct {
	AccessKey string
	KeyPool   []string
	BaseURL   string
	InjectExif bool
}

// IndexConfig configures the local catalogue (internal/indexstore),
// mirroring index_sync.py's HF_INDEX_* env flags.
type IndexConfig struct {
	SaveDir        string
	RepoPath       string
	FlushEvery     int
	FlushSecs      float64
	RefreshSecs    float64
	Compact            bool
	CompactDropEmpty  bool
	AssetMode          string // url|path|both|none
	TextMode           string // full|minimal|none
	DropDerivableURLs bool
	DropUserName      bool
	DropUnsplashID    bool
}

// ControlConfig configures per-run budgets.
type ControlConfig struct {
	MaxRequests      int64
	MaxDiscoverScans int64
}

// ToolingConfig configures the external predictor and encoder
// subprocesses.
type ToolingConfig struct {
	PredictorBin         string
	PredictorTimeout     time.Duration
	EncoderBin           string
	EncoderTimeout       time.Duration
	SplatTransformBin    string
	SplatTransformTimeout time.Duration
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment (and, if present, a
// config file at configPath) and validates it.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read %s: %w", configPath, err)
			}
		}
	}

	cfg := &Config{
		Repo: RepoConfig{
			RepoID:                v.GetString("HF_REPO_ID"),
			RepoType:              v.GetString("HF_REPO_TYPE"),
			Token:                 v.GetString("HF_TOKEN"),
			BaseURL:               v.GetString("HF_BASE_URL"),
			LocksDir:              v.GetString("HF_LOCKS_DIR"),
			DoneDir:               v.GetString("HF_DONE_DIR"),
			RangeLocksDir:         v.GetString("RANGE_LOCKS_DIR"),
			RangeDoneDir:          v.GetString("RANGE_DONE_DIR"),
			LockStaleSecs:         v.GetFloat64("HF_LOCK_STALE_SECS"),
			RangeLockStaleSecs:    v.GetFloat64("RANGE_LOCK_STALE_SECS"),
			ExistenceCacheTTLSecs: v.GetFloat64("HF_EXISTS_CACHE_TTL_SECS"),
		},
		Upstream: UpstreamConfig{
			AccessKey:  v.GetString("UNSPLASH_ACCESS_KEY"),
			KeyPool:    splitNonEmpty(v.GetString("UNSPLASH_KEY_POOL"), ","),
			BaseURL:    v.GetString("UNSPLASH_BASE_URL"),
			InjectExif: v.GetBool("INJECT_EXIF"),
		},
		Index: IndexConfig{
			SaveDir:           v.GetString("HF_INDEX_SAVE_DIR"),
			RepoPath:          v.GetString("HF_INDEX_REPO_PATH"),
			FlushEvery:        v.GetInt("HF_INDEX_FLUSH_EVERY"),
			FlushSecs:         v.GetFloat64("HF_INDEX_FLUSH_SECS"),
			RefreshSecs:       v.GetFloat64("HF_INDEX_REFRESH_SECS"),
			Compact:           v.GetBool("HF_INDEX_COMPACT"),
			CompactDropEmpty:  v.GetBool("HF_INDEX_COMPACT_DROP_EMPTY"),
			AssetMode:         v.GetString("HF_INDEX_ASSET_MODE"),
			TextMode:          v.GetString("HF_INDEX_TEXT_MODE"),
			DropDerivableURLs: v.GetBool("HF_INDEX_DROP_DERIVABLE_URLS"),
			DropUserName:      v.GetBool("HF_INDEX_DROP_USER_NAME"),
			DropUnsplashID:    v.GetBool("HF_INDEX_DROP_UNSPLASH_ID"),
		},
		Control: ControlConfig{
			MaxRequests:      v.GetInt64("MAX_REQUESTS_BUDGET"),
			MaxDiscoverScans: v.GetInt64("MAX_DISCOVER_SCANS"),
		},
		Tooling: ToolingConfig{
			PredictorBin:          v.GetString("PREDICTOR_BIN"),
			PredictorTimeout:      v.GetDuration("PREDICTOR_TIMEOUT"),
			EncoderBin:            v.GetString("ENCODER_BIN"),
			EncoderTimeout:        v.GetDuration("ENCODER_TIMEOUT"),
			SplatTransformBin:     v.GetString("SPLAT_TRANSFORM_BIN"),
			SplatTransformTimeout: v.GetDuration("SPLAT_TRANSFORM_TIMEOUT"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}

func splitNonEmpty(s, sep string) []string {
	if s == "" {
		return nil
	}

	var out []string

	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}

	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HF_REPO_TYPE", "dataset")
	v.SetDefault("HF_BASE_URL", "https://huggingface.co")
	v.SetDefault("HF_LOCKS_DIR", "locks")
	v.SetDefault("HF_DONE_DIR", "done")
	v.SetDefault("RANGE_LOCKS_DIR", "ranges/locks")
	v.SetDefault("RANGE_DONE_DIR", "ranges/done")
	v.SetDefault("HF_LOCK_STALE_SECS", 21600.0)
	v.SetDefault("RANGE_LOCK_STALE_SECS", 21600.0)
	v.SetDefault("HF_EXISTS_CACHE_TTL_SECS", 120.0)

	v.SetDefault("UNSPLASH_BASE_URL", "https://api.unsplash.com")
	v.SetDefault("INJECT_EXIF", true)

	v.SetDefault("HF_INDEX_SAVE_DIR", "./index")
	v.SetDefault("HF_INDEX_REPO_PATH", "train.jsonl")
	v.SetDefault("HF_INDEX_FLUSH_EVERY", 200)
	v.SetDefault("HF_INDEX_FLUSH_SECS", 60.0)
	v.SetDefault("HF_INDEX_REFRESH_SECS", 300.0)
	v.SetDefault("HF_INDEX_COMPACT", true)
	v.SetDefault("HF_INDEX_COMPACT_DROP_EMPTY", true)
	v.SetDefault("HF_INDEX_ASSET_MODE", "both")
	v.SetDefault("HF_INDEX_TEXT_MODE", "full")

	v.SetDefault("MAX_REQUESTS_BUDGET", 0)
	v.SetDefault("MAX_DISCOVER_SCANS", 0)

	v.SetDefault("PREDICTOR_BIN", "sharp-predict")
	v.SetDefault("PREDICTOR_TIMEOUT", "10m")
	v.SetDefault("ENCODER_BIN", "spz-export")
	v.SetDefault("ENCODER_TIMEOUT", "2m")
	v.SetDefault("SPLAT_TRANSFORM_BIN", "splat-transform")
	v.SetDefault("SPLAT_TRANSFORM_TIMEOUT", "2m")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

// envVars lists every variable Load binds, so bindEnv and tests stay in
// sync without repeating the literal names in two places.
var envVars = []string{
	"HF_REPO_ID", "HF_REPO_TYPE", "HF_TOKEN", "HF_BASE_URL",
	"HF_LOCKS_DIR", "HF_DONE_DIR", "RANGE_LOCKS_DIR", "RANGE_DONE_DIR",
	"HF_LOCK_STALE_SECS", "RANGE_LOCK_STALE_SECS", "HF_EXISTS_CACHE_TTL_SECS",
	"UNSPLASH_ACCESS_KEY", "UNSPLASH_KEY_POOL", "UNSPLASH_BASE_URL", "INJECT_EXIF",
	"HF_INDEX_SAVE_DIR", "HF_INDEX_REPO_PATH", "HF_INDEX_FLUSH_EVERY",
	"HF_INDEX_FLUSH_SECS", "HF_INDEX_REFRESH_SECS", "HF_INDEX_COMPACT",
	"HF_INDEX_COMPACT_DROP_EMPTY", "HF_INDEX_ASSET_MODE", "HF_INDEX_TEXT_MODE",
	"HF_INDEX_DROP_DERIVABLE_URLS", "HF_INDEX_DROP_USER_NAME", "HF_INDEX_DROP_UNSPLASH_ID",
	"MAX_REQUESTS_BUDGET", "MAX_DISCOVER_SCANS",
	"PREDICTOR_BIN", "PREDICTOR_TIMEOUT", "ENCODER_BIN", "ENCODER_TIMEOUT",
	"SPLAT_TRANSFORM_BIN", "SPLAT_TRANSFORM_TIMEOUT",
	"LOG_LEVEL", "LOG_FORMAT",
}

func bindEnv(v *viper.Viper) {
	for _, name := range envVars {
		_ = v.BindEnv(name, name)
	}
}

func validate(cfg *Config) error {
	if cfg.Repo.RepoID == "" {
		return ErrMissingRepoID
	}

	if cfg.Repo.LockStaleSecs <= 0 || cfg.Repo.RangeLockStaleSecs <= 0 {
		return ErrInvalidStaleSecs
	}

	switch cfg.Index.AssetMode {
	case "url", "path", "both", "none":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidIndexAssetMode, cfg.Index.AssetMode)
	}

	switch cfg.Index.TextMode {
	case "full", "minimal", "none":
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidIndexTextMode, cfg.Index.TextMode)
	}

	return nil
}
