package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFailsWithoutRepoID(t *testing.T) {
	t.Setenv("HF_REPO_ID", "")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRepoID)
}

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("HF_REPO_ID", "org/sharpsplat-dataset")
	t.Setenv("HF_INDEX_ASSET_MODE", "url")
	t.Setenv("UNSPLASH_KEY_POOL", "key-a, key-b,key-c")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "org/sharpsplat-dataset", cfg.Repo.RepoID)
	assert.Equal(t, "dataset", cfg.Repo.RepoType)
	assert.Equal(t, "locks", cfg.Repo.LocksDir)
	assert.Equal(t, 21600.0, cfg.Repo.LockStaleSecs)
	assert.Equal(t, "url", cfg.Index.AssetMode)
	assert.Equal(t, []string{"key-a", "key-b", "key-c"}, cfg.Upstream.KeyPool)
}

func TestLoadRejectsInvalidIndexModes(t *testing.T) {
	t.Setenv("HF_REPO_ID", "org/dataset")
	t.Setenv("HF_INDEX_TEXT_MODE", "verbose")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidIndexTextMode)
}
