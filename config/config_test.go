package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// Load merges the global file under a faked HOME, the local file under
// localDir/mlgit_path, then env — local wins over global, env wins over
// both (mirrors ml_git/config.py's merge_local_with_global_config).
func TestLoad_LocalOverridesGlobal(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfigFile(t, filepath.Join(home, ".ml-git", "config.yaml"), `
batch_size: 10
push_threads_count: 3
storages:
  s3:
    mybucket:
      region: us-east-1
`)

	localDir := t.TempDir()
	writeConfigFile(t, filepath.Join(localDir, DefaultMlgitPath, "config.yaml"), `
batch_size: 99
storages:
  s3:
    mybucket:
      region: eu-west-1
  s3h:
    otherbucket:
      endpoint-url: http://localhost:9000
`)

	cfg, err := Load(localDir)
	require.NoError(t, err)
	require.Equal(t, 99, cfg.BatchSize)
	require.Equal(t, 3, cfg.PushThreadsCount)
	require.Equal(t, "eu-west-1", cfg.Storages["s3"]["mybucket"].Region)
	require.Equal(t, "http://localhost:9000", cfg.Storages["s3h"]["otherbucket"].EndpointURL)
}

func TestLoad_EnvOverridesFiles(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfigFile(t, filepath.Join(home, ".ml-git", "config.yaml"), `
batch_size: 10
`)
	t.Setenv("BATCH_SIZE", "42")
	t.Setenv("MLGIT_PATH", "custom-ml-git")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 42, cfg.BatchSize)
	require.Equal(t, "custom-ml-git", cfg.MlgitPath)
}

func TestLoad_DefaultsWhenNoFiles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultMlgitPath, cfg.MlgitPath)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
	require.True(t, cfg.PushThreadsCount > 0)
}

func TestLoad_EntityTypesMerge(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfigFile(t, filepath.Join(home, ".ml-git", "config.yaml"), `
dataset:
  git: https://example.com/dataset-metadata.git
`)
	localDir := t.TempDir()
	writeConfigFile(t, filepath.Join(localDir, DefaultMlgitPath, "config.yaml"), `
model:
  git: https://example.com/model-metadata.git
`)

	cfg, err := Load(localDir)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/dataset-metadata.git", cfg.EntityTypes["dataset"].Git)
	require.Equal(t, "https://example.com/model-metadata.git", cfg.EntityTypes["model"].Git)
}

func TestLoad_RejectsNonPositiveBatchSize(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeConfigFile(t, filepath.Join(home, ".ml-git", "config.yaml"), `
batch_size: -1
`)
	_, err := Load("")
	require.Error(t, err)
}

func TestClampBlocksize(t *testing.T) {
	require.Equal(t, MinBlocksize, ClampBlocksize(1))
	require.Equal(t, MaxBlocksize, ClampBlocksize(MaxBlocksize+1))
	require.Equal(t, DefaultBlocksize, ClampBlocksize(0))
	require.Equal(t, 128*1024, ClampBlocksize(128*1024))
}

func TestClampShardLevels(t *testing.T) {
	require.Equal(t, MinShardLevels, ClampShardLevels(-5))
	require.Equal(t, MaxShardLevels, ClampShardLevels(100))
	require.Equal(t, DefaultShardLevels, ClampShardLevels(0))
	require.Equal(t, 4, ClampShardLevels(4))
}

func TestStorageURI(t *testing.T) {
	scheme, bucket, ok := StorageURI("s3://mybucket")
	require.True(t, ok)
	require.Equal(t, "s3", scheme)
	require.Equal(t, "mybucket", bucket)

	_, _, ok = StorageURI("not-a-uri")
	require.False(t, ok)

	_, _, ok = StorageURI("s3://")
	require.False(t, ok)
}

func TestConfig_Lookup(t *testing.T) {
	cfg := &Config{
		Storages: map[string]map[string]StorageConfig{
			"s3": {"mybucket": {Region: "us-east-1"}},
		},
	}
	require.Equal(t, "us-east-1", cfg.Lookup("s3", "mybucket").Region)
	require.Equal(t, StorageConfig{}, cfg.Lookup("s3", "missing"))
	require.Equal(t, StorageConfig{}, cfg.Lookup("azureblobh", "mybucket"))

	var nilCfg *Config
	require.Equal(t, StorageConfig{}, nilCfg.Lookup("s3", "mybucket"))
}
