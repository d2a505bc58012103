// Package config loads mlgit-go's typed configuration from the global file,
// the local repository file, and environment overrides, merging them into a
// single immutable value at startup. There is no package-level singleton:
// every constructor in this module takes a *Config explicitly, per the
// "ambient global configuration" redesign flag in spec.md §9.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/mlgit-go/mlgit/mlgerr"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMlgitPath is the default metadata/object root, relative to cwd.
	DefaultMlgitPath = ".ml-git"
	// DefaultBatchSize is the chunk-upload batch size when unset.
	DefaultBatchSize = 20
	// MinBlocksize and MaxBlocksize clamp the chunker blocksize (spec §3).
	MinBlocksize = 64 * 1024
	MaxBlocksize = 1024 * 1024
	// DefaultBlocksize is used when a spec/config does not set one.
	DefaultBlocksize = 256 * 1024
	// MinShardLevels and MaxShardLevels clamp path sharding depth (spec §3).
	MinShardLevels = 1
	MaxShardLevels = 22
	// DefaultShardLevels is the sharding depth when unset.
	DefaultShardLevels = 2
)

// StorageConfig describes one configured remote bucket under
// storages.<scheme>.<bucket>.
type StorageConfig struct {
	Region          string `yaml:"region,omitempty"`
	AWSCredProfile  string `yaml:"aws-credentials.profile,omitempty"`
	CredentialsPath string `yaml:"credentials-path,omitempty"`
	EndpointURL     string `yaml:"endpoint-url,omitempty"`

	// SFTPUser is the SSH username for the sftph backend; EndpointURL
	// carries "host:port" and CredentialsPath the private key file.
	SFTPUser string `yaml:"sftp-user,omitempty"`

	// GDriveFolderID is the Drive folder the gdriveh backend is rooted at;
	// CredentialsPath points at a JSON file holding the OAuth2 client id,
	// secret, and refresh token.
	GDriveFolderID string `yaml:"gdrive-folder-id,omitempty"`
}

// EntityTypeConfig holds the metadata remote URL for one entity type
// (dataset, model, labels, ...).
type EntityTypeConfig struct {
	Git string `yaml:"git,omitempty"`
}

// Config is the fully-merged, validated configuration value. Construct it
// with Load; never mutate it after construction, and never store it in a
// package variable — thread it through constructors instead.
type Config struct {
	MlgitPath        string                              `yaml:"mlgit_path,omitempty"`
	BatchSize        int                                  `yaml:"batch_size,omitempty"`
	PushThreadsCount int                                  `yaml:"push_threads_count,omitempty"`
	EntityTypes      map[string]EntityTypeConfig          `yaml:",inline"`
	Storages         map[string]map[string]StorageConfig  `yaml:"storages,omitempty"`
}

type rawConfig struct {
	MlgitPath        string                               `yaml:"mlgit_path,omitempty"`
	BatchSize        int                                  `yaml:"batch_size,omitempty"`
	PushThreadsCount int                                  `yaml:"push_threads_count,omitempty"`
	Storages         map[string]map[string]StorageConfig  `yaml:"storages,omitempty"`
	EntityTypes      map[string]EntityTypeConfig          `yaml:",inline"`
}

// Load reads the global config (~/.ml-git/config.yaml), then the local
// config (<mlgit_path>/config.yaml), then applies environment overrides,
// local winning over global and env winning over both. localDir is the
// directory holding (or that will hold) mlgit_path; pass "" to skip the
// local file (e.g. before `init`).
func Load(localDir string) (*Config, error) {
	cfg := &Config{
		MlgitPath:        DefaultMlgitPath,
		BatchSize:        DefaultBatchSize,
		PushThreadsCount: defaultPushThreads(),
		Storages:         map[string]map[string]StorageConfig{},
	}

	if home, err := os.UserHomeDir(); err == nil {
		if err := mergeFile(cfg, filepath.Join(home, ".ml-git", "config.yaml")); err != nil {
			return nil, err
		}
	}

	if localDir != "" {
		if err := mergeFile(cfg, filepath.Join(localDir, cfg.MlgitPath, "config.yaml")); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mlgerr.New(mlgerr.KindConfig, "config.Load", path, err)
	}

	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return mlgerr.New(mlgerr.KindConfig, "config.Load", path, err)
	}
	if raw.MlgitPath != "" {
		cfg.MlgitPath = raw.MlgitPath
	}
	if raw.BatchSize != 0 {
		cfg.BatchSize = raw.BatchSize
	}
	if raw.PushThreadsCount != 0 {
		cfg.PushThreadsCount = raw.PushThreadsCount
	}
	for scheme, buckets := range raw.Storages {
		if cfg.Storages[scheme] == nil {
			cfg.Storages[scheme] = map[string]StorageConfig{}
		}
		for bucket, sc := range buckets {
			cfg.Storages[scheme][bucket] = sc
		}
	}
	if len(raw.EntityTypes) > 0 {
		if cfg.EntityTypes == nil {
			cfg.EntityTypes = map[string]EntityTypeConfig{}
		}
		for entityType, etc := range raw.EntityTypes {
			cfg.EntityTypes[entityType] = etc
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MLGIT_PATH"); ok {
		cfg.MlgitPath = v
	}
	if v, ok := os.LookupEnv("BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("PUSH_THREADS_COUNT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PushThreadsCount = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.BatchSize <= 0 {
		return mlgerr.New(mlgerr.KindConfig, "config.Load", "batch_size", errBadBatchSize)
	}
	if cfg.PushThreadsCount <= 0 {
		cfg.PushThreadsCount = defaultPushThreads()
	}
	return nil
}

var errBadBatchSize = configError("batch_size must be > 0")

type configError string

func (e configError) Error() string { return string(e) }

func defaultPushThreads() int {
	return runtime.NumCPU() * 5
}

// ClampBlocksize applies the [64KiB, 1MiB] clamp from spec §3. An unset (0)
// value resolves to DefaultBlocksize rather than being clamped up to
// MinBlocksize.
func ClampBlocksize(n int) int {
	if n == 0 {
		return DefaultBlocksize
	}
	if n < MinBlocksize {
		return MinBlocksize
	}
	if n > MaxBlocksize {
		return MaxBlocksize
	}
	return n
}

// ClampShardLevels applies the [1, 22] clamp from spec §3 (MultihashFS). An
// unset (0) value resolves to DefaultShardLevels rather than being clamped
// up to MinShardLevels.
func ClampShardLevels(n int) int {
	if n == 0 {
		return DefaultShardLevels
	}
	if n < MinShardLevels {
		return MinShardLevels
	}
	if n > MaxShardLevels {
		return MaxShardLevels
	}
	return n
}

// StorageURI splits a "scheme://bucket" storage-uri as used in Spec.Manifest.Storage.
func StorageURI(uri string) (scheme, bucket string, ok bool) {
	parts := strings.SplitN(uri, "://", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Lookup returns the StorageConfig for scheme/bucket, or the zero value if
// it was never configured (remote implementations fall back to ambient
// credentials in that case, e.g. the default AWS credential chain).
func (c *Config) Lookup(scheme, bucket string) StorageConfig {
	if c == nil {
		return StorageConfig{}
	}
	return c.Storages[scheme][bucket]
}
