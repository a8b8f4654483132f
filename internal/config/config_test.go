package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/errors"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, Validate(cfg))
	assert.Equal(t, constants.DefaultMaxWorkers, cfg.Pool.MaxWorkers)
	assert.Equal(t, constants.DefaultEventBufferSize, cfg.Pool.EventBufferSize)
	assert.True(t, cfg.Git.UseWorktrees)
}

func TestLoadFromPaths_Defaults(t *testing.T) {
	cfg, err := LoadFromPaths(context.Background(), "", "")
	require.NoError(t, err)

	want := DefaultConfig()
	assert.Equal(t, want.Pool, cfg.Pool)
	assert.Equal(t, want.Validation, cfg.Validation)
	assert.Equal(t, want.Git, cfg.Git)
	assert.Equal(t, want.Metrics, cfg.Metrics)
	assert.Equal(t, want.Execution.Timeout, cfg.Execution.Timeout)
	assert.Equal(t, want.Review.Backoff, cfg.Review.Backoff)
	assert.Empty(t, cfg.Execution.Args)
	assert.Empty(t, cfg.Store.Home)
}

func TestLoadFromPaths_ProjectOverridesGlobal(t *testing.T) {
	global := writeConfig(t, t.TempDir(), `
pool:
  max_workers: 5
execution:
  model: opus
  timeout: 45m
review:
  backoff: 500ms
`)
	project := writeConfig(t, t.TempDir(), `
pool:
  max_workers: 2
validation:
  build_command: go build ./...
git:
  use_worktrees: false
  base_branch: develop
`)

	cfg, err := LoadFromPaths(context.Background(), project, global)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Pool.MaxWorkers)
	assert.Equal(t, "opus", cfg.Execution.Model)
	assert.Equal(t, 45*time.Minute, cfg.Execution.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Review.Backoff)
	assert.Equal(t, "go build ./...", cfg.Validation.BuildCommand)
	assert.False(t, cfg.Git.UseWorktrees)
	assert.Equal(t, "develop", cfg.Git.BaseBranch)
	assert.Equal(t, constants.DefaultRemote, cfg.Git.Remote)
}

func TestLoadFromPaths_EnvOverridesFiles(t *testing.T) {
	t.Setenv("CHUNKFLOW_POOL_MAX_WORKERS", "7")
	t.Setenv("CHUNKFLOW_REVIEW_TIMEOUT", "90s")

	project := writeConfig(t, t.TempDir(), "pool:\n  max_workers: 2\n")
	cfg, err := LoadFromPaths(context.Background(), project, "")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pool.MaxWorkers)
	assert.Equal(t, 90*time.Second, cfg.Review.Timeout)
}

func TestLoadFromPaths_MissingFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFromPaths(context.Background(), filepath.Join(dir, "nope.yaml"), filepath.Join(dir, "gone.yaml"))
	require.NoError(t, err)
	assert.Equal(t, constants.DefaultMaxWorkers, cfg.Pool.MaxWorkers)
}

func TestLoadFromPaths_InvalidValue(t *testing.T) {
	project := writeConfig(t, t.TempDir(), "pool:\n  max_workers: 0\n")
	_, err := LoadFromPaths(context.Background(), project, "")
	require.ErrorIs(t, err, errors.ErrValueOutOfRange)
}

func TestApplyOverrides(t *testing.T) {
	cfg := DefaultConfig()
	applyOverrides(cfg, &Config{
		Pool:       PoolConfig{MaxWorkers: 6},
		Execution:  ExecutionConfig{Model: "haiku"},
		Validation: ValidationConfig{SkipBuild: true},
		Store:      StoreConfig{Home: "/tmp/cf"},
	})

	assert.Equal(t, 6, cfg.Pool.MaxWorkers)
	assert.Equal(t, "haiku", cfg.Execution.Model)
	assert.True(t, cfg.Validation.SkipBuild)
	assert.Equal(t, "/tmp/cf", cfg.Store.Home)
	assert.Equal(t, constants.DefaultExecutionTimeout, cfg.Execution.Timeout, "zero overrides are ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "too many workers", mutate: func(c *Config) { c.Pool.MaxWorkers = MaxWorkersLimit + 1 }, wantErr: errors.ErrValueOutOfRange},
		{name: "empty event buffer", mutate: func(c *Config) { c.Pool.EventBufferSize = 0 }, wantErr: errors.ErrValueOutOfRange},
		{name: "empty command", mutate: func(c *Config) { c.Execution.Command = "" }, wantErr: errors.ErrEmptyValue},
		{name: "short timeout", mutate: func(c *Config) { c.Execution.Timeout = time.Second }, wantErr: errors.ErrValueOutOfRange},
		{name: "fix depth", mutate: func(c *Config) { c.Execution.MaxFixDepth = 0 }, wantErr: errors.ErrValueOutOfRange},
		{name: "retries without backoff", mutate: func(c *Config) { c.Review.Backoff = 0 }, wantErr: errors.ErrValueOutOfRange},
		{name: "no retries needs no backoff", mutate: func(c *Config) { c.Review.MaxRetries = 0; c.Review.Backoff = 0 }},
		{name: "negative pacing", mutate: func(c *Config) { c.Review.RequestsPerMinute = -1 }, wantErr: errors.ErrValueOutOfRange},
		{name: "build timeout", mutate: func(c *Config) { c.Validation.Timeout = 0 }, wantErr: errors.ErrValueOutOfRange},
		{name: "empty remote", mutate: func(c *Config) { c.Git.Remote = "" }, wantErr: errors.ErrEmptyValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	require.ErrorIs(t, Validate(nil), errors.ErrConfigNil)
}

func TestPaths(t *testing.T) {
	t.Setenv(constants.HomeEnvVar, "/data/cf")

	home, err := HomeDir()
	require.NoError(t, err)
	assert.Equal(t, "/data/cf", home)

	global, err := GlobalConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data/cf", "config.yaml"), global)
	assert.Equal(t, filepath.Join(".chunkflow", "config.yaml"), ProjectConfigPath())

	logs, err := LogDir(&Config{Store: StoreConfig{Home: "/srv/cf"}})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/srv/cf", "logs"), logs)
}
