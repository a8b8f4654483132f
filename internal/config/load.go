package config

import (
	"context"
	stderrors "errors"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/errors"
)

// newViperInstance creates a Viper instance with the CHUNKFLOW_ env prefix,
// key replacer and defaults.
func newViperInstance() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(constants.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// isConfigNotFoundError returns true if the error is a viper config file not found error.
func isConfigNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	var configNotFoundErr viper.ConfigFileNotFoundError
	return stderrors.As(err, &configNotFoundErr)
}

// unmarshalAndValidate unmarshals viper config into Config struct and validates it.
func unmarshalAndValidate(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viperDecoderOption()); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &cfg, nil
}

// Load reads configuration from all available sources with proper precedence.
// Missing config files are not an error.
func Load(ctx context.Context) (*Config, error) {
	v := newViperInstance()

	if err := loadGlobalConfig(v); err != nil {
		return nil, err
	}
	if err := loadProjectConfig(v); err != nil {
		return nil, err
	}

	cfg, err := unmarshalAndValidate(v)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx).With().Str("component", "config").Logger()
	logger.Debug().
		Int("pool.max_workers", cfg.Pool.MaxWorkers).
		Dur("execution.timeout", cfg.Execution.Timeout).
		Dur("review.timeout", cfg.Review.Timeout).
		Bool("git.use_worktrees", cfg.Git.UseWorktrees).
		Msg("configuration loaded")

	return cfg, nil
}

// loadGlobalConfig reads <data home>/config.yaml if it exists.
func loadGlobalConfig(v *viper.Viper) error {
	path, err := GlobalConfigPath()
	if err != nil || !fileExists(path) {
		return nil //nolint:nilerr // no home directory means no global config
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) {
		return errors.Wrap(err, "failed to read global config file")
	}
	return nil
}

// loadProjectConfig merges .chunkflow/config.yaml if it exists.
func loadProjectConfig(v *viper.Viper) error {
	path := ProjectConfigPath()
	if !fileExists(path) {
		return nil
	}

	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) {
		return errors.Wrap(err, "failed to read project config file")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// LoadWithOverrides loads configuration and applies CLI flag overrides.
// Only non-zero override values are applied.
func LoadWithOverrides(ctx context.Context, overrides *Config) (*Config, error) {
	cfg, err := Load(ctx)
	if err != nil {
		return nil, err
	}

	if overrides != nil {
		applyOverrides(cfg, overrides)
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration after overrides")
	}
	return cfg, nil
}

// LoadFromPaths loads configuration from specific file paths. Either path
// can be empty to skip that level. Environment variables still apply.
func LoadFromPaths(_ context.Context, projectConfigPath, globalConfigPath string) (*Config, error) {
	v := newViperInstance()

	if globalConfigPath != "" {
		v.SetConfigFile(globalConfigPath)
		if err := v.ReadInConfig(); err != nil && !isConfigNotFoundError(err) && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read global config: %s", globalConfigPath)
		}
	}

	if projectConfigPath != "" {
		v.SetConfigFile(projectConfigPath)
		if err := v.MergeInConfig(); err != nil && !isConfigNotFoundError(err) && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to read project config: %s", projectConfigPath)
		}
	}

	return unmarshalAndValidate(v)
}

// setDefaults configures all default values on the Viper instance.
// IMPORTANT: Keys must match the mapstructure tags exactly, and every key
// needs a default for environment overrides to be picked up by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("pool.max_workers", d.Pool.MaxWorkers)
	v.SetDefault("pool.event_buffer_size", d.Pool.EventBufferSize)

	v.SetDefault("execution.command", d.Execution.Command)
	v.SetDefault("execution.args", []string{})
	v.SetDefault("execution.model", d.Execution.Model)
	v.SetDefault("execution.timeout", d.Execution.Timeout.String())
	v.SetDefault("execution.max_iterations", d.Execution.MaxIterations)
	v.SetDefault("execution.max_fix_depth", d.Execution.MaxFixDepth)

	v.SetDefault("review.command", d.Review.Command)
	v.SetDefault("review.args", []string{})
	v.SetDefault("review.model", "")
	v.SetDefault("review.timeout", d.Review.Timeout.String())
	v.SetDefault("review.max_retries", d.Review.MaxRetries)
	v.SetDefault("review.backoff", d.Review.Backoff.String())
	v.SetDefault("review.requests_per_minute", d.Review.RequestsPerMinute)

	v.SetDefault("validation.build_command", "")
	v.SetDefault("validation.skip_build", false)
	v.SetDefault("validation.timeout", d.Validation.Timeout.String())

	v.SetDefault("git.branch_prefix", d.Git.BranchPrefix)
	v.SetDefault("git.remote", d.Git.Remote)
	v.SetDefault("git.base_branch", "")
	v.SetDefault("git.use_worktrees", d.Git.UseWorktrees)
	v.SetDefault("git.draft_pr", false)

	v.SetDefault("store.home", "")

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.address", d.Metrics.Address)
}

// applyOverrides merges non-zero override values into the config.
//
// IMPORTANT: Boolean fields cannot be overridden to false here because the
// zero value is indistinguishable from "not set". CLI implementations handle
// boolean flags with cmd.Flags().Changed.
func applyOverrides(cfg, overrides *Config) {
	if overrides.Pool.MaxWorkers != 0 {
		cfg.Pool.MaxWorkers = overrides.Pool.MaxWorkers
	}

	if overrides.Execution.Model != "" {
		cfg.Execution.Model = overrides.Execution.Model
	}
	if overrides.Execution.Timeout != 0 {
		cfg.Execution.Timeout = overrides.Execution.Timeout
	}

	if overrides.Review.Model != "" {
		cfg.Review.Model = overrides.Review.Model
	}

	if overrides.Validation.BuildCommand != "" {
		cfg.Validation.BuildCommand = overrides.Validation.BuildCommand
	}
	if overrides.Validation.SkipBuild {
		cfg.Validation.SkipBuild = true
	}

	if overrides.Git.BaseBranch != "" {
		cfg.Git.BaseBranch = overrides.Git.BaseBranch
	}

	if overrides.Store.Home != "" {
		cfg.Store.Home = overrides.Store.Home
	}

	if overrides.Metrics.Address != "" {
		cfg.Metrics.Address = overrides.Metrics.Address
	}
}

// viperDecoderOption configures mapstructure to decode durations from strings.
func viperDecoderOption() viper.DecoderConfigOption {
	return viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	)
}
