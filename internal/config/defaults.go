package config

import (
	"github.com/mrz1836/chunkflow/internal/constants"
)

// DefaultMetricsAddress is the default listen address of the metrics endpoint.
const DefaultMetricsAddress = "127.0.0.1:9464"

// DefaultAgentCommand is the default execution and review binary.
const DefaultAgentCommand = "claude"

// DefaultMaxFixDepth bounds nested fix chunks when not configured.
const DefaultMaxFixDepth = 3

// DefaultConfig returns a new Config with default values.
// These defaults are the base layer that config files, environment
// variables and CLI flags override.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxWorkers:      constants.DefaultMaxWorkers,
			EventBufferSize: constants.DefaultEventBufferSize,
		},
		Execution: ExecutionConfig{
			Command:       DefaultAgentCommand,
			Model:         constants.DefaultModel,
			Timeout:       constants.DefaultExecutionTimeout,
			MaxIterations: constants.DefaultMaxIterations,
			MaxFixDepth:   DefaultMaxFixDepth,
		},
		Review: ReviewConfig{
			Command:           DefaultAgentCommand,
			Timeout:           constants.DefaultReviewTimeout,
			MaxRetries:        constants.MaxRetryAttempts,
			Backoff:           constants.InitialBackoff,
			RequestsPerMinute: constants.DefaultReviewsPerMinute,
		},
		Validation: ValidationConfig{
			Timeout: constants.DefaultBuildTimeout,
		},
		Git: GitConfig{
			BranchPrefix: constants.DefaultBranchPrefix,
			Remote:       constants.DefaultRemote,
			UseWorktrees: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: DefaultMetricsAddress,
		},
	}
}
