// Package config provides configuration management for chunkflow with layered precedence.
//
// Configuration sources are loaded in the following order (highest precedence first):
//  1. CLI flags (passed via LoadWithOverrides)
//  2. Environment variables (CHUNKFLOW_* prefix)
//  3. Project config (.chunkflow/config.yaml in the working directory)
//  4. Global config (<data home>/config.yaml)
//  5. Built-in defaults
//
// IMPORTANT: This package may import internal/constants and internal/errors,
// but MUST NOT import internal/domain or other internal packages.
package config

import "time"

// Config is the root configuration structure for chunkflow.
type Config struct {
	// Pool bounds concurrent specification runs.
	Pool PoolConfig `yaml:"pool" mapstructure:"pool"`

	// Execution configures the agent that implements chunks.
	Execution ExecutionConfig `yaml:"execution" mapstructure:"execution"`

	// Review configures the model that judges chunks and specifications.
	Review ReviewConfig `yaml:"review" mapstructure:"review"`

	// Validation configures the build check run after each chunk.
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`

	// Git configures branches, worktrees and pull requests.
	Git GitConfig `yaml:"git" mapstructure:"git"`

	// Store configures where entity records are persisted.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Metrics configures the Prometheus endpoint served by `chunkflow serve`.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// PoolConfig contains worker pool settings.
type PoolConfig struct {
	// MaxWorkers is the number of specifications executed concurrently.
	// Default: 3, Valid range: 1-32
	MaxWorkers int `yaml:"max_workers" mapstructure:"max_workers"`

	// EventBufferSize is the number of recent events replayed to late subscribers.
	// Default: 100
	EventBufferSize int `yaml:"event_buffer_size" mapstructure:"event_buffer_size"`
}

// ExecutionConfig contains settings for the execution backend.
type ExecutionConfig struct {
	// Command is the agent binary.
	// Default: "claude"
	Command string `yaml:"command" mapstructure:"command"`

	// Args are extra arguments passed before the generated flags.
	Args []string `yaml:"args" mapstructure:"args"`

	// Model is passed to the agent unless the project overrides it.
	// Default: "sonnet"
	Model string `yaml:"model" mapstructure:"model"`

	// Timeout bounds one chunk execution. A warning fires at 80%.
	// Default: 20 minutes
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// MaxIterations limits agent turns per prompt.
	// Default: 50
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`

	// MaxFixDepth bounds nested fix chunks for a single chunk.
	// Default: 3
	MaxFixDepth int `yaml:"max_fix_depth" mapstructure:"max_fix_depth"`
}

// ReviewConfig contains settings for the review backend.
type ReviewConfig struct {
	// Command is the review binary.
	// Default: "claude"
	Command string `yaml:"command" mapstructure:"command"`

	// Args are extra arguments passed before the generated flags.
	Args []string `yaml:"args" mapstructure:"args"`

	// Model selects the reviewer model. Empty lets the command decide.
	Model string `yaml:"model" mapstructure:"model"`

	// Timeout bounds a single review call.
	// Default: 5 minutes
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`

	// MaxRetries is the number of rate-limit retries per review.
	// Default: 3
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// Backoff is the wait before the first retry; each retry doubles it.
	// Default: 2 seconds
	Backoff time.Duration `yaml:"backoff" mapstructure:"backoff"`

	// RequestsPerMinute paces review calls; zero disables pacing.
	// Default: 20
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// ValidationConfig contains settings for post-execution validation.
type ValidationConfig struct {
	// BuildCommand runs in the work directory after every chunk.
	// Empty means no build check; the changed-file check still applies.
	BuildCommand string `yaml:"build_command" mapstructure:"build_command"`

	// SkipBuild disables the build check even when a command is set.
	SkipBuild bool `yaml:"skip_build" mapstructure:"skip_build"`

	// Timeout bounds the build command.
	// Default: 5 minutes
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// GitConfig contains settings for the git checkpoint workflow.
type GitConfig struct {
	// BranchPrefix prefixes specification branches.
	// Default: "chunkflow"
	BranchPrefix string `yaml:"branch_prefix" mapstructure:"branch_prefix"`

	// Remote is the remote branches are pushed to.
	// Default: "origin"
	Remote string `yaml:"remote" mapstructure:"remote"`

	// BaseBranch is the pull request base. Empty means the branch checked
	// out when the run started.
	BaseBranch string `yaml:"base_branch" mapstructure:"base_branch"`

	// UseWorktrees runs each specification in its own worktree.
	// Default: true
	UseWorktrees bool `yaml:"use_worktrees" mapstructure:"use_worktrees"`

	// DraftPR opens pull requests as drafts.
	DraftPR bool `yaml:"draft_pr" mapstructure:"draft_pr"`
}

// StoreConfig contains persistence settings.
type StoreConfig struct {
	// Home is the data directory. Empty means CHUNKFLOW_HOME or ~/.chunkflow.
	Home string `yaml:"home" mapstructure:"home"`
}

// MetricsConfig contains Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled serves /metrics from `chunkflow serve`.
	// Default: true
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Address is the listen address of the metrics endpoint.
	// Default: "127.0.0.1:9464"
	Address string `yaml:"address" mapstructure:"address"`
}
