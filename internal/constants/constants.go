// Package constants provides centralized constant values used throughout chunkflow.
// This package is the single source of truth for all shared constants and MUST NOT
// import any other internal packages.
package constants

import "time"

// Directory names and paths used by chunkflow for organizing data.
const (
	// HomeDir is the hidden directory name where chunkflow stores all its data.
	// This directory is created in the user's home directory.
	HomeDir = ".chunkflow"

	// HomeEnvVar overrides the data directory location when set.
	HomeEnvVar = "CHUNKFLOW_HOME"

	// StoreDir is the directory name where entity JSON files are stored.
	StoreDir = "store"

	// LogsDir is the directory name where log files are stored.
	LogsDir = "logs"

	// WorktreesDir is the directory (relative to the data home) holding spec worktrees
	// when worktrees are not created as siblings of the project.
	WorktreesDir = "worktrees"
)

// Configuration file names.
const (
	// GlobalConfigName is the name of the global configuration file in the data home.
	GlobalConfigName = "config.yaml"

	// ProjectConfigDir is the per-project configuration directory.
	ProjectConfigDir = ".chunkflow"

	// CLILogFileName is the name of the rotating CLI log file in the logs directory.
	CLILogFileName = "chunkflow.log"

	// EnvPrefix is the prefix for environment variable overrides (CHUNKFLOW_POOL_MAX_WORKERS).
	EnvPrefix = "CHUNKFLOW"
)

// Worker pool defaults.
const (
	// DefaultMaxWorkers is the default number of specifications executed concurrently.
	DefaultMaxWorkers = 3

	// DefaultEventBufferSize is the number of recent pool events replayed to late subscribers.
	DefaultEventBufferSize = 100

	// InterruptedByRestart is the last error recorded on workers reconciled at startup.
	InterruptedByRestart = "interrupted by restart"
)

// Execution defaults.
const (
	// DefaultExecutionTimeout bounds a single chunk execution.
	DefaultExecutionTimeout = 20 * time.Minute

	// TimeoutWarningRatio is the fraction of the execution timeout at which a warning fires.
	TimeoutWarningRatio = 0.8

	// DefaultMaxIterations is the default agent turn limit per chunk.
	DefaultMaxIterations = 50

	// DefaultModel is the model passed to the execution backend when none is configured.
	DefaultModel = "sonnet"
)

// Review and retry defaults.
const (
	// DefaultReviewTimeout bounds a single review backend call.
	DefaultReviewTimeout = 5 * time.Minute

	// MaxRetryAttempts is the default number of rate-limit retries for review calls.
	MaxRetryAttempts = 3

	// InitialBackoff is the backoff before the first retry; each retry doubles it.
	InitialBackoff = 2 * time.Second

	// DefaultReviewsPerMinute paces review backend calls.
	DefaultReviewsPerMinute = 20
)

// Validation defaults.
const (
	// DefaultBuildTimeout bounds the build command run after each chunk.
	DefaultBuildTimeout = 5 * time.Minute

	// MaxFeedbackOutput caps build output quoted back into chunk feedback.
	MaxFeedbackOutput = 4000
)

// Git workflow defaults.
const (
	// DefaultBranchPrefix prefixes generated specification branches.
	DefaultBranchPrefix = "chunkflow"

	// MaxBranchSlugLength caps the slugified title portion of generated branch names.
	MaxBranchSlugLength = 50

	// DefaultRemote is the remote branches are pushed to.
	DefaultRemote = "origin"

	// PRBodyExcerptLength caps the specification excerpt included in PR bodies.
	PRBodyExcerptLength = 500

	// DefaultGitTimeout bounds individual git and gh commands.
	DefaultGitTimeout = 2 * time.Minute
)
