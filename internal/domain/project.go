package domain

import "time"

// Project is a code repository chunkflow operates on.
// The core reads its configuration but never mutates it.
//
// Example JSON representation:
//
//	{
//	    "id": "proj-3f0c...",
//	    "name": "payments",
//	    "root_dir": "/home/dev/src/payments",
//	    "execution": {"backend": "claude", "model": "sonnet", "timeout": 1200000000000},
//	    "created_at": "2026-10-01T10:00:00Z"
//	}
type Project struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	RootDir   string          `json:"root_dir"`
	Execution ExecutionConfig `json:"execution"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExecutionConfig holds per-project overrides for how chunks are executed and reviewed.
// Zero values fall back to the global configuration.
type ExecutionConfig struct {
	// Backend is the agent command run for this project (e.g. "claude").
	Backend string `json:"backend,omitempty"`

	// Model is passed to the execution backend with every prompt.
	Model string `json:"model,omitempty"`

	// Timeout bounds each chunk execution.
	Timeout time.Duration `json:"timeout,omitempty"`

	// MaxIterations limits agent turns per chunk.
	MaxIterations int `json:"max_iterations,omitempty"`

	// ReviewerMode selects the review backend model or mode.
	ReviewerMode string `json:"reviewer_mode,omitempty"`

	// BuildCommand is run after each chunk to validate the working tree.
	BuildCommand string `json:"build_command,omitempty"`

	// SkipBuild disables the build step of validation.
	SkipBuild bool `json:"skip_build,omitempty"`
}
