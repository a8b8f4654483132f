// Package errors provides centralized error handling for chunkflow.
//
// This package defines sentinel errors used for programmatic error categorization
// throughout the application. All error types can be checked using errors.Is().
//
// IMPORTANT: This package MUST NOT import any other internal packages.
// Only standard library imports are allowed.
package errors

import "errors"

// Sentinel errors for error categorization.
// These allow callers to check error types with errors.Is().
// All errors use lowercase descriptions per Go conventions.
var (
	// ErrExecutionFailed indicates the execution backend crashed, was unavailable,
	// or reported an error for a chunk.
	ErrExecutionFailed = errors.New("execution failed")

	// ErrBackendUnavailable indicates the execution backend failed its health check.
	ErrBackendUnavailable = errors.New("execution backend unavailable")

	// ErrSessionNotFound indicates an operation referenced an unknown backend session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAborted indicates the run was aborted by the user.
	ErrAborted = errors.New("aborted")

	// ErrReviewFailed indicates the review backend call itself failed
	// (as opposed to rendering a fail verdict).
	ErrReviewFailed = errors.New("review backend failed")

	// ErrVerdictParse indicates the review backend output could not be parsed
	// into a verdict. Unparseable output is never treated as a pass.
	ErrVerdictParse = errors.New("unable to parse review verdict")

	// ErrRateLimited indicates the review backend rejected the call due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrCommandFailed indicates that a command execution failed.
	ErrCommandFailed = errors.New("command failed")

	// ErrGitOperation indicates that a git command failed.
	ErrGitOperation = errors.New("git operation failed")

	// ErrGitHubOperation indicates that a gh CLI operation (PR create/view) failed.
	ErrGitHubOperation = errors.New("github operation failed")

	// ErrNotGitRepo indicates the path is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNothingToCommit indicates a commit was requested with a clean working tree.
	ErrNothingToCommit = errors.New("no changes to commit")

	// ErrBranchExists indicates the branch already exists.
	ErrBranchExists = errors.New("branch already exists")

	// ErrInvalidBranchName indicates a branch name is not a valid git ref name.
	ErrInvalidBranchName = errors.New("invalid branch name")

	// ErrWorktreeExists indicates the worktree path already exists.
	ErrWorktreeExists = errors.New("worktree already exists")

	// ErrNotAWorktree indicates the path is not a valid git worktree.
	ErrNotAWorktree = errors.New("not a git worktree")

	// ErrPRNotMerged indicates worktree removal was requested before its PR merged.
	ErrPRNotMerged = errors.New("pull request not merged")

	// ErrUnsafePath indicates a project path failed safety validation.
	ErrUnsafePath = errors.New("unsafe project path")

	// ErrInvalidDependency indicates a chunk dependency set is dangling, self-referential or cyclic.
	ErrInvalidDependency = errors.New("invalid chunk dependency")

	// ErrInvalidTransition indicates an attempt to make an invalid state transition.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAlreadyRunning indicates the specification already has an active execution.
	ErrAlreadyRunning = errors.New("specification already running")

	// ErrPoolAtCapacity indicates the worker pool has no free slot.
	ErrPoolAtCapacity = errors.New("worker pool at capacity")

	// ErrPoolClosed indicates the worker pool has been shut down.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates an attempt to create an entity that already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrStoreCorrupted indicates a persisted entity file could not be decoded.
	ErrStoreCorrupted = errors.New("store data corrupted")

	// ErrLockTimeout indicates a file lock could not be acquired within the timeout period.
	ErrLockTimeout = errors.New("lock acquisition timeout")

	// ErrPathTraversal indicates an attempt to use path traversal in an identifier.
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrConfigNil indicates that a nil config was passed to validation.
	ErrConfigNil = errors.New("config is nil")

	// ErrValueOutOfRange indicates that a value is outside the allowed range.
	ErrValueOutOfRange = errors.New("value out of range")

	// ErrEmptyValue indicates that a required value was empty.
	ErrEmptyValue = errors.New("value cannot be empty")

	// ErrInvalidOutputFormat indicates an invalid output format was specified.
	ErrInvalidOutputFormat = errors.New("invalid output format")

	// ErrInvalidPlan indicates a plan file could not be imported.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrServerUnreachable indicates no 'chunkflow serve' process answered on the
	// configured control address.
	ErrServerUnreachable = errors.New("control server unreachable")

	// ErrControlRequest indicates the control server rejected a request.
	ErrControlRequest = errors.New("control request failed")
)
