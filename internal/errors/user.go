package errors

import "errors"

// ErrorInfo holds user-facing message and suggested action for an error.
type ErrorInfo struct {
	// Message is the user-friendly error description.
	Message string
	// Action is a suggested action to resolve the issue (empty if none).
	Action string
}

type errorEntry struct {
	err  error
	info ErrorInfo
}

// errorInfoEntries maps sentinel errors to their user-facing messages.
// A slice (not a map) because wrapped errors need errors.Is() traversal in order.
//
//nolint:gochecknoglobals // Pre-built mapping
var errorInfoEntries = []errorEntry{
	{
		err: ErrBackendUnavailable,
		info: ErrorInfo{
			Message: "The execution backend is not reachable.",
			Action:  "Check that the agent CLI is installed and on PATH (execution.command in config).",
		},
	},
	{
		err: ErrAlreadyRunning,
		info: ErrorInfo{
			Message: "This specification is already being executed.",
			Action:  "Run 'chunkflow workers' to see active runs, or 'chunkflow abort <spec-id>'.",
		},
	},
	{
		err: ErrPoolAtCapacity,
		info: ErrorInfo{
			Message: "All worker slots are busy; the specification was queued.",
			Action:  "Raise pool.max_workers or wait for a running specification to finish.",
		},
	},
	{
		err: ErrInvalidDependency,
		info: ErrorInfo{
			Message: "The chunk dependency graph is invalid (cycle, self-reference or unknown chunk).",
			Action:  "Fix the depends_on entries in the plan file and import it again.",
		},
	},
	{
		err: ErrInvalidBranchName,
		info: ErrorInfo{
			Message: "The generated branch name is not a valid git branch name.",
			Action:  "Set git.branch_prefix to plain characters such as 'chunkflow'.",
		},
	},
	{
		err: ErrNotGitRepo,
		info: ErrorInfo{
			Message: "The project directory is not a git repository; checkpointing is disabled.",
			Action:  "Run 'git init' in the project root to enable commits and rollback.",
		},
	},
	{
		err: ErrUnsafePath,
		info: ErrorInfo{
			Message: "The project path is not safe to operate on.",
			Action:  "Use an absolute path to a project directory (not / or your home directory).",
		},
	},
	{
		err: ErrPRNotMerged,
		info: ErrorInfo{
			Message: "The pull request for this specification has not been merged yet.",
			Action:  "Merge the pull request before removing its worktree.",
		},
	},
	{
		err: ErrNotFound,
		info: ErrorInfo{
			Message: "The requested item does not exist.",
			Action:  "Check the id with the matching list command.",
		},
	},
	{
		err: ErrLockTimeout,
		info: ErrorInfo{
			Message: "Another chunkflow process is holding the store lock.",
			Action:  "Wait for the other process to finish, then retry.",
		},
	},
	{
		err: ErrConfigNil,
		info: ErrorInfo{
			Message: "Configuration could not be loaded.",
		},
	},
}

// UserMessage returns a user-friendly message for common errors.
// For unrecognized errors, it returns the error's original message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return getErrorInfo(err).Message
}

// Actionable returns a user-friendly error message along with a suggested
// action. The action is empty when no clear remedy exists.
func Actionable(err error) (message, action string) {
	if err == nil {
		return "", ""
	}
	info := getErrorInfo(err)
	return info.Message, info.Action
}

func getErrorInfo(err error) ErrorInfo {
	for _, entry := range errorInfoEntries {
		if errors.Is(err, entry.err) {
			return entry.info
		}
	}
	return ErrorInfo{Message: err.Error()}
}
