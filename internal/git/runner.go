package git

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mrz1836/chunkflow/internal/ctxutil"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// Runner defines the git operations performed in one working directory.
type Runner interface {
	// WorkDir returns the directory commands run in.
	WorkDir() string

	// Status returns the working tree status including untracked files.
	Status(ctx context.Context) (*Status, error)

	// StageAll stages every change, including deletions and untracked files.
	StageAll(ctx context.Context) error

	// Commit commits the staged changes. Returns ErrNothingToCommit when nothing is staged.
	Commit(ctx context.Context, message string) error

	// HeadCommit returns the full hash of HEAD.
	HeadCommit(ctx context.Context) (string, error)

	// CommitFileCount returns the number of files touched by the given commit.
	CommitFileCount(ctx context.Context, rev string) (int, error)

	// ResetHard discards all tracked and untracked changes, restoring HEAD.
	ResetHard(ctx context.Context) error

	// CurrentBranch returns the checked out branch name.
	CurrentBranch(ctx context.Context) (string, error)

	// CreateBranch creates a branch from base (HEAD when empty) and checks it out.
	CreateBranch(ctx context.Context, name, base string) error

	// Checkout switches to an existing branch.
	Checkout(ctx context.Context, name string) error

	// BranchExists checks if a local branch exists.
	BranchExists(ctx context.Context, name string) (bool, error)

	// Push pushes branch to remote, optionally setting upstream.
	Push(ctx context.Context, remote, branch string, setUpstream bool) error

	// CommitCount returns the number of commits reachable from head but not base.
	CommitCount(ctx context.Context, base, head string) (int, error)

	// ChangedFileCount returns the number of files that differ between base and head.
	ChangedFileCount(ctx context.Context, base, head string) (int, error)
}

// CLIRunner implements Runner using the git CLI.
type CLIRunner struct {
	workDir string
}

var _ Runner = (*CLIRunner)(nil)

// NewRunner creates a CLIRunner for workDir.
// Returns ErrNotGitRepo if the directory is not inside a git repository.
func NewRunner(ctx context.Context, workDir string) (*CLIRunner, error) {
	if workDir == "" {
		return nil, fmt.Errorf("work directory cannot be empty: %w", cferrors.ErrEmptyValue)
	}
	r := &CLIRunner{workDir: workDir}
	if _, err := r.run(ctx, "rev-parse", "--git-dir"); err != nil {
		return nil, fmt.Errorf("%w: %w", cferrors.ErrNotGitRepo, err)
	}
	return r, nil
}

// WorkDir returns the directory commands run in.
func (r *CLIRunner) WorkDir() string {
	return r.workDir
}

// Status returns the current working tree status.
func (r *CLIRunner) Status(ctx context.Context) (*Status, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	out, err := r.runRaw(ctx, "status", "--porcelain", "-uall", "--branch")
	if err != nil {
		return nil, fmt.Errorf("failed to get status: %w", err)
	}
	return parseStatus(out), nil
}

// StageAll stages all changes.
func (r *CLIRunner) StageAll(ctx context.Context) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}
	return nil
}

// Commit creates a commit with the given message.
func (r *CLIRunner) Commit(ctx context.Context, message string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if message == "" {
		return fmt.Errorf("commit message cannot be empty: %w", cferrors.ErrEmptyValue)
	}

	status, err := r.Status(ctx)
	if err != nil {
		return err
	}
	if len(status.Staged) == 0 {
		return cferrors.ErrNothingToCommit
	}

	if _, err := r.run(ctx, "commit", "-m", message, "--cleanup=strip"); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// HeadCommit returns the hash of HEAD.
func (r *CLIRunner) HeadCommit(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	return out, nil
}

// CommitFileCount returns the number of files touched by rev.
func (r *CLIRunner) CommitFileCount(ctx context.Context, rev string) (int, error) {
	out, err := r.run(ctx, "show", "--name-only", "--pretty=format:", rev)
	if err != nil {
		return 0, fmt.Errorf("failed to list files of %s: %w", rev, err)
	}
	return countLines(out), nil
}

// ResetHard restores the working tree to HEAD and removes untracked files.
// Calling it on a clean tree is a no-op.
func (r *CLIRunner) ResetHard(ctx context.Context) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if _, err := r.run(ctx, "reset", "--hard", "HEAD"); err != nil && !isMissingRef(err) {
		return fmt.Errorf("failed to reset: %w", err)
	}
	if _, err := r.run(ctx, "clean", "-fd"); err != nil {
		return fmt.Errorf("failed to clean untracked files: %w", err)
	}
	return nil
}

// CurrentBranch returns the name of the currently checked out branch.
func (r *CLIRunner) CurrentBranch(ctx context.Context) (string, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}
	out, err := r.run(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to get current branch (detached HEAD?): %w", err)
	}
	return out, nil
}

// CreateBranch creates a new branch from base and checks it out.
func (r *CLIRunner) CreateBranch(ctx context.Context, name, base string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("branch name cannot be empty: %w", cferrors.ErrEmptyValue)
	}

	exists, err := r.BranchExists(ctx, name)
	if err != nil {
		return fmt.Errorf("checking branch existence: %w", err)
	}
	if exists {
		return fmt.Errorf("branch '%s' already exists: %w", name, cferrors.ErrBranchExists)
	}

	args := []string{"checkout", "-b", name}
	if base != "" {
		args = append(args, base)
	}
	if _, err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to create branch '%s': %w", name, err)
	}
	return nil
}

// Checkout switches to an existing branch.
func (r *CLIRunner) Checkout(ctx context.Context, name string) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	if _, err := r.run(ctx, "checkout", name); err != nil {
		return fmt.Errorf("failed to checkout '%s': %w", name, err)
	}
	return nil
}

// BranchExists checks if a branch exists in the repository.
func (r *CLIRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return false, err
	}
	if _, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name); err != nil {
		if isMissingRef(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check branch existence: %w", err)
	}
	return true, nil
}

// Push pushes a branch to remote.
func (r *CLIRunner) Push(ctx context.Context, remote, branch string, setUpstream bool) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	args := []string{"push"}
	if setUpstream {
		args = append(args, "--set-upstream")
	}
	args = append(args, remote, branch)
	if _, err := r.run(ctx, args...); err != nil {
		return fmt.Errorf("failed to push: %w", err)
	}
	return nil
}

// CommitCount returns the number of commits in base..head.
func (r *CLIRunner) CommitCount(ctx context.Context, base, head string) (int, error) {
	out, err := r.run(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, fmt.Errorf("failed to count commits: %w", err)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, fmt.Errorf("unexpected rev-list output %q: %w", out, cferrors.ErrGitOperation)
	}
	return n, nil
}

// ChangedFileCount returns the number of files that differ in base...head.
func (r *CLIRunner) ChangedFileCount(ctx context.Context, base, head string) (int, error) {
	out, err := r.run(ctx, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return 0, fmt.Errorf("failed to diff %s...%s: %w", base, head, err)
	}
	return countLines(out), nil
}

func (r *CLIRunner) run(ctx context.Context, args ...string) (string, error) {
	return RunCommand(ctx, r.workDir, args...)
}

// runRaw is run without losing the significant leading spaces of the first line.
func (r *CLIRunner) runRaw(ctx context.Context, args ...string) (string, error) {
	return runCommandUntrimmed(ctx, r.workDir, args...)
}

func countLines(out string) int {
	n := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}
