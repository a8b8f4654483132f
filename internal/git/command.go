// Package git provides the git and gh command surface chunkflow needs:
// repository queries, branch and worktree management, staging, commits,
// hard resets, pushes and pull request creation.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// RunCommand executes a git command in the specified directory and returns its
// trimmed stdout. Errors wrap ErrGitOperation and include stderr.
func RunCommand(ctx context.Context, workDir string, args ...string) (string, error) {
	out, err := runCommandUntrimmed(ctx, workDir, args...)
	return strings.TrimSpace(out), err
}

// runCommandUntrimmed returns stdout as written, for porcelain formats whose
// leading columns are significant.
func runCommandUntrimmed(ctx context.Context, workDir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //#nosec G204 -- args are constructed internally, not user input
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if stderr.Len() > 0 {
			return "", fmt.Errorf("git %s failed: %s: %w", args[0], strings.TrimSpace(stderr.String()), cferrors.ErrGitOperation)
		}
		return "", fmt.Errorf("git %s failed: %w: %w", args[0], err, cferrors.ErrGitOperation)
	}

	return stdout.String(), nil
}

// IsRepository reports whether dir is inside a git work tree.
func IsRepository(ctx context.Context, dir string) bool {
	out, err := RunCommand(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// RepoRoot returns the top-level directory of the repository containing dir.
func RepoRoot(ctx context.Context, dir string) (string, error) {
	out, err := RunCommand(ctx, dir, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %w", cferrors.ErrNotGitRepo, err)
	}
	return out, nil
}

// isMissingRef reports whether a git error means a ref does not exist.
func isMissingRef(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "exit status 1") ||
		strings.Contains(msg, "not a valid ref") ||
		strings.Contains(msg, "unknown revision") ||
		strings.Contains(msg, "ambiguous argument")
}
