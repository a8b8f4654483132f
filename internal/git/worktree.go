package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mrz1836/chunkflow/internal/ctxutil"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// maxPathRetries is the number of numeric suffixes tried before a timestamp.
const maxPathRetries = 100

// WorktreeInfo describes one entry of `git worktree list`.
type WorktreeInfo struct {
	Path       string
	Branch     string
	HeadCommit string
	IsPrunable bool
	IsLocked   bool
}

// WorktreeManager creates and removes worktrees of one repository.
type WorktreeManager struct {
	repoRoot string
}

// NewWorktreeManager resolves the repository root of path.
func NewWorktreeManager(ctx context.Context, path string) (*WorktreeManager, error) {
	root, err := RepoRoot(ctx, path)
	if err != nil {
		return nil, err
	}
	return &WorktreeManager{repoRoot: root}, nil
}

// RepoRoot returns the main repository directory.
func (m *WorktreeManager) RepoRoot() string {
	return m.repoRoot
}

// Create adds a worktree as a sibling of the repository on a new branch.
// The directory is named "<repo>-<name>", with a numeric suffix if taken.
// On failure any partially created directory is removed.
func (m *WorktreeManager) Create(ctx context.Context, name, branch, base string) (*WorktreeInfo, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	if name == "" || branch == "" {
		return nil, fmt.Errorf("worktree name and branch are required: %w", cferrors.ErrEmptyValue)
	}

	path, err := ensureUniquePath(siblingPath(m.repoRoot, name))
	if err != nil {
		return nil, err
	}

	args := []string{"worktree", "add", path, "-b", branch}
	if base != "" {
		args = append(args, base)
	}
	if _, err := RunCommand(ctx, m.repoRoot, args...); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("failed to create worktree: %w", err)
	}

	return &WorktreeInfo{Path: path, Branch: branch}, nil
}

// Attach adds a worktree for an existing branch that is not checked out elsewhere.
func (m *WorktreeManager) Attach(ctx context.Context, name, branch string) (*WorktreeInfo, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	path, err := ensureUniquePath(siblingPath(m.repoRoot, name))
	if err != nil {
		return nil, err
	}
	if _, err := RunCommand(ctx, m.repoRoot, "worktree", "add", path, branch); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("failed to attach worktree to '%s': %w", branch, err)
	}
	return &WorktreeInfo{Path: path, Branch: branch}, nil
}

// List returns all worktrees of the repository, the main one first.
func (m *WorktreeManager) List(ctx context.Context) ([]*WorktreeInfo, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}
	out, err := RunCommand(ctx, m.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}
	return parseWorktreeList(out), nil
}

// Remove removes a worktree. The main repository is never removed.
func (m *WorktreeManager) Remove(ctx context.Context, path string, force bool) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if abs == m.repoRoot {
		return fmt.Errorf("'%s' is the main repository: %w", path, cferrors.ErrNotAWorktree)
	}

	args := []string{"worktree", "remove", abs}
	if force {
		args = append(args, "--force")
	}
	if _, err := RunCommand(ctx, m.repoRoot, args...); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "is not a working tree") || strings.Contains(msg, "is a main working tree") {
			return fmt.Errorf("'%s': %w", path, cferrors.ErrNotAWorktree)
		}
		return fmt.Errorf("failed to remove worktree: %w", err)
	}
	return nil
}

// siblingPath returns /path/to/repo-<name> for a repository at /path/to/repo.
func siblingPath(repoRoot, name string) string {
	return filepath.Join(filepath.Dir(repoRoot), filepath.Base(repoRoot)+"-"+name)
}

// ensureUniquePath appends -2, -3, ... (then a unix timestamp) until the path is free.
func ensureUniquePath(basePath string) (string, error) {
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath, nil
	}
	for i := 2; i < maxPathRetries; i++ {
		path := fmt.Sprintf("%s-%d", basePath, i)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		}
	}
	path := fmt.Sprintf("%s-%d", basePath, time.Now().Unix())
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	return "", fmt.Errorf("path '%s' and all variants already exist: %w", basePath, cferrors.ErrWorktreeExists)
}

func parseWorktreeList(output string) []*WorktreeInfo {
	var worktrees []*WorktreeInfo
	var current *WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, current)
			}
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
		case strings.HasPrefix(line, "HEAD "):
			current.HeadCommit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(line, "branch refs/heads/")
		case line == "prunable" || strings.HasPrefix(line, "prunable "):
			current.IsPrunable = true
		case strings.HasPrefix(line, "locked"):
			current.IsLocked = true
		}
	}
	if current != nil {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
