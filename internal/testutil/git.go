package testutil

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mrz1836/chunkflow/internal/git"
)

// Git runs a git command in dir and fails the test on error.
func Git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := git.RunCommand(context.Background(), dir, args...)
	require.NoError(t, err, "git %v", args)
	return out
}

// InitRepo creates a repository on main with one commit. The repository
// lives in its own subdirectory of a temp dir so sibling worktrees are
// cleaned up with it. Tests are skipped when git is unavailable.
func InitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	Git(t, dir, "init")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Git(t, dir, "config", "user.email", "test@chunkflow.local")
	Git(t, dir, "config", "user.name", "chunkflow test")
	Git(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0o600))
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "-m", "initial commit")
	return dir
}

// WriteFile writes content to name inside dir, creating parent directories.
func WriteFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// AddRemote creates a bare repository next to repo and registers it as origin.
func AddRemote(t *testing.T, repo string) string {
	t.Helper()
	remote := filepath.Join(filepath.Dir(repo), "remote.git")
	Git(t, filepath.Dir(repo), "init", "--bare", remote)
	Git(t, repo, "remote", "add", "origin", remote)
	return remote
}

// FakeHub is a git.HubRunner that records pull requests instead of calling gh.
type FakeHub struct {
	mu     sync.Mutex
	prs    []git.PRCreateOptions
	err    error
	merged bool
}

var _ git.HubRunner = (*FakeHub)(nil)

// SetError makes CreatePR fail with err.
func (h *FakeHub) SetError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.err = err
}

// SetMerged sets the merge state PRState reports.
func (h *FakeHub) SetMerged(merged bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.merged = merged
}

// PRs returns the pull requests created so far.
func (h *FakeHub) PRs() []git.PRCreateOptions {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]git.PRCreateOptions(nil), h.prs...)
}

// Factory returns a hub factory for checkpoint.WithHubFactory.
func (h *FakeHub) Factory() func(string) git.HubRunner {
	return func(string) git.HubRunner { return h }
}

// CreatePR implements git.HubRunner.
func (h *FakeHub) CreatePR(_ context.Context, opts git.PRCreateOptions) (*git.PRResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	h.prs = append(h.prs, opts)
	n := len(h.prs)
	return &git.PRResult{Number: n, URL: fmt.Sprintf("https://github.com/example/repo/pull/%d", n)}, nil
}

// PRState implements git.HubRunner.
func (h *FakeHub) PRState(context.Context, string) (*git.PRState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.merged {
		return &git.PRState{State: "MERGED", Merged: true}, nil
	}
	return &git.PRState{State: "OPEN"}, nil
}
