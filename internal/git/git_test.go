package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// setupTestRepo creates a repository on branch main with one commit.
func setupTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	ctx := context.Background()
	for _, args := range [][]string{
		{"init"},
		{"symbolic-ref", "HEAD", "refs/heads/main"},
		{"config", "user.email", "test@chunkflow.local"},
		{"config", "user.name", "chunkflow test"},
		{"config", "commit.gpgsign", "false"},
	} {
		_, err := RunCommand(ctx, dir, args...)
		require.NoError(t, err)
	}
	writeFile(t, dir, "README.md", "# test\n")
	_, err := RunCommand(ctx, dir, "add", "-A")
	require.NoError(t, err)
	_, err = RunCommand(ctx, dir, "commit", "-m", "initial commit")
	require.NoError(t, err)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestNewRunner_NotARepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	_, err := NewRunner(context.Background(), t.TempDir())
	require.ErrorIs(t, err, cferrors.ErrNotGitRepo)

	_, err = NewRunner(context.Background(), "")
	require.ErrorIs(t, err, cferrors.ErrEmptyValue)
}

func TestCLIRunner_CommitAndStatus(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)
	r, err := NewRunner(ctx, dir)
	require.NoError(t, err)

	writeFile(t, dir, "a.go", "package a\n")
	writeFile(t, dir, "pkg/b.go", "package pkg\n")

	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", status.Branch)
	assert.ElementsMatch(t, []string{"a.go", "pkg/b.go"}, status.Untracked)
	assert.False(t, status.IsClean())

	require.NoError(t, r.StageAll(ctx))
	require.NoError(t, r.Commit(ctx, "chunk 1: add files"))

	n, err := r.CommitFileCount(ctx, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hash, err := r.HeadCommit(ctx)
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	require.ErrorIs(t, r.Commit(ctx, "empty"), cferrors.ErrNothingToCommit)
}

func TestCLIRunner_ResetHardIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)
	r, err := NewRunner(ctx, dir)
	require.NoError(t, err)

	writeFile(t, dir, "README.md", "changed\n")
	writeFile(t, dir, "scratch/tmp.txt", "junk\n")

	require.NoError(t, r.ResetHard(ctx))
	status, err := r.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsClean())

	data, err := os.ReadFile(filepath.Join(dir, "README.md")) //nolint:gosec // test path
	require.NoError(t, err)
	assert.Equal(t, "# test\n", string(data))

	require.NoError(t, r.ResetHard(ctx))
	status, err = r.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.IsClean())
}

func TestCLIRunner_Branches(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)
	r, err := NewRunner(ctx, dir)
	require.NoError(t, err)

	exists, err := r.BranchExists(ctx, "chunkflow/auth")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, r.CreateBranch(ctx, "chunkflow/auth", ""))
	current, err := r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "chunkflow/auth", current)

	require.ErrorIs(t, r.CreateBranch(ctx, "chunkflow/auth", ""), cferrors.ErrBranchExists)

	writeFile(t, dir, "x.go", "package x\n")
	require.NoError(t, r.StageAll(ctx))
	require.NoError(t, r.Commit(ctx, "add x"))

	count, err := r.CommitCount(ctx, "main", "chunkflow/auth")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	files, err := r.ChangedFileCount(ctx, "main", "chunkflow/auth")
	require.NoError(t, err)
	assert.Equal(t, 1, files)

	require.NoError(t, r.Checkout(ctx, "main"))
	current, err = r.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", current)
}

func TestWorktreeManager_CreateListRemove(t *testing.T) {
	ctx := context.Background()
	dir := setupTestRepo(t)
	m, err := NewWorktreeManager(ctx, dir)
	require.NoError(t, err)

	wt, err := m.Create(ctx, "auth", "chunkflow/auth", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(m.RepoRoot())+"-auth", filepath.Base(wt.Path))
	t.Cleanup(func() { _ = os.RemoveAll(wt.Path) })

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "chunkflow/auth", list[1].Branch)

	require.ErrorIs(t, m.Remove(ctx, m.RepoRoot(), false), cferrors.ErrNotAWorktree)
	require.NoError(t, m.Remove(ctx, wt.Path, false))

	list, err = m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSanitizeBranchName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Add OAuth2 login!", "add-oauth2-login"},
		{"  --Weird__Name--  ", "weird-name"},
		{"UPPER case", "upper-case"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeBranchName(tt.in))
		})
	}
}

func TestGenerateBranchName(t *testing.T) {
	long := "Implement the entire payment reconciliation subsystem with retries"
	name := GenerateBranchName("chunkflow", long, 50)
	assert.LessOrEqual(t, len(name), len("chunkflow/")+50)
	assert.NotContains(t, name[len(name)-1:], "-")

	assert.Equal(t, "chunkflow/spec", GenerateBranchName("chunkflow", "???", 50))
	assert.Equal(t, "auth", GenerateBranchName("", "Auth", 50))
}

type fakeChecker map[string]bool

func (f fakeChecker) BranchExists(_ context.Context, name string) (bool, error) {
	return f[name], nil
}

func TestUniqueBranchName(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	name, err := UniqueBranchName(ctx, fakeChecker{}, "chunkflow/auth", now)
	require.NoError(t, err)
	assert.Equal(t, "chunkflow/auth", name)

	name, err = UniqueBranchName(ctx, fakeChecker{"chunkflow/auth": true}, "chunkflow/auth", now)
	require.NoError(t, err)
	assert.Equal(t, "chunkflow/auth-20260102-030405", name)

	_, err = UniqueBranchName(ctx, fakeChecker{"chunkflow/auth": true, "chunkflow/auth-20260102-030405": true}, "chunkflow/auth", now)
	require.ErrorIs(t, err, cferrors.ErrBranchExists)

	_, err = UniqueBranchName(ctx, fakeChecker{}, "my work/auth", now)
	require.ErrorIs(t, err, cferrors.ErrInvalidBranchName)
}

func TestValidateBranchName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"chunkflow/auth", true},
		{"feature/add-login-2", true},
		{"", false},
		{"-auth", false},
		{"/auth", false},
		{"chunkflow/", false},
		{"chunkflow//auth", false},
		{"auth.lock", false},
		{"auth.", false},
		{"a..b", false},
		{"a@{b", false},
		{"chunkflow/.hidden", false},
		{"my branch", false},
		{"fix:bug", false},
		{"what?", false},
		{"tab\tname", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBranchName(tt.name)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, cferrors.ErrInvalidBranchName)
		})
	}
}

func TestParseStatus(t *testing.T) {
	out := "## feature...origin/feature [ahead 2, behind 1]\nM  staged.go\n M unstaged.go\nR  old.go -> new.go\n?? new.txt\n"
	s := parseStatus(out)
	assert.Equal(t, "feature", s.Branch)
	assert.Equal(t, 2, s.Ahead)
	assert.Equal(t, 1, s.Behind)
	require.Len(t, s.Staged, 2)
	assert.Equal(t, "new.go", s.Staged[1].Path)
	assert.Equal(t, "old.go", s.Staged[1].OldPath)
	require.Len(t, s.Unstaged, 1)
	assert.Equal(t, []string{"new.txt"}, s.Untracked)
	assert.Len(t, s.ChangedFiles(), 4)
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /src/repo\nHEAD abc\nbranch refs/heads/main\n\nworktree /src/repo-auth\nHEAD def\nbranch refs/heads/chunkflow/auth\nprunable gitdir file points to non-existent location\n"
	list := parseWorktreeList(out)
	require.Len(t, list, 2)
	assert.Equal(t, "/src/repo-auth", list[1].Path)
	assert.Equal(t, "chunkflow/auth", list[1].Branch)
	assert.True(t, list[1].IsPrunable)
	assert.False(t, list[0].IsPrunable)
}

// mockCommandExecutor is a test double for CommandExecutor.
type mockCommandExecutor struct {
	executeFunc func(ctx context.Context, workDir, name string, args ...string) ([]byte, error)
	callCount   int
	lastArgs    []string
}

func (m *mockCommandExecutor) Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	m.callCount++
	m.lastArgs = args
	if m.executeFunc != nil {
		return m.executeFunc(ctx, workDir, name, args...)
	}
	return nil, cferrors.ErrCommandFailed
}

func TestCLIHubRunner_CreatePR(t *testing.T) {
	mock := &mockCommandExecutor{
		executeFunc: func(_ context.Context, _, _ string, _ ...string) ([]byte, error) {
			return []byte("Creating pull request...\nhttps://github.com/acme/repo/pull/42\n"), nil
		},
	}
	r := NewHubRunner("/repo", WithCommandExecutor(mock))

	res, err := r.CreatePR(context.Background(), PRCreateOptions{Title: "Auth", Body: "body", HeadBranch: "chunkflow/auth"})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Number)
	assert.Equal(t, "https://github.com/acme/repo/pull/42", res.URL)
	assert.Contains(t, mock.lastArgs, "main")
}

func TestCLIHubRunner_CreatePRIsNotRetried(t *testing.T) {
	mock := &mockCommandExecutor{
		executeFunc: func(_ context.Context, _, _ string, _ ...string) ([]byte, error) {
			return nil, errors.New("API rate limit exceeded") //nolint:err113 // test error
		},
	}
	r := NewHubRunner("/repo", WithCommandExecutor(mock))

	_, err := r.CreatePR(context.Background(), PRCreateOptions{Title: "Auth", HeadBranch: "b"})
	require.ErrorIs(t, err, cferrors.ErrGitHubOperation)
	assert.Contains(t, err.Error(), "rate_limit")
	assert.Equal(t, 1, mock.callCount)
}

func TestCLIHubRunner_PRState(t *testing.T) {
	tests := []struct {
		name   string
		output string
		merged bool
	}{
		{"merged", `{"state":"MERGED","mergedAt":"2026-01-02T03:04:05Z"}`, true},
		{"open", `{"state":"OPEN","mergedAt":""}`, false},
		{"closed", `{"state":"CLOSED","mergedAt":null}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockCommandExecutor{
				executeFunc: func(_ context.Context, _, _ string, _ ...string) ([]byte, error) {
					return []byte(tt.output), nil
				},
			}
			state, err := NewHubRunner("/repo", WithCommandExecutor(mock)).PRState(context.Background(), "42")
			require.NoError(t, err)
			assert.Equal(t, tt.merged, state.Merged)
		})
	}
}

func TestClassifyGHError(t *testing.T) {
	tests := []struct {
		err  error
		want PRErrorType
	}{
		{nil, PRErrorNone},
		{context.DeadlineExceeded, PRErrorNetwork},
		{errors.New("HTTP 401: Bad credentials"), PRErrorAuth},      //nolint:err113 // test error
		{errors.New("secondary rate limit hit"), PRErrorRateLimit}, //nolint:err113 // test error
		{errors.New("no pull requests found"), PRErrorNotFound},    //nolint:err113 // test error
		{errors.New("something odd"), PRErrorOther},                //nolint:err113 // test error
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyGHError(tt.err))
	}
}
