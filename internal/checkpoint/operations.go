package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/git"
)

// CommitResult is the outcome of checkpointing one chunk.
type CommitResult struct {
	Hash         string
	FilesChanged int
}

// PRStats summarizes the specification branch for the pull request body.
type PRStats struct {
	ChunksPassed int
	Commits      int
	FilesChanged int
}

// CommitMessage returns the commit message of a chunk.
func CommitMessage(chunk *domain.Chunk) string {
	return fmt.Sprintf("chunk %d: %s", chunk.Order+1, chunk.Title)
}

// CommitChunk stages every change and commits it as the given chunk.
// Returns ErrNothingToCommit when the working tree is clean.
func (w *Workflow) CommitChunk(ctx context.Context, state *State, chunk *domain.Chunk) (*CommitResult, error) {
	if !state.Active() {
		return nil, fmt.Errorf("checkpointing disabled: %w", cferrors.ErrNotGitRepo)
	}
	if err := state.runner.StageAll(ctx); err != nil {
		return nil, err
	}
	if err := state.runner.Commit(ctx, CommitMessage(chunk)); err != nil {
		return nil, err
	}

	hash, err := state.runner.HeadCommit(ctx)
	if err != nil {
		return nil, err
	}
	files, err := state.runner.CommitFileCount(ctx, hash)
	if err != nil {
		w.logger.Warn().Err(err).Str("commit", hash).Msg("could not count committed files")
	}

	w.logger.Info().
		Str("chunk_id", chunk.ID).
		Str("commit", hash).
		Int("files_changed", files).
		Msg("chunk committed")
	return &CommitResult{Hash: hash, FilesChanged: files}, nil
}

// ResetHard discards every uncommitted change in the work directory.
// It is a no-op when checkpointing is disabled or the tree is already clean.
func (w *Workflow) ResetHard(ctx context.Context, state *State) error {
	if !state.Active() {
		return nil
	}
	if err := state.runner.ResetHard(ctx); err != nil {
		return err
	}
	w.logger.Debug().Str("work_dir", state.WorkDir).Msg("working tree reset")
	return nil
}

// PushAndCreatePR pushes the specification branch and opens a pull request.
// Callers invoke it only after the final review passed.
func (w *Workflow) PushAndCreatePR(ctx context.Context, state *State, spec *domain.Specification, passedChunks int) (*git.PRResult, error) {
	if !state.Active() {
		return nil, fmt.Errorf("cannot open pull request without a branch: %w", cferrors.ErrNotGitRepo)
	}

	if err := state.runner.Push(ctx, w.opts.Remote, state.Branch, true); err != nil {
		return nil, err
	}

	base := w.baseBranch(state)
	stats := w.collectStats(ctx, state, base)
	stats.ChunksPassed = passedChunks

	pr, err := w.newHub(state.WorkDir).CreatePR(ctx, git.PRCreateOptions{
		Title:      spec.Title,
		Body:       BuildPRBody(spec, stats),
		BaseBranch: base,
		HeadBranch: state.Branch,
		Draft:      w.opts.DraftPR,
	})
	if err != nil {
		return nil, err
	}

	spec.Git.PRURL = pr.URL
	spec.Git.PRNumber = pr.Number
	if w.store != nil {
		if err := w.store.UpdateSpec(ctx, spec); err != nil {
			w.logger.Warn().Err(err).Str("pr_url", pr.URL).Msg("failed to record pull request")
		}
	}
	return pr, nil
}

func (w *Workflow) baseBranch(state *State) string {
	switch {
	case w.opts.BaseBranch != "":
		return w.opts.BaseBranch
	case state.OriginalBranch != "" && state.OriginalBranch != state.Branch:
		return state.OriginalBranch
	default:
		return "main"
	}
}

// collectStats counts commits and changed files between base and the branch.
// Failures are logged and leave the corresponding count at zero.
func (w *Workflow) collectStats(ctx context.Context, state *State, base string) PRStats {
	var stats PRStats
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := state.runner.CommitCount(gctx, base, state.Branch)
		if err != nil {
			w.logger.Warn().Err(err).Msg("could not count branch commits")
			return nil
		}
		stats.Commits = n
		return nil
	})
	g.Go(func() error {
		n, err := state.runner.ChangedFileCount(gctx, base, state.Branch)
		if err != nil {
			w.logger.Warn().Err(err).Msg("could not count changed files")
			return nil
		}
		stats.FilesChanged = n
		return nil
	})
	_ = g.Wait()
	return stats
}

// BuildPRBody renders the pull request body: a specification excerpt and run stats.
func BuildPRBody(spec *domain.Specification, stats PRStats) string {
	caser := cases.Title(language.English)

	var b strings.Builder
	b.WriteString("## ")
	b.WriteString(caser.String(spec.Title))
	b.WriteString("\n\n")
	b.WriteString(excerpt(spec.Content, constants.PRBodyExcerptLength))
	b.WriteString("\n\n## Stats\n\n")
	b.WriteString("- Chunks passed: " + strconv.Itoa(stats.ChunksPassed) + "\n")
	b.WriteString("- Commits: " + strconv.Itoa(stats.Commits) + "\n")
	b.WriteString("- Files changed: " + strconv.Itoa(stats.FilesChanged) + "\n")
	return b.String()
}

func excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit])) + "..."
}

// Cleanup ends a run. Worktrees are preserved for inspection; in branch mode
// uncommitted changes are discarded and the original branch is checked out again.
func (w *Workflow) Cleanup(ctx context.Context, state *State) error {
	if !state.Active() {
		return nil
	}
	defer func() { state.Mode = ModeCleaned }()

	if state.Mode == ModeWorktree {
		w.logger.Info().Str("worktree", state.WorktreePath).Msg("worktree preserved")
		return nil
	}
	if state.OriginalBranch == "" || state.OriginalBranch == state.Branch {
		return nil
	}
	// Uncommitted edits would follow the checkout onto the original branch.
	if err := state.runner.ResetHard(ctx); err != nil {
		return fmt.Errorf("failed to reset before restoring branch '%s': %w", state.OriginalBranch, err)
	}
	if err := state.runner.Checkout(ctx, state.OriginalBranch); err != nil {
		return fmt.Errorf("failed to restore branch '%s': %w", state.OriginalBranch, err)
	}
	return nil
}

// RemoveWorktree removes the specification's worktree once its pull request
// is confirmed merged, then records the merge on the specification.
func (w *Workflow) RemoveWorktree(ctx context.Context, project *domain.Project, spec *domain.Specification) error {
	if spec.Git.WorktreePath == "" {
		return fmt.Errorf("specification '%s' has no worktree: %w", spec.ID, cferrors.ErrNotAWorktree)
	}
	ref := spec.Git.PRURL
	if ref == "" && spec.Git.PRNumber > 0 {
		ref = strconv.Itoa(spec.Git.PRNumber)
	}
	if ref == "" {
		return fmt.Errorf("specification '%s' has no pull request: %w", spec.ID, cferrors.ErrPRNotMerged)
	}

	prState, err := w.newHub(project.RootDir).PRState(ctx, ref)
	if err != nil {
		return err
	}
	if !prState.Merged {
		return fmt.Errorf("pull request %s is %s: %w", ref, prState.State, cferrors.ErrPRNotMerged)
	}

	mgr, err := git.NewWorktreeManager(ctx, project.RootDir)
	if err != nil {
		return err
	}
	if err := mgr.Remove(ctx, spec.Git.WorktreePath, false); err != nil {
		return err
	}
	w.logger.Info().Str("spec_id", spec.ID).Str("worktree", spec.Git.WorktreePath).Msg("worktree removed")

	spec.Git.PRMerged = true
	spec.Git.WorktreePath = ""
	if w.store == nil {
		return nil
	}
	return w.store.UpdateSpec(ctx, spec)
}
