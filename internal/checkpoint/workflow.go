// Package checkpoint isolates a specification's work in a dedicated worktree
// or branch, commits after every accepted chunk, rolls the working tree back
// after rejected ones and opens the pull request once the whole
// specification passed its final review.
package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	"github.com/mrz1836/chunkflow/internal/git"
)

// Mode is the checkpointing mode of one specification run.
type Mode string

// Checkpoint modes.
const (
	// ModeDisabled means the project is not a repository or its path failed validation.
	ModeDisabled Mode = "disabled"
	// ModeWorktree means work happens in an isolated sibling worktree.
	ModeWorktree Mode = "worktree"
	// ModeBranch means work happens on a dedicated branch in the project directory.
	ModeBranch Mode = "branch"
	// ModeCleaned means Cleanup has run.
	ModeCleaned Mode = "cleaned"
)

// State is the checkpoint state of one specification run.
type State struct {
	Mode           Mode
	ProjectDir     string
	WorkDir        string
	Branch         string
	OriginalBranch string
	WorktreePath   string

	runner git.Runner
}

// Active reports whether commits and resets are performed.
func (s *State) Active() bool {
	return s != nil && s.runner != nil && (s.Mode == ModeWorktree || s.Mode == ModeBranch)
}

// Runner returns the git runner bound to the work directory, or nil when inactive.
func (s *State) Runner() git.Runner {
	if !s.Active() {
		return nil
	}
	return s.runner
}

// SpecUpdater persists specification changes.
type SpecUpdater interface {
	UpdateSpec(ctx context.Context, spec *domain.Specification) error
}

// Options configures a Workflow.
type Options struct {
	// BranchPrefix prefixes generated branch names.
	BranchPrefix string
	// Remote is the remote branches are pushed to.
	Remote string
	// BaseBranch is the PR base. Empty means the branch checked out before the run.
	BaseBranch string
	// UseWorktrees tries a sibling worktree before falling back to a branch.
	UseWorktrees bool
	// DraftPR opens pull requests as drafts.
	DraftPR bool
}

// DefaultOptions returns the default workflow options.
func DefaultOptions() Options {
	return Options{
		BranchPrefix: constants.DefaultBranchPrefix,
		Remote:       constants.DefaultRemote,
		UseWorktrees: true,
	}
}

// Workflow performs the git side of specification runs.
type Workflow struct {
	store  SpecUpdater
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
	newHub func(workDir string) git.HubRunner
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithHubFactory replaces how GitHub runners are created.
func WithHubFactory(fn func(workDir string) git.HubRunner) Option {
	return func(w *Workflow) {
		w.newHub = fn
	}
}

// WithClock sets the time source used for branch name suffixes.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		w.now = now
	}
}

// New creates a Workflow persisting git fields through store.
func New(store SpecUpdater, opts Options, options ...Option) *Workflow {
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = constants.DefaultBranchPrefix
	}
	if opts.Remote == "" {
		opts.Remote = constants.DefaultRemote
	}
	w := &Workflow{
		store:  store,
		opts:   opts,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	w.newHub = func(workDir string) git.HubRunner {
		return git.NewHubRunner(workDir, git.WithHubLogger(w.logger))
	}
	for _, o := range options {
		o(w)
	}
	return w
}

// Init prepares the working directory of a specification run.
//
// A project path failing validation yields a disabled state and the
// validation error; a directory outside any repository yields a disabled
// state and no error. Otherwise an existing worktree recorded on the
// specification is reused, a new worktree is attempted, and on failure the
// branch is created or checked out in the project directory. The chosen
// branch and worktree path are persisted on the specification.
func (w *Workflow) Init(ctx context.Context, project *domain.Project, spec *domain.Specification) (*State, error) {
	disabled := &State{Mode: ModeDisabled, ProjectDir: project.RootDir, WorkDir: project.RootDir}
	log := w.logger.With().Str("spec_id", spec.ID).Str("project_dir", project.RootDir).Logger()

	if err := ValidateProjectPath(project.RootDir); err != nil {
		return disabled, err
	}
	if !git.IsRepository(ctx, project.RootDir) {
		log.Info().Msg("project is not a git repository, checkpointing disabled")
		return disabled, nil
	}

	runner, err := git.NewRunner(ctx, project.RootDir)
	if err != nil {
		return disabled, err
	}

	original := spec.Git.OriginalBranch
	if original == "" {
		if original, err = runner.CurrentBranch(ctx); err != nil {
			log.Warn().Err(err).Msg("could not determine original branch")
		}
	}

	if state := w.reuseWorktree(ctx, spec, original); state != nil {
		state.ProjectDir = project.RootDir
		log.Info().Str("worktree", state.WorktreePath).Msg("reusing worktree")
		return state, w.persist(ctx, spec, state)
	}

	branch := spec.Git.BranchName
	if branch == "" {
		base := git.GenerateBranchName(w.opts.BranchPrefix, spec.Title, constants.MaxBranchSlugLength)
		if branch, err = git.UniqueBranchName(ctx, runner, base, w.now()); err != nil {
			return disabled, err
		}
	}
	exists, err := runner.BranchExists(ctx, branch)
	if err != nil {
		return disabled, err
	}

	if w.opts.UseWorktrees {
		state, err := w.createWorktree(ctx, project.RootDir, branch, exists)
		if err == nil {
			state.ProjectDir = project.RootDir
			state.OriginalBranch = original
			log.Info().Str("branch", branch).Str("worktree", state.WorktreePath).Msg("created worktree")
			return state, w.persist(ctx, spec, state)
		}
		log.Warn().Err(err).Str("branch", branch).Msg("worktree creation failed, falling back to branch")
	}

	if exists {
		err = runner.Checkout(ctx, branch)
	} else {
		err = runner.CreateBranch(ctx, branch, "")
	}
	if err != nil {
		return disabled, fmt.Errorf("failed to prepare branch '%s': %w", branch, err)
	}

	state := &State{
		Mode:           ModeBranch,
		ProjectDir:     project.RootDir,
		WorkDir:        project.RootDir,
		Branch:         branch,
		OriginalBranch: original,
		runner:         runner,
	}
	log.Info().Str("branch", branch).Msg("checked out specification branch")
	return state, w.persist(ctx, spec, state)
}

func (w *Workflow) reuseWorktree(ctx context.Context, spec *domain.Specification, original string) *State {
	wtPath := spec.Git.WorktreePath
	if wtPath == "" {
		return nil
	}
	if info, err := os.Stat(wtPath); err != nil || !info.IsDir() {
		return nil
	}
	runner, err := git.NewRunner(ctx, wtPath)
	if err != nil {
		w.logger.Warn().Err(err).Str("worktree", wtPath).Msg("recorded worktree is not usable")
		return nil
	}
	branch := spec.Git.BranchName
	if current, err := runner.CurrentBranch(ctx); err == nil {
		branch = current
	}
	return &State{
		Mode:           ModeWorktree,
		WorkDir:        wtPath,
		WorktreePath:   wtPath,
		Branch:         branch,
		OriginalBranch: original,
		runner:         runner,
	}
}

func (w *Workflow) createWorktree(ctx context.Context, projectDir, branch string, exists bool) (*State, error) {
	mgr, err := git.NewWorktreeManager(ctx, projectDir)
	if err != nil {
		return nil, err
	}

	name := path.Base(branch)
	var wt *git.WorktreeInfo
	if exists {
		wt, err = mgr.Attach(ctx, name, branch)
	} else {
		wt, err = mgr.Create(ctx, name, branch, "")
	}
	if err != nil {
		return nil, err
	}

	runner, err := git.NewRunner(ctx, wt.Path)
	if err != nil {
		return nil, err
	}
	return &State{
		Mode:         ModeWorktree,
		WorkDir:      wt.Path,
		WorktreePath: wt.Path,
		Branch:       branch,
		runner:       runner,
	}, nil
}

func (w *Workflow) persist(ctx context.Context, spec *domain.Specification, state *State) error {
	spec.Git.BranchName = state.Branch
	spec.Git.OriginalBranch = state.OriginalBranch
	spec.Git.WorktreePath = state.WorktreePath
	if w.store == nil {
		return nil
	}
	if err := w.store.UpdateSpec(ctx, spec); err != nil {
		return fmt.Errorf("failed to persist git state: %w", err)
	}
	return nil
}
