package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// AddWorktreeCommand adds the worktree command group to the root command.
func AddWorktreeCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage specification worktrees",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <spec-id>",
		Short: "Remove the worktree of a merged specification",
		Long: `Remove the sibling worktree a specification ran in. The pull request must
be merged; its state is checked with the GitHub CLI (gh).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorktreeRemove(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	})
	root.AddCommand(cmd)
}

func runWorktreeRemove(ctx context.Context, w io.Writer, specID string) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	spec, err := e.store.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	project, err := e.store.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return err
	}

	path := spec.Git.WorktreePath
	if err := newWorkflow(e).RemoveWorktree(ctx, project, spec); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "Removed worktree %s\n", path)
	return nil
}
