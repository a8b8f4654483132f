package cli

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/checkpoint"
	"github.com/mrz1836/chunkflow/internal/domain"
)

type projectAddOptions struct {
	model         string
	timeout       time.Duration
	maxIterations int
	reviewerModel string
	backend       string
	buildCommand  string
	skipBuild     bool
}

// AddProjectCommand adds the project command group to the root command.
func AddProjectCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  `A project is a git repository that specifications are executed against.`,
	}

	var opts projectAddOptions
	add := &cobra.Command{
		Use:   "add <name> [path]",
		Short: "Register a project directory",
		Long: `Register a project directory. The path defaults to the current directory
and must not be a system directory.

Examples:
  chunkflow project add shop ~/src/shop
  chunkflow project add shop . --build "go build ./..." --model opus`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 2 {
				path = args[1]
			}
			return runProjectAdd(cmd.Context(), cmd, cmd.OutOrStdout(), args[0], path, opts)
		},
	}
	add.Flags().StringVar(&opts.backend, "backend", "", "agent command for this project (default execution.command)")
	add.Flags().StringVar(&opts.model, "model", "", "execution model for this project")
	add.Flags().DurationVar(&opts.timeout, "timeout", 0, "chunk execution timeout for this project")
	add.Flags().IntVar(&opts.maxIterations, "max-iterations", 0, "agent turn limit per chunk")
	add.Flags().StringVar(&opts.reviewerModel, "reviewer-model", "", "review model for this project")
	add.Flags().StringVar(&opts.buildCommand, "build", "", "build command run after each chunk")
	add.Flags().BoolVar(&opts.skipBuild, "skip-build", false, "skip the build check for this project")

	list := &cobra.Command{
		Use:     "list",
		Short:   "List projects",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProjectList(cmd.Context(), cmd, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(add, list)
	root.AddCommand(cmd)
}

func runProjectAdd(ctx context.Context, cmd *cobra.Command, w io.Writer, name, path string, opts projectAddOptions) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve project path: %w", err)
	}
	if err := checkpoint.ValidateProjectPath(abs); err != nil {
		return err
	}

	p := &domain.Project{
		ID:      domain.NewID(domain.ProjectIDPrefix),
		Name:    name,
		RootDir: abs,
		Execution: domain.ExecutionConfig{
			Backend:       opts.backend,
			Model:         opts.model,
			Timeout:       opts.timeout,
			MaxIterations: opts.maxIterations,
			ReviewerMode:  opts.reviewerModel,
			BuildCommand:  opts.buildCommand,
			SkipBuild:     opts.skipBuild,
		},
	}
	if err := e.store.CreateProject(ctx, p); err != nil {
		return err
	}
	e.logger.Info().Str("project_id", p.ID).Str("root_dir", p.RootDir).Msg("project registered")

	if outputOf(cmd) == OutputJSON {
		return writeJSON(w, p)
	}
	_, _ = fmt.Fprintf(w, "Registered project %s (%s)\n  %s\n", p.Name, p.ID, p.RootDir)
	return nil
}

func runProjectList(ctx context.Context, cmd *cobra.Command, w io.Writer) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return err
	}

	if outputOf(cmd) == OutputJSON {
		if projects == nil {
			projects = []*domain.Project{}
		}
		return writeJSON(w, projects)
	}
	if len(projects) == 0 {
		_, _ = fmt.Fprintln(w, "No projects. Run 'chunkflow project add <name> [path]' to register one.")
		return nil
	}

	t := newTable(w,
		column{title: "ID", width: 41},
		column{title: "NAME", width: 16},
		column{title: "PATH"},
	)
	t.header()
	for _, p := range projects {
		t.row(p.ID, p.Name, p.RootDir)
	}
	return nil
}
