package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/domain"
	"github.com/mrz1836/chunkflow/internal/errors"
)

// AddSpecCommand adds the spec command group to the root command.
func AddSpecCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:     "spec",
		Short:   "Manage specifications",
		Aliases: []string{"specs"},
	}

	var title, file string
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Create a specification from a file",
		Long: `Create a draft specification. The content is read from --file, or from
standard input when --file is "-".

Examples:
  chunkflow spec add proj-… --title "Order export" --file docs/export.md
  cat export.md | chunkflow spec add proj-… --title "Order export" --file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpecAdd(cmd.Context(), cmd, args[0], title, file)
		},
	}
	add.Flags().StringVar(&title, "title", "", "specification title")
	add.Flags().StringVarP(&file, "file", "f", "", "content file, or - for stdin")
	_ = add.MarkFlagRequired("title")
	_ = add.MarkFlagRequired("file")

	var project string
	list := &cobra.Command{
		Use:     "list",
		Short:   "List specifications",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSpecList(cmd.Context(), cmd, cmd.OutOrStdout(), project)
		},
	}
	list.Flags().StringVarP(&project, "project", "p", "", "only specifications of this project")

	show := &cobra.Command{
		Use:   "show <spec-id>",
		Short: "Show a specification and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpecShow(cmd.Context(), cmd, cmd.OutOrStdout(), args[0])
		},
	}

	cmd.AddCommand(add, list, show)
	root.AddCommand(cmd)
}

func runSpecAdd(ctx context.Context, cmd *cobra.Command, projectID, title, file string) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("specification title %w", errors.ErrEmptyValue)
	}
	if _, err := e.store.GetProject(ctx, projectID); err != nil {
		return err
	}

	var data []byte
	if file == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(file) //nolint:gosec // user-selected specification file
	}
	if err != nil {
		return fmt.Errorf("failed to read specification content: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return fmt.Errorf("specification content %w", errors.ErrEmptyValue)
	}

	spec := &domain.Specification{
		ID:        domain.NewID(domain.SpecIDPrefix),
		ProjectID: projectID,
		Title:     strings.TrimSpace(title),
		Content:   string(data),
	}
	if err := e.store.CreateSpec(ctx, spec); err != nil {
		return err
	}
	e.logger.Info().Str("spec_id", spec.ID).Str("project_id", projectID).Msg("specification created")

	w := cmd.OutOrStdout()
	if outputOf(cmd) == OutputJSON {
		return writeJSON(w, spec)
	}
	_, _ = fmt.Fprintf(w, "Created specification %s\n", spec.ID)
	_, _ = fmt.Fprintf(w, "Next: chunkflow plan import %s <plan.yaml>\n", spec.ID)
	return nil
}

func runSpecList(ctx context.Context, cmd *cobra.Command, w io.Writer, projectID string) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	specs, err := e.store.ListSpecs(ctx, projectID)
	if err != nil {
		return err
	}

	if outputOf(cmd) == OutputJSON {
		if specs == nil {
			specs = []*domain.Specification{}
		}
		return writeJSON(w, specs)
	}
	if len(specs) == 0 {
		_, _ = fmt.Fprintln(w, "No specifications. Run 'chunkflow spec add <project-id>' to create one.")
		return nil
	}

	now := time.Now()
	t := newTable(w,
		column{title: "ID", width: 41},
		column{title: "TITLE", width: 32},
		column{title: "STATUS", width: 10, status: true},
		column{title: "VER", width: 4},
		column{title: "UPDATED", width: 15},
		column{title: "PR"},
	)
	t.header()
	for _, s := range specs {
		t.row(s.ID, s.Title, string(s.Status), strconv.Itoa(s.Version), relativeTime(s.UpdatedAt, now), s.Git.PRURL)
	}
	return nil
}

// specDetail is the JSON shape of 'spec show'.
type specDetail struct {
	Spec   *domain.Specification `json:"spec"`
	Chunks []*domain.Chunk       `json:"chunks"`
}

func runSpecShow(ctx context.Context, cmd *cobra.Command, w io.Writer, specID string) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	spec, err := e.store.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	chunks, err := e.store.ListChunks(ctx, specID)
	if err != nil {
		return err
	}

	if outputOf(cmd) == OutputJSON {
		if chunks == nil {
			chunks = []*domain.Chunk{}
		}
		return writeJSON(w, specDetail{Spec: spec, Chunks: chunks})
	}

	styles := newTableStyles()
	_, _ = fmt.Fprintln(w, styles.title.Render(spec.Title))
	_, _ = fmt.Fprintf(w, "%-9s %s\n", "ID", spec.ID)
	_, _ = fmt.Fprintf(w, "%-9s %s\n", "Status", spec.Status)
	_, _ = fmt.Fprintf(w, "%-9s %d\n", "Version", spec.Version)
	if spec.Git.BranchName != "" {
		_, _ = fmt.Fprintf(w, "%-9s %s\n", "Branch", spec.Git.BranchName)
	}
	if spec.Git.WorktreePath != "" {
		_, _ = fmt.Fprintf(w, "%-9s %s\n", "Worktree", spec.Git.WorktreePath)
	}
	if spec.Git.PRURL != "" {
		_, _ = fmt.Fprintf(w, "%-9s %s\n", "PR", spec.Git.PRURL)
	}

	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.header.Render(heading("chunks")))
	if len(chunks) == 0 {
		_, _ = fmt.Fprintf(w, "No chunks. Run 'chunkflow plan import %s <plan.yaml>'.\n", spec.ID)
		return nil
	}
	writeChunkTable(w, chunks)
	return nil
}

// writeChunkTable lists chunks with dependencies shown as order numbers.
func writeChunkTable(w io.Writer, chunks []*domain.Chunk) {
	orders := make(map[string]int, len(chunks))
	for _, c := range chunks {
		orders[c.ID] = c.Order + 1
	}

	t := newTable(w,
		column{title: "#", width: 3},
		column{title: "TITLE", width: 36},
		column{title: "STATUS", width: 10, status: true},
		column{title: "REVIEW", width: 9, status: true},
		column{title: "DEPENDS", width: 10},
		column{title: "NOTE"},
	)
	t.header()
	for _, c := range chunks {
		deps := make([]string, 0, len(c.Dependencies))
		for _, d := range c.Dependencies {
			if o, ok := orders[d]; ok {
				deps = append(deps, strconv.Itoa(o))
			} else {
				deps = append(deps, "?")
			}
		}
		title := c.Title
		if c.IsFix() {
			title = "fix: " + title
		}
		note := string(c.FailReason)
		if c.StatusReason != "" {
			note = c.StatusReason
		}
		t.row(strconv.Itoa(c.Order+1), title, string(c.Status), string(c.ReviewStatus), strings.Join(deps, ","), truncate(note, 60))
	}
}
