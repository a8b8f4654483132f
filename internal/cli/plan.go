package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/domain"
	"github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/plan"
	"github.com/mrz1836/chunkflow/internal/scheduler"
)

// AddPlanCommand adds the plan command group to the root command.
func AddPlanCommand(root *cobra.Command) {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Import and inspect chunk plans",
	}

	var replace bool
	importCmd := &cobra.Command{
		Use:   "import <spec-id> <plan.yaml>",
		Short: "Create the chunks of a specification from a YAML plan",
		Long: `Create the chunks of a specification from a YAML plan. Chunks reference
each other by key; the dependency graph must be acyclic.

  chunks:
    - key: schema
      title: Add the orders table
      description: Create the migration and model.
    - key: api
      title: Expose orders over HTTP
      depends_on: [schema]

Use "-" as the file to read the plan from standard input.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanImport(cmd.Context(), cmd, args[0], args[1], replace)
		},
	}
	importCmd.Flags().BoolVar(&replace, "replace", false, "delete existing chunks first")

	layers := &cobra.Command{
		Use:   "layers <spec-id>",
		Short: "Show dependency layers and the critical path",
		Long: `Show which chunks could run in parallel (one layer per dependency depth)
and the longest dependency chain, which bounds the number of sequential steps.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlanLayers(cmd.Context(), cmd, cmd.OutOrStdout(), args[0])
		},
	}

	cmd.AddCommand(importCmd, layers)
	root.AddCommand(cmd)
}

func runPlanImport(ctx context.Context, cmd *cobra.Command, specID, file string, replace bool) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	spec, err := e.store.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	if spec.Status == constants.SpecStatusRunning {
		return fmt.Errorf("cannot change the plan of '%s': %w", specID, errors.ErrAlreadyRunning)
	}

	var r io.Reader = cmd.InOrStdin()
	if file != "-" {
		f, err := os.Open(file) //nolint:gosec // user-selected plan file
		if err != nil {
			return fmt.Errorf("failed to open plan: %w", err)
		}
		defer f.Close() //nolint:errcheck // read-only file
		r = f
	}
	p, err := plan.Parse(r)
	if err != nil {
		return err
	}

	existing, err := e.store.ListChunks(ctx, specID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		if !replace {
			return fmt.Errorf("specification '%s' already has %d chunks (use --replace): %w", specID, len(existing), errors.ErrAlreadyExists)
		}
		for _, c := range existing {
			if err := e.store.DeleteChunk(ctx, specID, c.ID); err != nil {
				return err
			}
		}
	}

	chunks := p.ToChunks(specID, func() string { return domain.NewID(domain.ChunkIDPrefix) })
	for _, c := range chunks {
		if err := e.store.CreateChunk(ctx, c); err != nil {
			return err
		}
	}
	e.logger.Info().Str("spec_id", specID).Int("chunks", len(chunks)).Bool("replaced", len(existing) > 0).Msg("plan imported")

	w := cmd.OutOrStdout()
	if outputOf(cmd) == OutputJSON {
		return writeJSON(w, chunks)
	}
	_, _ = fmt.Fprintf(w, "Imported %d chunks into %s\n", len(chunks), specID)
	return nil
}

// layerView is the JSON shape of 'plan layers'.
type layerView struct {
	Layers       [][]string `json:"layers"`
	CriticalPath []string   `json:"critical_path"`
}

func runPlanLayers(ctx context.Context, cmd *cobra.Command, w io.Writer, specID string) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	chunks, err := e.store.ListChunks(ctx, specID)
	if err != nil {
		return err
	}

	layers := scheduler.AssignLayers(chunks)
	path := scheduler.CriticalPath(chunks)

	if outputOf(cmd) == OutputJSON {
		view := layerView{Layers: make([][]string, 0, len(layers)), CriticalPath: ids(path)}
		for _, l := range layers {
			view.Layers = append(view.Layers, ids(l))
		}
		return writeJSON(w, view)
	}

	if len(chunks) == 0 {
		_, _ = fmt.Fprintf(w, "No chunks. Run 'chunkflow plan import %s <plan.yaml>'.\n", specID)
		return nil
	}

	styles := newTableStyles()
	_, _ = fmt.Fprintln(w, styles.header.Render(heading("layers")))
	for i, l := range layers {
		_, _ = fmt.Fprintf(w, "  %d. %s\n", i+1, strings.Join(labels(l), "  |  "))
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, styles.header.Render(heading("critical path")))
	_, _ = fmt.Fprintf(w, "  %s\n", strings.Join(labels(path), " → "))
	_, _ = fmt.Fprintln(w, styles.dim.Render(fmt.Sprintf("  %d chunks, %d layers, %d sequential steps", len(chunks), len(layers), len(path))))
	return nil
}

func ids(chunks []*domain.Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, c.ID)
	}
	return out
}

func labels(chunks []*domain.Chunk) []string {
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, fmt.Sprintf("#%d %s", c.Order+1, truncate(c.Title, 30)))
	}
	return out
}
