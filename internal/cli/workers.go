package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/server"
)

// AddWorkersCommand adds the workers command to the root command.
func AddWorkersCommand(root *cobra.Command) {
	var all bool
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List worker runs",
		Long: `List workers. By default only workers holding a pool slot are shown;
--all includes finished runs, newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkers(cmd.Context(), cmd, cmd.OutOrStdout(), all)
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include finished workers")
	root.AddCommand(cmd)
}

// AddQueueCommand adds the queue command to the root command.
func AddQueueCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "queue",
		Short: "List specifications waiting for a worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runQueue(cmd.Context(), cmd, cmd.OutOrStdout())
		},
	})
}

// AddAbortCommand adds the abort command to the root command.
func AddAbortCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "abort <spec-id>",
		Short: "Abort a running or queued specification",
		Long: `Abort a specification. A running specification is stopped through the
control API of 'chunkflow serve'; its uncommitted changes are rolled back.
When no server is running, a queued specification is removed from the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAbort(cmd.Context(), cmd.OutOrStdout(), args[0])
		},
	})
}

func runWorkers(ctx context.Context, cmd *cobra.Command, w io.Writer, all bool) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	var workers []*domain.Worker
	if all {
		workers, err = e.store.ListWorkers(ctx)
	} else {
		workers, err = e.store.ListActiveWorkers(ctx)
	}
	if err != nil {
		return err
	}

	if outputOf(cmd) == OutputJSON {
		if workers == nil {
			workers = []*domain.Worker{}
		}
		return writeJSON(w, workers)
	}
	if len(workers) == 0 {
		_, _ = fmt.Fprintln(w, "No active workers.")
		return nil
	}

	now := time.Now()
	titles := make(map[string]string)
	t := newTable(w,
		column{title: "SPECIFICATION", width: 28},
		column{title: "STATUS", width: 10, status: true},
		column{title: "STEP", width: 11},
		column{title: "CHUNKS", width: 8},
		column{title: "STARTED", width: 15},
		column{title: "ERROR"},
	)
	t.header()
	for _, wk := range workers {
		title, ok := titles[wk.SpecID]
		if !ok {
			title = specTitle(ctx, e, wk.SpecID)
			titles[wk.SpecID] = title
		}
		chunks := fmt.Sprintf("%d/%d", wk.Progress.Passed, wk.Progress.Total)
		t.row(title, string(wk.Status), string(wk.CurrentStep), chunks, relativeTime(wk.StartedAt, now), truncate(wk.LastError, 60))
	}
	return nil
}

func runQueue(ctx context.Context, cmd *cobra.Command, w io.Writer) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}
	items, err := e.store.ListQueue(ctx)
	if err != nil {
		return err
	}

	if outputOf(cmd) == OutputJSON {
		if items == nil {
			items = []*domain.QueueItem{}
		}
		return writeJSON(w, items)
	}
	if len(items) == 0 {
		_, _ = fmt.Fprintln(w, "Queue is empty.")
		return nil
	}

	now := time.Now()
	t := newTable(w,
		column{title: "POS", width: 4},
		column{title: "SPECIFICATION", width: 32},
		column{title: "PRIORITY", width: 9},
		column{title: "QUEUED"},
	)
	t.header()
	for i, item := range items {
		t.row(strconv.Itoa(i+1), specTitle(ctx, e, item.SpecID), strconv.Itoa(item.Priority), relativeTime(item.CreatedAt, now))
	}
	return nil
}

func runAbort(ctx context.Context, w io.Writer, specID string) error {
	e, err := loadEnv(ctx, nil)
	if err != nil {
		return err
	}

	err = server.NewClient(e.cfg.Metrics.Address, nil).Abort(ctx, specID)
	switch {
	case err == nil:
		_, _ = fmt.Fprintf(w, "Abort requested for %s\n", specID)
		return nil
	case !errors.Is(err, cferrors.ErrServerUnreachable):
		return err
	}

	e.logger.Debug().Err(err).Msg("control server unreachable, checking the queue")
	items, err := e.store.ListQueue(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.SpecID != specID {
			continue
		}
		if err := e.store.RemoveQueueItem(ctx, item.ID); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(w, "Removed %s from the queue\n", specID)
		return nil
	}
	return fmt.Errorf("'%s' is not queued and no server is running at %s: %w", specID, e.cfg.Metrics.Address, cferrors.ErrNotFound)
}
