package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/config"
	"github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/events"
	"github.com/mrz1836/chunkflow/internal/server"
	"github.com/mrz1836/chunkflow/internal/signal"
)

// probeTimeout bounds the check for a running 'chunkflow serve'.
const probeTimeout = time.Second

type runOptions struct {
	priority     int
	maxWorkers   int
	model        string
	reviewModel  string
	timeout      time.Duration
	buildCommand string
	skipBuild    bool
	baseBranch   string
}

func (o runOptions) overrides() *config.Config {
	return &config.Config{
		Pool:       config.PoolConfig{MaxWorkers: o.maxWorkers},
		Execution:  config.ExecutionConfig{Model: o.model, Timeout: o.timeout},
		Review:     config.ReviewConfig{Model: o.reviewModel},
		Validation: config.ValidationConfig{BuildCommand: o.buildCommand, SkipBuild: o.skipBuild},
		Git:        config.GitConfig{BaseBranch: o.baseBranch},
	}
}

// AddRunCommand adds the run command to the root command.
func AddRunCommand(root *cobra.Command) {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <spec-id>...",
		Short: "Execute specifications on the worker pool",
		Long: `Execute one or more specifications. Up to pool.max_workers run at once; the
rest wait in the persisted queue and start as slots free up. Progress is
streamed until every specification finishes.

Press Ctrl+C once to abort running specifications and roll back their
uncommitted work; press it again to exit without waiting.

Examples:
  chunkflow run spec-…
  chunkflow run spec-a… spec-b… --max-workers 2 --skip-build`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), cmd, cmd.OutOrStdout(), args, opts)
		},
	}
	cmd.Flags().IntVar(&opts.priority, "priority", 0, "queue priority when no slot is free (higher runs sooner)")
	cmd.Flags().IntVar(&opts.maxWorkers, "max-workers", 0, "override pool.max_workers")
	cmd.Flags().StringVar(&opts.model, "model", "", "override execution.model")
	cmd.Flags().StringVar(&opts.reviewModel, "review-model", "", "override review.model")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "override execution.timeout")
	cmd.Flags().StringVar(&opts.buildCommand, "build", "", "override validation.build_command")
	cmd.Flags().BoolVar(&opts.skipBuild, "skip-build", false, "skip the build check")
	cmd.Flags().StringVar(&opts.baseBranch, "base-branch", "", "override git.base_branch")
	root.AddCommand(cmd)
}

// runResult is the per-specification outcome of 'run'.
type runResult struct {
	SpecID    string `json:"spec_id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	Completed bool   `json:"completed"`
	Error     string `json:"error,omitempty"`
	PRURL     string `json:"pr_url,omitempty"`
}

func runRun(ctx context.Context, cmd *cobra.Command, w io.Writer, args []string, opts runOptions) error {
	e, err := loadEnv(ctx, opts.overrides())
	if err != nil {
		return err
	}

	specIDs := dedupe(args)
	titles := make(map[string]string, len(specIDs))
	for _, id := range specIDs {
		spec, err := e.store.GetSpec(ctx, id)
		if err != nil {
			return err
		}
		titles[id] = spec.Title
	}

	h := signal.NewHandler(ctx)
	defer h.Stop()
	runCtx := h.Context()

	svc := buildServices(e, false)
	if !serverRunning(runCtx, e) {
		if n, err := svc.pool.Reconcile(runCtx); err != nil {
			e.logger.Warn().Err(err).Msg("failed to reconcile workers")
		} else if n > 0 {
			e.logger.Warn().Int("workers", n).Msg("marked workers of a previous process as failed")
		}
	}

	want := make(map[string]bool, len(specIDs))
	for _, id := range specIDs {
		want[id] = true
	}
	evs := svc.pool.Subscribe(runCtx, func(ev events.Event) bool { return want[ev.SpecID] })

	text := outputOf(cmd) == OutputText
	for _, id := range specIDs {
		res, err := svc.pool.Submit(runCtx, id, opts.priority)
		if err != nil {
			_ = svc.pool.Shutdown(context.WithoutCancel(ctx))
			return err
		}
		if res.Queued != nil && text {
			_, _ = fmt.Fprintf(w, "Queued %s (priority %d)\n", titles[id], res.Queued.Priority)
		}
	}

	verbose := cmd.Flag("verbose") != nil && cmd.Flag("verbose").Value.String() == "true"
	failures := followRun(evs, want, func(ev events.Event) {
		if text {
			writeEvent(w, ev, titles[ev.SpecID], verbose)
		}
	})

	if runCtx.Err() == nil {
		waited := make(chan struct{})
		go func() {
			svc.pool.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-runCtx.Done():
		}
	}

	if runCtx.Err() != nil && text {
		_, _ = fmt.Fprintln(w, "Interrupted: aborting running specifications (Ctrl+C again to exit now)")
	}
	shutdownCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	go func() {
		select {
		case <-h.Forced():
			cancel()
		case <-shutdownCtx.Done():
		}
	}()
	if err := svc.pool.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn().Err(err).Msg("pool shutdown incomplete")
	}

	results := collectResults(context.WithoutCancel(ctx), e, specIDs, titles, failures)
	if text {
		writeRunResults(w, results)
	} else if err := writeJSON(w, results); err != nil {
		return err
	}

	if h.Context().Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("run interrupted: %w", errors.ErrAborted)
	}
	failed := 0
	for _, r := range results {
		if !r.Completed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d specifications did not complete: %w", failed, len(results), errors.ErrExecutionFailed)
	}
	return nil
}

// serverRunning reports whether a 'chunkflow serve' process answers on the
// control address. Its workers must not be reconciled away.
func serverRunning(ctx context.Context, e *env) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return server.NewClient(e.cfg.Metrics.Address, nil).Health(ctx) == nil
}

// followRun consumes events until every wanted specification reports a
// terminal worker event or the channel closes. It returns the failure
// message of each specification that failed.
func followRun(evs <-chan events.Event, want map[string]bool, onEvent func(events.Event)) map[string]string {
	pending := make(map[string]bool, len(want))
	for id := range want {
		pending[id] = true
	}
	failures := make(map[string]string)
	for ev := range evs {
		onEvent(ev)
		switch ev.Type {
		case events.WorkerCompleted:
			delete(failures, ev.SpecID)
			delete(pending, ev.SpecID)
		case events.WorkerFailed:
			failures[ev.SpecID] = ev.Message
			delete(pending, ev.SpecID)
		}
		if len(pending) == 0 {
			return failures
		}
	}
	for id := range pending {
		if _, ok := failures[id]; !ok {
			failures[id] = errors.ErrAborted.Error()
		}
	}
	return failures
}

// writeEvent prints one progress line. Tool calls only show when verbose.
func writeEvent(w io.Writer, ev events.Event, title string, verbose bool) {
	if ev.Type == events.ToolCall && !verbose {
		return
	}
	ts := ev.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := ev.Message
	if msg == "" {
		msg = strings.ReplaceAll(string(ev.Type), "_", " ")
	}
	_, _ = fmt.Fprintf(w, "%s  %s  %-18s %s\n",
		ts.Local().Format("15:04:05"), fit(title, 20), ev.Type, truncate(msg, 100))
}

func collectResults(ctx context.Context, e *env, specIDs []string, titles, failures map[string]string) []runResult {
	out := make([]runResult, 0, len(specIDs))
	for _, id := range specIDs {
		r := runResult{SpecID: id, Title: titles[id], Error: failures[id]}
		_, failed := failures[id]
		r.Completed = !failed
		if spec, err := e.store.GetSpec(ctx, id); err == nil {
			r.Status = string(spec.Status)
			r.PRURL = spec.Git.PRURL
		}
		out = append(out, r)
	}
	return out
}

func writeRunResults(w io.Writer, results []runResult) {
	_, _ = fmt.Fprintln(w)
	t := newTable(w,
		column{title: "SPECIFICATION", width: 32},
		column{title: "STATUS", width: 10, status: true},
		column{title: "RESULT"},
	)
	t.header()
	for _, r := range results {
		result := r.PRURL
		if !r.Completed {
			result = r.Error
		}
		t.row(r.Title, r.Status, truncate(result, 80))
	}
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

// specTitle returns the title of specID or the ID itself when unknown.
func specTitle(ctx context.Context, e *env, specID string) string {
	if spec, err := e.store.GetSpec(ctx, specID); err == nil {
		return spec.Title
	}
	return specID
}
