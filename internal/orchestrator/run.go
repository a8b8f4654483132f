package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/backend"
	"github.com/mrz1836/chunkflow/internal/checkpoint"
	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	"github.com/mrz1836/chunkflow/internal/domain"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/events"
	"github.com/mrz1836/chunkflow/internal/pipeline"
	"github.com/mrz1836/chunkflow/internal/scheduler"
)

// specRun carries the state of one Execute call.
type specRun struct {
	o       *Orchestrator
	exec    *Execution
	spec    *domain.Specification
	project *domain.Project
	state   *checkpoint.State
	cfg     pipeline.Config
	pub     events.Publisher
	cb      Callbacks
	log     zerolog.Logger

	completed  scheduler.IDSet
	failed     scheduler.IDSet
	awaiting   scheduler.IDSet // needs_fix chunks whose fix chain is unfinished
	total      int
	dispatched int
	fixChunks  int
	start      time.Time
}

func (r *specRun) run(ctx context.Context) (*Summary, error) {
	state, err := r.o.workflow.Init(ctx, r.project, r.spec)
	if err != nil {
		r.log.Warn().Err(err).Msg("git workflow unavailable, running without checkpoints")
		r.emit(events.Error, "git workflow unavailable: "+err.Error(), "", map[string]any{"step": "git_init"})
	}
	r.state = state
	defer func() {
		if err := r.o.workflow.Cleanup(ctxutil.Detached(ctx), r.state); err != nil {
			r.log.Warn().Err(err).Msg("git cleanup failed")
		}
	}()

	chunks, err := r.o.store.ListChunks(ctx, r.spec.ID)
	if err != nil {
		r.abandon(ctx)
		return nil, err
	}
	if err := r.seed(ctx, chunks); err != nil {
		r.abandon(ctx)
		return nil, err
	}

	halted, aborted, err := r.loop(ctx)
	if err != nil {
		r.abandon(ctx)
		return nil, err
	}

	chunks, err = r.o.store.ListChunks(ctxutil.Detached(ctx), r.spec.ID)
	if err != nil {
		r.abandon(ctx)
		return nil, err
	}
	summary := r.summarize(chunks)
	summary.Aborted = aborted

	next := constants.SpecStatusReview
	switch {
	case aborted:
		next = constants.SpecStatusDraft
	case summary.Total == 0:
		r.log.Info().Msg("specification has no chunks")
		next = constants.SpecStatusDraft
	case halted || summary.Passed != summary.Total:
		r.log.Info().Int("passed", summary.Passed).Int("total", summary.Total).Msg("specification incomplete, skipping final review")
	default:
		next = r.finalReview(ctx, chunks, summary)
		summary.Success = summary.FinalVerdict == constants.ReviewStatusPass
		summary.Aborted = ctx.Err() != nil
	}
	summary.FixChunks = r.fixChunks
	if err := r.setStatus(ctx, next); err != nil {
		return summary, err
	}
	summary.Status = r.spec.Status
	return summary, nil
}

// seed fills the completed set from earlier runs and returns chunks left
// running by a dead process to pending.
//
// A chunk completed with a needs_fix verdict counts as completed only once
// its fix chain was accepted. Until then it waits in the awaiting set and
// its unfinished fix chunk runs before anything else.
func (r *specRun) seed(ctx context.Context, chunks []*domain.Chunk) error {
	r.total = len(chunks)
	fixes := fixesByOriginal(chunks)
	for _, c := range chunks {
		switch {
		case acceptable(c, fixes):
			r.completed.Add(c.ID)
		case c.Status == constants.ChunkStatusCompleted && c.ReviewStatus == constants.ReviewStatusNeedsFix:
			r.awaiting.Add(c.ID)
		case c.Status == constants.ChunkStatusRunning:
			c.Status = constants.ChunkStatusPending
			c.StatusReason = "interrupted by restart"
			c.UpdatedAt = r.o.now().UTC()
			if err := r.o.store.UpdateChunk(ctxutil.Detached(ctx), c); err != nil {
				return err
			}
		}
	}
	r.log.Debug().
		Int("chunks", len(chunks)).
		Int("completed", len(r.completed)).
		Int("awaiting_fix", len(r.awaiting)).
		Msg("seeded completed chunks")
	return nil
}

// loop dispatches runnable chunks one at a time. It reports whether a
// failure halted the run and whether the run was aborted.
func (r *specRun) loop(ctx context.Context) (halted, aborted bool, err error) {
	for {
		if ctx.Err() != nil {
			return false, true, nil
		}
		chunks, err := r.o.store.ListChunks(ctx, r.spec.ID)
		if err != nil {
			if ctx.Err() != nil {
				return false, true, nil
			}
			return false, false, err
		}
		r.total = len(chunks)

		if fix := r.pendingFix(chunks); fix != nil {
			halted, stop, err := r.resumeFix(ctx, fix, chunks)
			switch {
			case err != nil:
				return false, false, err
			case stop:
				return false, true, nil
			case halted:
				return true, false, nil
			}
			continue
		}

		runnable := scheduler.FindRunnable(chunks, r.completed, r.failed)
		if len(runnable) == 0 {
			return false, false, nil
		}
		c := runnable[0]

		if reason := degraded(c, chunks); reason != "" {
			r.log.Warn().Str("chunk_id", c.ID).Str("reason", reason).Msg("dependency degraded before dispatch")
			r.cancel(ctx, c, reason)
			r.cascade(ctx, c.ID)
			continue
		}

		res, err := r.dispatch(ctx, c)
		if err != nil {
			return false, false, err
		}

		switch res.Outcome {
		case pipeline.OutcomePass:
		case pipeline.OutcomeNeedsFix:
			accepted, stop, err := r.resolveFix(ctx, res.Chunk, res.FixChunkID, 1)
			if err != nil {
				return false, false, err
			}
			if stop {
				return false, true, nil
			}
			if !accepted {
				if c.IsFix() {
					r.failOriginal(ctx, c.FixOf, fmt.Sprintf("fix chunk %q did not pass", c.Title))
				}
				return true, false, nil
			}
		case pipeline.OutcomeCancelled:
			return false, true, nil
		default:
			if c.IsFix() {
				// the fixed chunk's cascade reaches c's dependents too
				r.failOriginal(ctx, c.FixOf, fmt.Sprintf("fix chunk %q did not pass", c.Title))
			} else {
				r.cascade(ctx, c.ID)
			}
			return true, false, nil
		}
	}
}

// resolveFix runs the fix chunk created for original. It reports whether
// the fix was accepted and whether the run was aborted. A fix that does not
// pass fails original and cascades to its dependents.
func (r *specRun) resolveFix(ctx context.Context, original *domain.Chunk, fixID string, depth int) (accepted, aborted bool, err error) {
	r.fixChunks++
	r.total++
	fix, err := r.o.store.GetChunk(ctx, r.spec.ID, fixID)
	if err != nil {
		if ctx.Err() != nil {
			return false, true, nil
		}
		return false, false, err
	}
	r.log.Info().Str("chunk_id", original.ID).Str("fix_chunk_id", fix.ID).Int("depth", depth).Msg("running fix chunk")

	res, err := r.dispatch(ctx, fix)
	if err != nil {
		return false, false, err
	}

	reason := fmt.Sprintf("fix chunk %q did not pass", fix.Title)
	switch res.Outcome {
	case pipeline.OutcomePass:
		r.completed.Add(original.ID)
		return true, false, nil
	case pipeline.OutcomeCancelled:
		return false, true, nil
	case pipeline.OutcomeNeedsFix:
		if depth < r.o.cfg.MaxFixDepth {
			accepted, aborted, err := r.resolveFix(ctx, res.Chunk, res.FixChunkID, depth+1)
			if err != nil || aborted {
				return false, aborted, err
			}
			if accepted {
				r.completed.Add(original.ID)
				return true, false, nil
			}
			r.failOriginal(ctx, original.ID, reason)
			return false, false, nil
		}
		reason = fmt.Sprintf("fix chunk %q still needs fixes after %d attempts", fix.Title, depth)
		r.failOriginal(ctx, fix.ID, reason)
	}
	r.failOriginal(ctx, original.ID, reason)
	return false, false, nil
}

// pendingFix returns the first unfinished fix chunk an awaiting chunk
// depends on, or nil.
func (r *specRun) pendingFix(chunks []*domain.Chunk) *domain.Chunk {
	for _, c := range chunks {
		if c.IsFix() && r.awaiting.Has(c.FixOf) && c.Status.Retryable() && !r.failed.Has(c.ID) {
			return c
		}
	}
	return nil
}

// resumeFix runs a fix chunk left unfinished by an earlier run. When it
// passes, every awaiting chunk up its fix chain becomes completed; otherwise
// they fail and cascade. It reports whether the run halted or was aborted.
func (r *specRun) resumeFix(ctx context.Context, fix *domain.Chunk, chunks []*domain.Chunk) (halted, aborted bool, err error) {
	byID := make(map[string]*domain.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}
	original := byID[fix.FixOf]
	depth := 1
	for c := original; c != nil && c.IsFix(); c = byID[c.FixOf] {
		depth++
	}

	accepted, aborted, err := r.resolveFix(ctx, original, fix.ID, depth)
	if err != nil || aborted {
		return false, aborted, err
	}
	reason := fmt.Sprintf("fix chunk %q did not pass", fix.Title)
	for c := original; c != nil && r.awaiting.Has(c.ID); c = byID[c.FixOf] {
		delete(r.awaiting, c.ID)
		switch {
		case accepted:
			r.completed.Add(c.ID)
		case !r.failed.Has(c.ID):
			r.failOriginal(ctx, c.ID, reason)
		}
	}
	return !accepted, false, nil
}

// dispatch runs one chunk through the pipeline and records its outcome in
// the completed and failed sets.
func (r *specRun) dispatch(ctx context.Context, c *domain.Chunk) (*pipeline.Result, error) {
	r.exec.setChunk(c.ID)
	defer r.exec.setChunk("")
	r.dispatched++

	progress := r.progress()
	r.log.Info().Str("chunk_id", c.ID).Str("title", c.Title).Int("order", c.Order).Msg("dispatching chunk")
	if r.cb.ChunkStart != nil {
		r.cb.ChunkStart(c, progress)
	}
	r.emit(events.ChunkStart, c.Title, c.ID, map[string]any{"order": c.Order, "fix_of": c.FixOf})

	res, err := r.o.runner.Run(ctx, pipeline.Input{
		Spec:         r.spec,
		Chunk:        c,
		State:        r.state,
		Dependencies: r.dependencyContext(ctx, c),
		Config:       r.cfg,
		Publisher:    r.pipelinePublisher(),
	})
	if err != nil {
		return nil, err
	}

	switch res.Outcome {
	case pipeline.OutcomePass:
		r.completed.Add(c.ID)
	case pipeline.OutcomeFail, pipeline.OutcomeError:
		r.failed.Add(c.ID)
	case pipeline.OutcomeNeedsFix, pipeline.OutcomeCancelled:
	}

	if r.cb.ChunkComplete != nil {
		r.cb.ChunkComplete(res.Chunk, res.Outcome, r.progress())
	}
	data := map[string]any{"outcome": string(res.Outcome)}
	if res.Reason != "" {
		data["reason"] = string(res.Reason)
	}
	if res.FixChunkID != "" {
		data["fix_chunk_id"] = res.FixChunkID
	}
	if res.CommitHash != "" {
		data["commit"] = res.CommitHash
	}
	r.emit(events.ChunkComplete, string(res.Outcome), c.ID, data)
	return res, nil
}

// pipelinePublisher forwards pipeline events and derives the worker step from them.
func (r *specRun) pipelinePublisher() events.Publisher {
	return events.PublisherFunc(func(e events.Event) {
		if r.cb.Step != nil {
			switch e.Type {
			case events.ExecutionStart:
				r.cb.Step(e.ChunkID, constants.WorkerStepExecuting)
			case events.ReviewStart:
				r.cb.Step(e.ChunkID, constants.WorkerStepReviewing)
			default:
			}
		}
		r.pub.Publish(e)
	})
}

// dependencyContext describes the completed dependencies of c, preferring
// their condensed summaries and listing the files they touched.
func (r *specRun) dependencyContext(ctx context.Context, c *domain.Chunk) []backend.DependencyContext {
	out := make([]backend.DependencyContext, 0, len(c.Dependencies))
	for _, id := range c.Dependencies {
		dep, err := r.o.store.GetChunk(ctx, r.spec.ID, id)
		if err != nil {
			r.log.Warn().Err(err).Str("dependency_id", id).Msg("failed to load dependency")
			continue
		}
		calls, err := r.o.store.ListToolCalls(ctx, id)
		if err != nil {
			r.log.Warn().Err(err).Str("dependency_id", id).Msg("failed to load dependency tool calls")
		}
		out = append(out, backend.DependencyContext{
			Title:   dep.Title,
			Summary: dep.Summary(),
			Files:   pipeline.FilesTouched(calls),
		})
	}
	return out
}

// degraded returns why c can no longer run, or "" when every dependency is
// still completed with an acceptable review in the store.
func degraded(c *domain.Chunk, chunks []*domain.Chunk) string {
	byID := make(map[string]*domain.Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}
	fixes := fixesByOriginal(chunks)
	for _, id := range c.Dependencies {
		dep, ok := byID[id]
		switch {
		case !ok:
			return fmt.Sprintf("dependency %s no longer exists", id)
		case dep.Status != constants.ChunkStatusCompleted:
			return fmt.Sprintf("dependency %q (%s) is %s", dep.Title, id, dep.Status)
		case !acceptable(dep, fixes):
			return fmt.Sprintf("dependency %q (%s) has review %s without an accepted fix", dep.Title, id, dep.ReviewStatus)
		}
	}
	return ""
}

// acceptable reports whether c may satisfy its dependents: it passed review,
// or it completed with needs_fix and one of its fix chunks is acceptable.
func acceptable(c *domain.Chunk, fixes map[string][]*domain.Chunk) bool {
	if c.Accepted() {
		return true
	}
	if c.Status != constants.ChunkStatusCompleted || c.ReviewStatus != constants.ReviewStatusNeedsFix {
		return false
	}
	for _, f := range fixes[c.ID] {
		if acceptable(f, fixes) {
			return true
		}
	}
	return false
}

// fixesByOriginal maps chunk IDs to the fix chunks created for them.
func fixesByOriginal(chunks []*domain.Chunk) map[string][]*domain.Chunk {
	out := make(map[string][]*domain.Chunk)
	for _, c := range chunks {
		if c.IsFix() {
			out[c.FixOf] = append(out[c.FixOf], c)
		}
	}
	return out
}

// cancel marks c cancelled because of a dependency problem.
func (r *specRun) cancel(ctx context.Context, c *domain.Chunk, reason string) {
	now := r.o.now().UTC()
	c.Status = constants.ChunkStatusCancelled
	c.FailReason = domain.FailReasonDependencyFailed
	c.StatusReason = reason
	c.CompletedAt = &now
	c.UpdatedAt = now
	if err := r.o.store.UpdateChunk(ctxutil.Detached(ctx), c); err != nil {
		r.log.Error().Err(err).Str("chunk_id", c.ID).Msg("failed to persist cancelled chunk")
	}
	r.failed.Add(c.ID)
	r.emit(events.ChunkCancelled, reason, c.ID, nil)
}

// cascade cancels every chunk transitively depending on failedID.
func (r *specRun) cascade(ctx context.Context, failedID string) {
	chunks, err := r.o.store.ListChunks(ctxutil.Detached(ctx), r.spec.ID)
	if err != nil {
		r.log.Error().Err(err).Str("chunk_id", failedID).Msg("failed to load chunks for cascade")
		return
	}
	n := 0
	for _, cc := range scheduler.CascadeCancel(failedID, chunks) {
		if r.failed.Has(cc.Chunk.ID) {
			continue
		}
		r.cancel(ctx, cc.Chunk, cc.Reason)
		n++
	}
	if n > 0 {
		r.log.Info().Str("chunk_id", failedID).Int("cancelled", n).Msg("cascade cancelled dependents")
	}
}

// failOriginal marks chunk id failed because its fix did not pass, then
// cascades to its dependents.
func (r *specRun) failOriginal(ctx context.Context, id, reason string) {
	delete(r.completed, id)
	r.failed.Add(id)

	c, err := r.o.store.GetChunk(ctxutil.Detached(ctx), r.spec.ID, id)
	if err != nil {
		r.log.Error().Err(err).Str("chunk_id", id).Msg("failed to load fixed chunk")
	} else {
		now := r.o.now().UTC()
		c.Status = constants.ChunkStatusFailed
		c.FailReason = domain.FailReasonFixFailed
		c.StatusReason = reason
		c.CompletedAt = &now
		c.UpdatedAt = now
		if err := r.o.store.UpdateChunk(ctxutil.Detached(ctx), c); err != nil {
			r.log.Error().Err(err).Str("chunk_id", id).Msg("failed to persist fixed chunk")
		}
		r.emit(events.ChunkComplete, string(pipeline.OutcomeFail), id, map[string]any{
			"outcome": string(pipeline.OutcomeFail),
			"reason":  string(domain.FailReasonFixFailed),
		})
	}
	r.cascade(ctx, id)
}

// finalReview reviews the whole specification and returns the next
// specification status. A pass opens the pull request; needs_fix appends
// fix chunks after the last chunk for a later run.
func (r *specRun) finalReview(ctx context.Context, chunks []*domain.Chunk, summary *Summary) constants.SpecStatus {
	if r.cb.ReviewStart != nil {
		r.cb.ReviewStart()
	}
	if r.cb.Step != nil {
		r.cb.Step("", constants.WorkerStepReviewing)
	}
	r.emit(events.FinalReview, "started", "", nil)

	material := backend.PromptMaterial{
		Kind:        backend.MaterialFinalReview,
		SpecTitle:   r.spec.Title,
		SpecContent: r.spec.Content,
		Chunks:      make([]backend.ChunkContext, 0, len(chunks)),
	}
	for _, c := range chunks {
		material.Chunks = append(material.Chunks, backend.ChunkContext{Title: c.Title, Summary: c.Summary()})
	}

	verdict, err := r.o.reviews.Review(ctx, pipeline.ReviewRequest{
		Kind:     constants.ReviewKindFinal,
		SpecID:   r.spec.ID,
		Material: material,
		Options:  backend.ReviewOptions{Timeout: r.cfg.ReviewTimeout, Model: r.cfg.ReviewModel},
	})
	if err != nil {
		if ctx.Err() != nil {
			return constants.SpecStatusDraft
		}
		r.log.Error().Err(err).Msg("final review failed")
		r.emit(events.Error, err.Error(), "", map[string]any{"step": "final_review"})
		return constants.SpecStatusReview
	}

	summary.FinalVerdict = verdict.Status
	if r.cb.ReviewComplete != nil {
		r.cb.ReviewComplete(verdict.Status)
	}
	r.emit(events.FinalReview, verdict.Feedback, "", map[string]any{"verdict": string(verdict.Status)})

	switch verdict.Status {
	case constants.ReviewStatusPass:
		summary.PRURL = r.openPR(ctx, summary.Passed)
		return constants.SpecStatusCompleted
	case constants.ReviewStatusNeedsFix:
		r.appendFixes(ctx, chunks, verdict.AllFixes())
		return constants.SpecStatusReview
	default:
		return constants.SpecStatusReview
	}
}

// openPR pushes and opens the pull request. Failures are reported and
// leave the specification completed.
func (r *specRun) openPR(ctx context.Context, passed int) string {
	if !r.state.Active() {
		r.log.Info().Msg("git workflow disabled, skipping pull request")
		return ""
	}
	pr, err := r.o.workflow.PushAndCreatePR(ctxutil.Detached(ctx), r.state, r.spec, passed)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to open pull request")
		r.emit(events.Error, "pull request failed: "+err.Error(), "", map[string]any{"step": "pull_request"})
		return ""
	}
	r.log.Info().Str("pr_url", pr.URL).Int("pr_number", pr.Number).Msg("pull request opened")
	return pr.URL
}

// appendFixes creates the fix chunks of a final review after the last chunk.
func (r *specRun) appendFixes(ctx context.Context, chunks []*domain.Chunk, fixes []backend.FixSpec) {
	last := -1
	for _, c := range chunks {
		last = max(last, c.Order)
	}
	for i, f := range fixes {
		title := f.Title
		if title == "" {
			title = fmt.Sprintf("Fix: %s (%d)", r.spec.Title, i+1)
		}
		fix := &domain.Chunk{
			ID:           domain.NewID(domain.ChunkIDPrefix),
			SpecID:       r.spec.ID,
			Title:        title,
			Description:  f.Description,
			Order:        last + 1 + i,
			Dependencies: []string{},
		}
		if err := r.o.store.CreateChunk(ctxutil.Detached(ctx), fix); err != nil {
			r.log.Error().Err(err).Str("title", title).Msg("failed to create final review fix chunk")
			continue
		}
		r.fixChunks++
	}
}

func (r *specRun) summarize(chunks []*domain.Chunk) *Summary {
	s := &Summary{SpecID: r.spec.ID, Total: len(chunks)}
	for _, c := range chunks {
		switch c.Status {
		case constants.ChunkStatusCompleted:
			s.Passed++
		case constants.ChunkStatusFailed:
			s.Failed++
		case constants.ChunkStatusPending, constants.ChunkStatusCancelled, constants.ChunkStatusRunning:
			s.Skipped++
		}
	}
	return s
}

func (r *specRun) progress() domain.Progress {
	return domain.Progress{
		Current: r.dispatched,
		Total:   r.total,
		Passed:  len(r.completed),
		Failed:  len(r.failed),
	}
}

func (r *specRun) emit(t events.Type, msg, chunkID string, data map[string]any) {
	r.pub.Publish(events.Event{Type: t, SpecID: r.spec.ID, ChunkID: chunkID, Message: msg, Data: data})
}

// setStatus moves the specification to status through the transition table.
func (r *specRun) setStatus(ctx context.Context, status constants.SpecStatus) error {
	if !domain.CanTransitionSpec(r.spec.Status, status) {
		return fmt.Errorf("specification '%s' cannot move from %s to %s: %w", r.spec.ID, r.spec.Status, status, cferrors.ErrInvalidTransition)
	}
	if r.spec.Status == status {
		return nil
	}
	from := r.spec.Status
	r.spec.Status = status
	if err := r.o.store.UpdateSpec(ctxutil.Detached(ctx), r.spec); err != nil {
		return err
	}
	r.log.Info().Str("from", string(from)).Str("to", string(status)).Msg("specification status changed")
	return nil
}

// abandon returns a running specification to review after a storage failure.
func (r *specRun) abandon(ctx context.Context) {
	if err := r.setStatus(ctx, constants.SpecStatusReview); err != nil {
		r.log.Warn().Err(err).Msg("failed to release specification")
	}
}
