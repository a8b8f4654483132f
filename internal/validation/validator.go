package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	"github.com/mrz1836/chunkflow/internal/domain"
	"github.com/mrz1836/chunkflow/internal/git"
)

// ChangeCounter lists the files changed in a working directory.
type ChangeCounter interface {
	ChangedFiles(ctx context.Context, workDir string) ([]string, error)
}

// GitChangeCounter reads changed files from git status.
type GitChangeCounter struct{}

// ChangedFiles returns staged, unstaged and untracked paths.
func (GitChangeCounter) ChangedFiles(ctx context.Context, workDir string) ([]string, error) {
	runner, err := git.NewRunner(ctx, workDir)
	if err != nil {
		return nil, err
	}
	status, err := runner.Status(ctx)
	if err != nil {
		return nil, err
	}
	return status.ChangedFiles(), nil
}

// Options configures one validation.
type Options struct {
	BuildCommand string
	SkipBuild    bool
	// Timeout bounds the build command; zero uses constants.DefaultBuildTimeout.
	Timeout time.Duration
}

// AutoFail explains why validation failed a chunk without review.
type AutoFail struct {
	Reason   domain.FailReason
	Feedback string
}

// Result is the outcome of a validation.
type Result struct {
	ChangedFiles []string
	// Build is nil when the build step was skipped or never reached.
	Build    *CommandOutput
	AutoFail *AutoFail
}

// Passed reports whether the chunk may proceed to review.
func (r *Result) Passed() bool {
	return r.AutoFail == nil
}

// Summary renders the result as review context.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Changed files (%d)", len(r.ChangedFiles))
	if len(r.ChangedFiles) > 0 {
		b.WriteString(": " + strings.Join(r.ChangedFiles, ", "))
	}
	switch {
	case r.Build == nil:
		b.WriteString("\nBuild: skipped")
	case r.Build.ExitCode == 0:
		fmt.Fprintf(&b, "\nBuild: passed in %s", r.Build.Duration.Round(time.Millisecond))
	default:
		fmt.Fprintf(&b, "\nBuild: failed with exit code %d", r.Build.ExitCode)
	}
	if r.AutoFail != nil {
		fmt.Fprintf(&b, "\nAuto-fail: %s", r.AutoFail.Reason)
	}
	return b.String()
}

// Validator runs post-execution validation.
type Validator struct {
	runner  CommandRunner
	counter ChangeCounter
	logger  zerolog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithRunner sets the command runner.
func WithRunner(r CommandRunner) Option {
	return func(v *Validator) { v.runner = r }
}

// WithChangeCounter sets the changed-file source.
func WithChangeCounter(c ChangeCounter) Option {
	return func(v *Validator) { v.counter = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator backed by sh and git unless overridden.
func New(opts ...Option) *Validator {
	v := &Validator{
		runner:  ShellRunner{},
		counter: GitChangeCounter{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate inspects workDir. Validation problems are reported through
// Result.AutoFail; the error is non-nil only when ctx ends.
func (v *Validator) Validate(ctx context.Context, workDir string, opts Options) (*Result, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return nil, err
	}

	files, err := v.counter.ChangedFiles(ctx, workDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		v.logger.Warn().Err(err).Str("work_dir", workDir).Msg("failed to inspect changed files")
		return &Result{AutoFail: &AutoFail{
			Reason:   domain.FailReasonValidationError,
			Feedback: "could not inspect changed files: " + err.Error(),
		}}, nil
	}

	res := &Result{ChangedFiles: files}
	if len(files) == 0 {
		res.AutoFail = &AutoFail{
			Reason:   domain.FailReasonNoChanges,
			Feedback: "execution finished without changing any files",
		}
		return res, nil
	}

	command := strings.TrimSpace(opts.BuildCommand)
	if opts.SkipBuild || command == "" {
		return res, nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = constants.DefaultBuildTimeout
	}
	buildCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v.logger.Info().Str("command", command).Str("work_dir", workDir).Msg("running build command")
	out, err := v.runner.Run(buildCtx, workDir, command)
	res.Build = out
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var output string
	if out != nil {
		output = out.Combined()
	}
	switch {
	case errors.Is(buildCtx.Err(), context.DeadlineExceeded):
		res.AutoFail = &AutoFail{
			Reason:   domain.FailReasonBuildFailed,
			Feedback: fmt.Sprintf("build command `%s` timed out after %s\n%s", command, timeout, Truncate(output, constants.MaxFeedbackOutput)),
		}
	case out != nil && out.ExitCode > 0:
		res.AutoFail = &AutoFail{
			Reason:   domain.FailReasonBuildFailed,
			Feedback: fmt.Sprintf("build command `%s` failed with exit code %d\n%s", command, out.ExitCode, Truncate(output, constants.MaxFeedbackOutput)),
		}
	default:
		res.AutoFail = &AutoFail{
			Reason:   domain.FailReasonValidationError,
			Feedback: fmt.Sprintf("build command `%s` could not run: %v", command, err),
		}
	}

	v.logger.Warn().
		Str("command", command).
		Str("reason", string(res.AutoFail.Reason)).
		Msg("build validation failed")
	return res, nil
}

// Truncate shortens s to at most limit bytes on a rune boundary, marking the cut.
func Truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n...[truncated]"
}
