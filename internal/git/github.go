package git

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// PRErrorType classifies gh failures for reporting.
type PRErrorType int

const (
	// PRErrorNone indicates no error occurred.
	PRErrorNone PRErrorType = iota
	// PRErrorAuth indicates authentication failed.
	PRErrorAuth
	// PRErrorRateLimit indicates the GitHub API rate limited the call.
	PRErrorRateLimit
	// PRErrorNetwork indicates a network issue or timeout.
	PRErrorNetwork
	// PRErrorNotFound indicates the PR or repository was not found.
	PRErrorNotFound
	// PRErrorOther indicates an unclassified error.
	PRErrorOther
)

// String returns a string representation of the error type.
func (t PRErrorType) String() string {
	switch t {
	case PRErrorNone:
		return "none"
	case PRErrorAuth:
		return "auth"
	case PRErrorRateLimit:
		return "rate_limit"
	case PRErrorNetwork:
		return "network"
	case PRErrorNotFound:
		return "not_found"
	case PRErrorOther:
		return "other"
	}
	return "other"
}

// PRCreateOptions configures a pull request.
type PRCreateOptions struct {
	Title      string
	Body       string
	BaseBranch string
	HeadBranch string
	Draft      bool
}

// PRResult is a created pull request.
type PRResult struct {
	Number int
	URL    string
}

// PRState is the merge state reported by `gh pr view`.
type PRState struct {
	State  string
	Merged bool
}

// HubRunner defines the GitHub operations chunkflow performs via the gh CLI.
type HubRunner interface {
	// CreatePR opens a pull request. It is attempted once.
	CreatePR(ctx context.Context, opts PRCreateOptions) (*PRResult, error)

	// PRState reports whether the pull request identified by ref (number or URL) is merged.
	PRState(ctx context.Context, ref string) (*PRState, error)
}

// CommandExecutor executes external commands. Replaced in tests.
type CommandExecutor interface {
	Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error)
}

// CLIHubRunner implements HubRunner with the gh CLI.
type CLIHubRunner struct {
	workDir string
	logger  zerolog.Logger
	cmdExec CommandExecutor
}

var _ HubRunner = (*CLIHubRunner)(nil)

// HubOption configures a CLIHubRunner.
type HubOption func(*CLIHubRunner)

// WithHubLogger sets the logger.
func WithHubLogger(logger zerolog.Logger) HubOption {
	return func(r *CLIHubRunner) {
		r.logger = logger
	}
}

// WithCommandExecutor replaces the command executor.
func WithCommandExecutor(exec CommandExecutor) HubOption {
	return func(r *CLIHubRunner) {
		r.cmdExec = exec
	}
}

// NewHubRunner creates a CLIHubRunner running gh in workDir.
func NewHubRunner(workDir string, opts ...HubOption) *CLIHubRunner {
	r := &CLIHubRunner{
		workDir: workDir,
		logger:  zerolog.Nop(),
		cmdExec: &execCommandExecutor{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreatePR creates a pull request and returns its URL and number.
func (r *CLIHubRunner) CreatePR(ctx context.Context, opts PRCreateOptions) (*PRResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Title == "" || opts.HeadBranch == "" {
		return nil, fmt.Errorf("PR title and head branch are required: %w", cferrors.ErrEmptyValue)
	}
	if opts.BaseBranch == "" {
		opts.BaseBranch = "main"
	}

	args := []string{
		"pr", "create",
		"--title", opts.Title,
		"--body", opts.Body,
		"--base", opts.BaseBranch,
		"--head", opts.HeadBranch,
	}
	if opts.Draft {
		args = append(args, "--draft")
	}

	r.logger.Info().
		Str("title", opts.Title).
		Str("base", opts.BaseBranch).
		Str("head", opts.HeadBranch).
		Msg("creating pull request")

	output, err := r.cmdExec.Execute(ctx, r.workDir, "gh", args...)
	if err != nil {
		errType := classifyGHError(err)
		r.logger.Warn().Err(err).Str("error_type", errType.String()).Msg("PR creation failed")
		return nil, fmt.Errorf("failed to create PR (%s): %w: %w", errType, cferrors.ErrGitHubOperation, err)
	}

	url, number := parsePRCreateOutput(string(output))
	if url == "" {
		return nil, fmt.Errorf("failed to parse PR URL from gh output [%s]: %w",
			strings.TrimSpace(string(output)), cferrors.ErrGitHubOperation)
	}

	r.logger.Info().Int("pr_number", number).Str("pr_url", url).Msg("PR created")
	return &PRResult{Number: number, URL: url}, nil
}

// PRState queries the state of a pull request.
func (r *CLIHubRunner) PRState(ctx context.Context, ref string) (*PRState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref == "" {
		return nil, fmt.Errorf("PR reference %w", cferrors.ErrEmptyValue)
	}

	output, err := r.cmdExec.Execute(ctx, r.workDir, "gh", "pr", "view", ref, "--json", "state,mergedAt")
	if err != nil {
		if classifyGHError(err) == PRErrorNotFound {
			return nil, fmt.Errorf("PR %s: %w", ref, cferrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get PR state: %w: %w", cferrors.ErrGitHubOperation, err)
	}
	return parsePRViewOutput(output)
}

type ghPRView struct {
	State    string `json:"state"`
	MergedAt string `json:"mergedAt"`
}

func parsePRViewOutput(output []byte) (*PRState, error) {
	var resp ghPRView
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse PR state JSON: %w", err)
	}
	state := strings.ToLower(resp.State)
	return &PRState{
		State:  state,
		Merged: state == "merged" || (resp.MergedAt != "" && !strings.HasPrefix(resp.MergedAt, "0001-")),
	}, nil
}

var prURLPattern = regexp.MustCompile(`https://[^/\s]+/[^/\s]+/[^/\s]+/pull/(\d+)`) //nolint:gochecknoglobals // compiled once

// parsePRCreateOutput extracts the PR URL and number from gh pr create output.
func parsePRCreateOutput(output string) (url string, number int) {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		match := prURLPattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		if n, err := strconv.Atoi(match[1]); err == nil {
			number = n
		}
		return match[0], number
	}
	return "", 0
}

// classifyGHError classifies a gh CLI error.
func classifyGHError(err error) PRErrorType {
	if err == nil {
		return PRErrorNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return PRErrorNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit exceeded", "api rate limit", "secondary rate limit", "abuse detection", "too many requests"):
		return PRErrorRateLimit
	case containsAny(msg, "authentication required", "bad credentials", "not logged into", "must be authenticated", "gh auth login", "invalid token", "token expired"):
		return PRErrorAuth
	case containsAny(msg, "connection refused", "connection reset", "network is unreachable", "no such host", "i/o timeout", "tls handshake timeout", "could not resolve host"):
		return PRErrorNetwork
	case containsAny(msg, "not found", "could not find", "no pull requests found", "404"):
		return PRErrorNotFound
	}
	return PRErrorOther
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

type execCommandExecutor struct{}

func (e *execCommandExecutor) Execute(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //#nosec G204 -- args are constructed internally
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s %s: %s: %w", name, args[0], strings.TrimSpace(stderr.String()), err)
		}
		return nil, fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return stdout.Bytes(), nil
}
