// Package cli provides the command-line interface for chunkflow.
package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mrz1836/chunkflow/internal/config"
	"github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/logging"
)

// BuildInfo contains version information set at build time via ldflags.
type BuildInfo struct {
	// Version is the semantic version (e.g., "1.0.0").
	Version string
	// Commit is the git commit hash.
	Commit string
	// Date is the build date.
	Date string
}

// globalLogger stores the logger initialized in PersistentPreRunE.
// Access is protected by globalLoggerMu.
var (
	globalLogger   *logging.Logger //nolint:gochecknoglobals // CLI logger requires global access
	globalLoggerMu sync.RWMutex    //nolint:gochecknoglobals // Protects globalLogger
)

// GetLogger returns the initialized logger for use by subcommands.
//
// It MUST only be called after the root command's PersistentPreRunE has
// executed; before that it returns a logger that discards everything.
func GetLogger() zerolog.Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	if globalLogger == nil {
		return zerolog.Nop()
	}
	return globalLogger.Logger
}

func setLogger(l *logging.Logger) {
	globalLoggerMu.Lock()
	defer globalLoggerMu.Unlock()
	if globalLogger != nil {
		_ = globalLogger.Close()
	}
	globalLogger = l
}

// closeLogger flushes and closes the log file.
func closeLogger() {
	setLogger(nil)
}

// newRootCmd creates and returns the root command for the chunkflow CLI.
func newRootCmd(flags *GlobalFlags, info BuildInfo) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunkflow",
		Short: "chunkflow - specification-driven agent orchestration",
		Long: `chunkflow decomposes a specification into dependent chunks, drives each chunk
through an execution agent, a build check and an AI review, and checkpoints
accepted work on a dedicated git branch before opening a pull request.

Features:
  • Dependency-aware chunk scheduling with automatic fix chunks
  • Commit-per-chunk checkpoints with rollback of rejected work
  • Bounded worker pool with a persisted priority queue
  • Prometheus metrics and a control API via 'chunkflow serve'`,
		Version: formatVersion(info),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if !IsValidOutputFormat(flags.Output) {
				return fmt.Errorf("%w: %q must be one of %v", errors.ErrInvalidOutputFormat, flags.Output, ValidOutputFormats())
			}
			return initLogger(cmd.Context(), flags)
		},
		SilenceUsage: true,
	}

	AddGlobalFlags(cmd, flags)

	AddProjectCommand(cmd)
	AddSpecCommand(cmd)
	AddPlanCommand(cmd)
	AddRunCommand(cmd)
	AddWorkersCommand(cmd)
	AddQueueCommand(cmd)
	AddAbortCommand(cmd)
	AddWorktreeCommand(cmd)
	AddServeCommand(cmd)

	return cmd
}

// initLogger builds the process logger. The log file lives under the
// configured home; an unreadable configuration only costs the file.
func initLogger(ctx context.Context, flags *GlobalFlags) error {
	opts := logging.Options{Verbose: flags.Verbose, Quiet: flags.Quiet}
	if cfg, err := config.Load(ctx); err == nil {
		if dir, dirErr := config.LogDir(cfg); dirErr == nil {
			opts.LogDir = dir
		}
	}

	l, err := logging.New(opts)
	setLogger(l)
	if err != nil {
		l.Warn().Err(err).Msg("file logging disabled")
	}
	return nil
}

// formatVersion creates the version string from build info.
func formatVersion(info BuildInfo) string {
	if info.Version == "" {
		info.Version = "dev"
	}
	if info.Commit == "" {
		info.Commit = "none"
	}
	if info.Date == "" {
		info.Date = "unknown"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", info.Version, info.Commit, info.Date)
}

// Execute runs the root command with the provided context and build info.
func Execute(ctx context.Context, info BuildInfo) error {
	defer closeLogger()
	flags := &GlobalFlags{}
	//nolint:contextcheck // Cobra command pattern uses cmd.Context() internally
	cmd := newRootCmd(flags, info)
	err := cmd.ExecuteContext(ctx)
	if _, action := errors.Actionable(err); action != "" && flags.Output != OutputJSON {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Hint: "+action)
	}
	return err
}
