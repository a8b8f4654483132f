// Package validation checks a chunk's working tree after execution: it counts
// changed files and runs the project's build command, turning either problem
// into an auto-fail so the chunk never reaches review.
//
// SECURITY NOTE: build commands come from project configuration or the
// user's global config and are trusted the same way a Makefile is. The
// sh -c invocation is intentional so commands can use pipes and redirects.
package validation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// CommandOutput is the captured result of one shell command.
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (o *CommandOutput) Combined() string {
	switch {
	case o.Stderr == "":
		return o.Stdout
	case o.Stdout == "":
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// CommandRunner executes shell commands. Tests inject fakes.
type CommandRunner interface {
	// Run executes command in workDir. A non-zero exit is reported both in the
	// output's ExitCode and as a non-nil error. ExitCode is -1 when the
	// command could not be started or was killed by a signal.
	Run(ctx context.Context, workDir, command string) (*CommandOutput, error)
}

// ShellRunner implements CommandRunner with sh -c.
type ShellRunner struct{}

var _ CommandRunner = (*ShellRunner)(nil)

// Run executes command using sh -c.
func (ShellRunner) Run(ctx context.Context, workDir, command string) (*CommandOutput, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //#nosec G204 -- build commands are trusted configuration
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	out := &CommandOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
	}
	return out, err
}
