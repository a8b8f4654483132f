package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mrz1836/chunkflow/internal/ctxutil"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

const (
	// sessionBuffer is the capacity of a session's event channel.
	sessionBuffer = 256

	// healthTimeout bounds the backend health probe.
	healthTimeout = 10 * time.Second

	// maxStderr caps the stderr kept for error reporting.
	maxStderr = 8 * 1024
)

// CLIExecutorConfig configures a CLIExecutor.
type CLIExecutorConfig struct {
	// Command is the agent binary (default "claude").
	Command string
	// Args are passed before the generated output-format and model flags.
	Args []string
	// MaxTurns limits agent turns per prompt; zero means the command's default.
	MaxTurns int
}

// CLIExecutor runs an agent command per prompt and translates its
// stream-json output into execution events.
type CLIExecutor struct {
	cfg    CLIExecutorConfig
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	health   singleflight.Group
}

type session struct {
	id        string
	workDir   string
	events    chan ExecutionEvent
	cancel    context.CancelFunc
	started   bool
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.events) })
}

var _ Executor = (*CLIExecutor)(nil)

// NewCLIExecutor creates a CLIExecutor.
func NewCLIExecutor(cfg CLIExecutorConfig, logger zerolog.Logger) *CLIExecutor {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	return &CLIExecutor{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// StartSession registers a session for workDir.
func (e *CLIExecutor) StartSession(ctx context.Context, workDir string) (string, error) {
	if err := ctxutil.Canceled(ctx); err != nil {
		return "", err
	}
	info, err := os.Stat(workDir)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("working directory '%s' not usable: %w", workDir, cferrors.ErrExecutionFailed)
	}

	s := &session{
		id:      uuid.NewString(),
		workDir: workDir,
		events:  make(chan ExecutionEvent, sessionBuffer),
	}
	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()
	return s.id, nil
}

// SendPrompt starts the agent command for the session. The process lives
// until it exits or the session is aborted, independent of ctx.
func (e *CLIExecutor) SendPrompt(ctx context.Context, sessionID string, material PromptMaterial, opts PromptOptions) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if ok && s.started {
		e.mu.Unlock()
		return fmt.Errorf("session %s already has a prompt: %w", sessionID, cferrors.ErrExecutionFailed)
	}
	if ok {
		s.started = true
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, cferrors.ErrSessionNotFound)
	}

	procCtx, cancel := context.WithCancel(ctxutil.Detached(ctx))
	e.mu.Lock()
	s.cancel = cancel
	e.mu.Unlock()

	command := e.cfg.Command
	if opts.Command != "" {
		command = opts.Command
	}
	cmd := exec.CommandContext(procCtx, command, e.buildArgs(opts)...) //#nosec G204 -- command comes from configuration
	cmd.Dir = s.workDir
	cmd.Stdin = strings.NewReader(material.Render())
	var stderr limitedBuffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to open agent output: %w: %w", cferrors.ErrExecutionFailed, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w: %w", command, cferrors.ErrExecutionFailed, err)
	}

	e.logger.Debug().Str("session_id", sessionID).Str("work_dir", s.workDir).Str("command", command).Str("model", opts.Model).Msg("agent started")

	go func() {
		defer s.close()

		terminal := false
		send := func(ev ExecutionEvent) bool {
			select {
			case s.events <- ev:
				return true
			case <-procCtx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			for _, ev := range parseStreamLine(scanner.Text()) {
				if ev.Kind == EventComplete || ev.Kind == EventError {
					terminal = true
				}
				if !send(ev) {
					_ = cmd.Wait()
					return
				}
			}
		}

		waitErr := cmd.Wait()
		switch {
		case terminal || procCtx.Err() != nil:
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = waitErr.Error()
			}
			send(ExecutionEvent{Kind: EventError, Text: msg})
		default:
			send(ExecutionEvent{Kind: EventComplete})
		}
	}()
	return nil
}

// buildArgs assembles the agent arguments. A per-prompt turn limit replaces
// the configured one.
func (e *CLIExecutor) buildArgs(opts PromptOptions) []string {
	args := append([]string{}, e.cfg.Args...)
	args = append(args, "-p", "--output-format", "stream-json", "--verbose")
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	turns := e.cfg.MaxTurns
	if opts.MaxTurns > 0 {
		turns = opts.MaxTurns
	}
	if turns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(turns))
	}
	return args
}

// Events returns the session's event stream. Unknown sessions yield a closed channel.
func (e *CLIExecutor) Events(sessionID string) <-chan ExecutionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[sessionID]; ok {
		return s.events
	}
	ch := make(chan ExecutionEvent)
	close(ch)
	return ch
}

// AbortSession kills the session's process, if any, and forgets the session.
func (e *CLIExecutor) AbortSession(_ context.Context, sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, cferrors.ErrSessionNotFound)
	}
	if s.cancel != nil {
		s.cancel()
	} else {
		s.close()
	}
	return nil
}

// CheckHealth probes the agent command with --version. Concurrent probes share one run.
func (e *CLIExecutor) CheckHealth(ctx context.Context) bool {
	v, _, _ := e.health.Do("health", func() (any, error) {
		path, err := exec.LookPath(e.cfg.Command)
		if err != nil {
			e.logger.Warn().Err(err).Str("command", e.cfg.Command).Msg("execution backend not found")
			return false, nil
		}
		probeCtx, cancel := context.WithTimeout(ctxutil.Detached(ctx), healthTimeout)
		defer cancel()
		if err := exec.CommandContext(probeCtx, path, "--version").Run(); err != nil { //#nosec G204 -- command comes from configuration
			e.logger.Warn().Err(err).Str("command", path).Msg("execution backend health check failed")
			return false, nil
		}
		return true, nil
	})
	healthy, _ := v.(bool)
	return healthy
}

// limitedBuffer keeps the first maxStderr bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxStderr - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
