package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/errors"
)

// Rotation settings of the log file.
const (
	LogMaxSizeMB  = 20
	LogMaxBackups = 5
	LogMaxAgeDays = 14
)

// Options configures New.
type Options struct {
	Verbose bool
	Quiet   bool
	// LogDir holds the rotating log file. Empty disables file logging.
	LogDir string
	// Console overrides the console writer. Nil selects a console writer on
	// a TTY and JSON on stderr otherwise.
	Console io.Writer
}

// Logger is a configured zerolog.Logger plus the file it writes to.
type Logger struct {
	zerolog.Logger
	file io.Closer
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// New builds the process logger and installs it as the zerolog global.
// A log file that cannot be opened is reported but the console logger is
// still returned.
func New(opts Options) (*Logger, error) {
	console := opts.Console
	if console == nil {
		console = selectConsole()
	}

	var (
		writer  = console
		file    io.WriteCloser
		fileErr error
	)
	if opts.LogDir != "" {
		file, fileErr = openLogFile(opts.LogDir)
		if fileErr == nil {
			writer = zerolog.MultiLevelWriter(console, file)
		}
	}

	zl := zerolog.New(writer).
		Level(Level(opts.Verbose, opts.Quiet)).
		Hook(SensitiveDataHook{}).
		With().Timestamp().Logger()
	log.Logger = zl

	l := &Logger{Logger: zl}
	if file != nil {
		l.file = file
	}
	return l, fileErr
}

// Level maps verbosity flags to a level. Verbose wins over quiet.
func Level(verbose, quiet bool) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectConsole() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return os.Stderr
}

type filteredFile struct {
	*FilteringWriter
	io.Closer
}

func openLogFile(dir string) (io.WriteCloser, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}
	lj := &lumberjack.Logger{
		Filename:   filepath.Join(dir, constants.CLILogFileName),
		MaxSize:    LogMaxSizeMB,
		MaxBackups: LogMaxBackups,
		MaxAge:     LogMaxAgeDays,
		Compress:   true,
	}
	return filteredFile{FilteringWriter: NewFilteringWriter(lj), Closer: lj}, nil
}
