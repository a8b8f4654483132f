package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/ctxutil"
	cferrors "github.com/mrz1836/chunkflow/internal/errors"
	"github.com/mrz1836/chunkflow/internal/flock"
)

// LockTimeout is the maximum duration to wait for acquiring a file lock.
const LockTimeout = 5 * time.Second

const (
	dirPerm  = 0o750
	filePerm = 0o600
	lockName = ".lock"
)

// Collection directory names under <home>/store.
const (
	projectsDir  = "projects"
	specsDir     = "specs"
	chunksDir    = "chunks"
	toolCallsDir = "toolcalls"
	workersDir   = "workers"
	queueDir     = "queue"
	reviewsDir   = "reviews"
)

// validIDRegex rejects IDs that could escape the store directory.
var validIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`) //nolint:gochecknoglobals // compiled once

// FileStore implements Store on the local filesystem.
//
// A process-wide mutex serializes operations within one process; a flock on
// the store lock file serializes them across processes.
type FileStore struct {
	root string
	mu   sync.Mutex
	now  func() time.Time
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a FileStore rooted at <home>/store.
// If home is empty, it resolves the data home from CHUNKFLOW_HOME or ~/.chunkflow.
func NewFileStore(home string) (*FileStore, error) {
	if home == "" {
		var err error
		if home, err = DefaultHome(); err != nil {
			return nil, err
		}
	}
	root := filepath.Join(home, constants.StoreDir)
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{root: root, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DefaultHome returns the chunkflow data home.
func DefaultHome() (string, error) {
	if env := os.Getenv(constants.HomeEnvVar); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, constants.HomeDir), nil
}

// withLock runs fn while holding both the in-process mutex and the store file lock.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	if err := ctxutil.Canceled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := flock.Acquire(ctx, filepath.Join(s.root, lockName), LockTimeout)
	if err != nil {
		if errors.Is(err, flock.ErrTimeout) {
			return fmt.Errorf("failed to acquire store lock: %w", cferrors.ErrLockTimeout)
		}
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	defer func() { _ = flock.Release(f) }()

	return fn()
}

func (s *FileStore) path(parts ...string) string {
	return filepath.Join(append([]string{s.root}, parts...)...)
}

func validateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%s id %w", kind, cferrors.ErrEmptyValue)
	}
	if !validIDRegex.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%s id %q: %w", kind, id, cferrors.ErrPathTraversal)
	}
	return nil
}

func readJSON[T any](path string) (*T, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- path is constructed from validated IDs
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cferrors.ErrNotFound
		}
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", filepath.Base(path), cferrors.ErrStoreCorrupted, err)
	}
	return &v, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return atomicWrite(path, data)
}

func createJSON(path string, v any) error {
	if _, err := os.Stat(path); err == nil {
		return cferrors.ErrAlreadyExists
	}
	return writeJSON(path, v)
}

func updateJSON(path string, v any) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cferrors.ErrNotFound
	}
	return writeJSON(path, v)
}

func removeJSON(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return cferrors.ErrNotFound
		}
		return err
	}
	return nil
}

// listJSON decodes every *.json file in dir. A missing directory yields an empty list.
func listJSON[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*T{}, nil
		}
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	out := make([]*T, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		v, err := readJSON[T](filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func appendJSONL(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm) //#nosec G304 -- path is constructed from validated IDs
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return f.Close()
}

func readJSONL[T any](path string) ([]*T, error) {
	f, err := os.Open(path) //#nosec G304 -- path is constructed from validated IDs
	if err != nil {
		if os.IsNotExist(err) {
			return []*T{}, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	out := []*T{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", filepath.Base(path), cferrors.ErrStoreCorrupted, err)
		}
		out = append(out, &v)
	}
	return out, scanner.Err()
}

// atomicWrite writes data to a file atomically using write-then-rename.
func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm) //#nosec G304 -- path is constructed internally
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

func removeAll(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
