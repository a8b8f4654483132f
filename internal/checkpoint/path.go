package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	cferrors "github.com/mrz1836/chunkflow/internal/errors"
)

// ValidateProjectPath rejects project directories that must never be reset or
// checked out by an automated run. The path must be absolute, exist, be a
// directory, contain no ".." segment, and be neither the filesystem root nor
// the user's home directory.
func ValidateProjectPath(path string) error {
	if path == "" {
		return fmt.Errorf("project path %w", cferrors.ErrEmptyValue)
	}
	if !filepath.IsAbs(path) {
		return fmt.Errorf("project path '%s' is not absolute: %w", path, cferrors.ErrUnsafePath)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("project path '%s' contains '..': %w", path, cferrors.ErrUnsafePath)
		}
	}

	clean := filepath.Clean(path)
	if clean == filepath.VolumeName(clean)+string(filepath.Separator) {
		return fmt.Errorf("project path is the filesystem root: %w", cferrors.ErrUnsafePath)
	}
	if home, err := os.UserHomeDir(); err == nil && filepath.Clean(home) == clean {
		return fmt.Errorf("project path is the home directory: %w", cferrors.ErrUnsafePath)
	}

	info, err := os.Stat(clean)
	if err != nil {
		return fmt.Errorf("project path '%s': %w: %w", path, cferrors.ErrUnsafePath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("project path '%s' is not a directory: %w", path, cferrors.ErrUnsafePath)
	}
	return nil
}
