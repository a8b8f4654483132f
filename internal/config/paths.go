package config

import (
	"os"
	"path/filepath"

	"github.com/mrz1836/chunkflow/internal/constants"
	"github.com/mrz1836/chunkflow/internal/errors"
)

// HomeDir returns the chunkflow data directory: CHUNKFLOW_HOME when set,
// ~/.chunkflow otherwise.
func HomeDir() (string, error) {
	if env := os.Getenv(constants.HomeEnvVar); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, constants.HomeDir), nil
}

// GlobalConfigPath returns the path of the global configuration file.
func GlobalConfigPath() (string, error) {
	dir, err := HomeDir()
	if err != nil {
		return "", errors.Wrap(err, "get global config path")
	}
	return filepath.Join(dir, constants.GlobalConfigName), nil
}

// ProjectConfigPath returns the path of the project configuration file,
// relative to the working directory.
func ProjectConfigPath() string {
	return filepath.Join(constants.ProjectConfigDir, constants.GlobalConfigName)
}

// LogDir returns the directory of the rotating log file for cfg.
func LogDir(cfg *Config) (string, error) {
	home, err := ResolveHome(cfg)
	if err != nil {
		return "", err
	}
	return filepath.Join(home, constants.LogsDir), nil
}

// ResolveHome returns the configured store home, falling back to HomeDir.
func ResolveHome(cfg *Config) (string, error) {
	if cfg != nil && cfg.Store.Home != "" {
		return cfg.Store.Home, nil
	}
	return HomeDir()
}
